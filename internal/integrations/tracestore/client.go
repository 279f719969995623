// Package tracestore pulls sessions, traces and observations from the
// observability backend that captures the phone agent's calls.
package tracestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"callaudit/internal/domain"
	"callaudit/internal/httpx"
	"callaudit/internal/observability/logging"
)

type Client struct {
	baseURL   string
	publicKey string
	secretKey string
	http      *http.Client
	log       zerolog.Logger
}

func NewClient(baseURL, publicKey, secretKey string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		publicKey: publicKey,
		secretKey: secretKey,
		http:      httpx.Client(),
		log:       logging.WithComponent("tracestore"),
	}
}

// GetSession fetches one session with its traces and observations. Returns
// domain.ErrSessionNotFound when the session does not exist upstream.
func (c *Client) GetSession(ctx context.Context, sessionID, configID string) (*domain.Session, error) {
	query := url.Values{"include": {"observations"}}
	if configID != "" {
		query.Set("configId", configID)
	}
	body, err := c.get(ctx, "/api/public/sessions/"+url.PathEscape(sessionID), query)
	if err != nil {
		return nil, err
	}
	return c.decodeSession(ctx, configID, body)
}

// ImportSessionTraces forces the trace source to re-pull the session from
// the agent runtime, then returns the refreshed session. Returns
// domain.ErrSessionNotFound when the session is absent upstream too.
func (c *Client) ImportSessionTraces(ctx context.Context, sessionID, configID string) (*domain.Session, error) {
	query := url.Values{}
	if configID != "" {
		query.Set("configId", configID)
	}
	body, err := c.do(ctx, http.MethodPost, "/api/public/sessions/"+url.PathEscape(sessionID)+"/import", query)
	if err != nil {
		return nil, err
	}
	return c.decodeSession(ctx, configID, body)
}

// GetSessionByOriginalID resolves a session by the identifier the agent
// runtime assigned before any reconnect renumbering.
func (c *Client) GetSessionByOriginalID(ctx context.Context, originalID, configID string) (*domain.Session, error) {
	query := url.Values{"include": {"observations"}}
	if configID != "" {
		query.Set("configId", configID)
	}
	body, err := c.get(ctx, "/api/public/sessions/by-original/"+url.PathEscape(originalID), query)
	if err != nil {
		return nil, err
	}
	return c.decodeSession(ctx, configID, body)
}

// SessionSummary is one row of the sessions listing. ErrorCount counts
// ERROR-level observations on known tools only.
type SessionSummary struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"createdAt"`
	UserID     string    `json:"userId"`
	TraceCount int       `json:"traceCount"`
	ErrorCount int       `json:"errorCount"`
}

type sessionListResponse struct {
	Data []SessionSummary `json:"data"`
}

// ListSessions returns up to limit sessions created at or after since,
// newest first, paging through the upstream listing.
func (c *Client) ListSessions(ctx context.Context, since time.Time, limit int) ([]SessionSummary, error) {
	var all []SessionSummary
	page := 1

	for len(all) < limit {
		query := url.Values{
			"fromTimestamp": {since.UTC().Format(time.RFC3339)},
			"limit":         {"100"},
			"page":          {fmt.Sprint(page)},
		}
		body, err := c.get(ctx, "/api/public/sessions", query)
		if err != nil {
			return nil, err
		}

		var result sessionListResponse
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("parsing session list: %w", err)
		}

		all = append(all, result.Data...)
		if len(result.Data) < 100 {
			break
		}
		page++
	}

	if len(all) > limit {
		all = all[:limit]
	}
	c.log.Debug().Int("sessions", len(all)).Time("since", since).Msg("session list fetched")
	return all, nil
}

func (c *Client) decodeSession(ctx context.Context, configID string, body []byte) (*domain.Session, error) {
	var session domain.Session
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, fmt.Errorf("parsing session: %w", err)
	}

	// Older trace-source deployments return trace stubs without
	// observations; fetch the detail for those.
	for i := range session.Traces {
		if session.Traces[i].Observations != nil {
			continue
		}
		detail, err := c.getTrace(ctx, session.Traces[i].ID, configID)
		if err != nil {
			return nil, fmt.Errorf("fetching trace %s: %w", session.Traces[i].ID, err)
		}
		session.Traces[i].Observations = detail.Observations
	}

	sort.SliceStable(session.Traces, func(i, j int) bool {
		return session.Traces[i].StartTime.Before(session.Traces[j].StartTime)
	})
	for i := range session.Traces {
		obs := session.Traces[i].Observations
		sort.SliceStable(obs, func(a, b int) bool {
			return obs[a].StartTime.Before(obs[b].StartTime)
		})
	}

	c.log.Debug().
		Str("sessionId", session.ID).
		Int("traces", len(session.Traces)).
		Msg("session fetched")
	return &session, nil
}

func (c *Client) getTrace(ctx context.Context, traceID, configID string) (*domain.Trace, error) {
	query := url.Values{}
	if configID != "" {
		query.Set("configId", configID)
	}
	body, err := c.get(ctx, "/api/public/traces/"+url.PathEscape(traceID), query)
	if err != nil {
		return nil, err
	}
	var trace domain.Trace
	if err := json.Unmarshal(body, &trace); err != nil {
		return nil, fmt.Errorf("parsing trace: %w", err)
	}
	return &trace, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, query)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	apiURL := c.baseURL + path
	if len(query) > 0 {
		apiURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.SetBasicAuth(c.publicKey, c.secretKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &domain.UpstreamError{System: "tracestore", Err: err}
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, domain.ErrSessionNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &domain.UpstreamError{
			System: "tracestore",
			Status: resp.StatusCode,
			Err:    errors.New(strings.TrimSpace(string(body))),
		}
	}

	return body, nil
}
