package tracestore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"callaudit/internal/domain"
)

func TestGetSessionSortsTracesAndObservations(t *testing.T) {
	base := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/public/sessions/sess-1" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "pk-test" || pass != "sk-test" {
			t.Fatalf("unexpected basic auth: %q %q ok=%v", user, pass, ok)
		}
		if got := r.URL.Query().Get("configId"); got != "cfg-9" {
			t.Fatalf("unexpected configId query: %q", got)
		}

		payload := map[string]any{
			"id":        "sess-1",
			"userId":    "+15551234567",
			"createdAt": base.Format(time.RFC3339),
			"traces": []map[string]any{
				{
					"id":        "trace-2",
					"sessionId": "sess-1",
					"timestamp": base.Add(5 * time.Minute).Format(time.RFC3339),
					"observations": []map[string]any{
						{"id": "obs-3", "traceId": "trace-2", "name": "ChatAnthropic", "type": "GENERATION", "startTime": base.Add(6 * time.Minute).Format(time.RFC3339)},
					},
				},
				{
					"id":        "trace-1",
					"sessionId": "sess-1",
					"timestamp": base.Format(time.RFC3339),
					"observations": []map[string]any{
						{"id": "obs-2", "traceId": "trace-1", "name": "chord_ortho_patient", "type": "TOOL", "startTime": base.Add(2 * time.Minute).Format(time.RFC3339)},
						{"id": "obs-1", "traceId": "trace-1", "name": "ChatAnthropic", "type": "GENERATION", "startTime": base.Add(time.Minute).Format(time.RFC3339)},
					},
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload)
	}))
	defer server.Close()

	client := NewClient(server.URL, "pk-test", "sk-test")
	session, err := client.GetSession(context.Background(), "sess-1", "cfg-9")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}

	if session.ID != "sess-1" || session.UserID != "+15551234567" {
		t.Fatalf("unexpected session header: %+v", session)
	}
	if len(session.Traces) != 2 {
		t.Fatalf("expected 2 traces, got %d", len(session.Traces))
	}
	if session.Traces[0].ID != "trace-1" || session.Traces[1].ID != "trace-2" {
		t.Fatalf("traces not sorted by start time: %s, %s", session.Traces[0].ID, session.Traces[1].ID)
	}
	obs := session.Traces[0].Observations
	if len(obs) != 2 || obs[0].ID != "obs-1" || obs[1].ID != "obs-2" {
		t.Fatalf("observations not sorted by start time: %+v", obs)
	}
	if obs[1].Kind != domain.KindTool {
		t.Fatalf("observation kind = %q, want %q", obs[1].Kind, domain.KindTool)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := NewClient(server.URL, "pk", "sk")
	_, err := client.GetSession(context.Background(), "missing", "")
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestGetSessionUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, "pk", "sk")
	_, err := client.GetSession(context.Background(), "sess-1", "")
	var upstream *domain.UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstream.Status != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", upstream.Status, http.StatusBadGateway)
	}
}

func TestGetSessionFetchesTraceStubDetail(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/public/sessions/sess-2":
			// Trace stub without observations.
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":        "sess-2",
				"createdAt": base.Format(time.RFC3339),
				"traces": []map[string]any{
					{"id": "trace-9", "sessionId": "sess-2", "timestamp": base.Format(time.RFC3339)},
				},
			})
		case "/api/public/traces/trace-9":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":        "trace-9",
				"sessionId": "sess-2",
				"timestamp": base.Format(time.RFC3339),
				"observations": []map[string]any{
					{"id": "obs-1", "traceId": "trace-9", "name": "schedule_appointment_ortho", "type": "TOOL", "startTime": base.Add(time.Minute).Format(time.RFC3339)},
				},
			})
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, "pk", "sk")
	session, err := client.GetSession(context.Background(), "sess-2", "")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if len(session.Traces) != 1 || len(session.Traces[0].Observations) != 1 {
		t.Fatalf("trace detail not merged: %+v", session.Traces)
	}
	if session.Traces[0].Observations[0].Name != "schedule_appointment_ortho" {
		t.Fatalf("unexpected observation: %+v", session.Traces[0].Observations[0])
	}
}

func TestImportSessionTracesUsesPost(t *testing.T) {
	var method, path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		path = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":        "sess-3",
			"createdAt": time.Now().UTC().Format(time.RFC3339),
			"traces":    []map[string]any{},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "pk", "sk")
	session, err := client.ImportSessionTraces(context.Background(), "sess-3", "cfg-1")
	if err != nil {
		t.Fatalf("ImportSessionTraces failed: %v", err)
	}
	if method != http.MethodPost || path != "/api/public/sessions/sess-3/import" {
		t.Fatalf("unexpected request: %s %s", method, path)
	}
	if session.ID != "sess-3" {
		t.Fatalf("unexpected session id: %s", session.ID)
	}
}

func TestListSessionsPagination(t *testing.T) {
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	pageHits := make(map[int]int)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		pageHits[page]++
		if got := r.URL.Query().Get("fromTimestamp"); got != since.Format(time.RFC3339) {
			t.Fatalf("unexpected fromTimestamp: %q", got)
		}

		w.Header().Set("Content-Type", "application/json")
		switch page {
		case 1:
			// A full page forces the fetch loop to request page 2.
			data := make([]map[string]any, 0, 100)
			for i := 0; i < 100; i++ {
				data = append(data, map[string]any{
					"id":        "sess-" + strconv.Itoa(i),
					"createdAt": since.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
				})
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{
				{"id": "sess-final", "createdAt": since.Format(time.RFC3339), "errorCount": 3},
			}})
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, "pk", "sk")
	sessions, err := client.ListSessions(context.Background(), since, 101)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 101 {
		t.Fatalf("expected 101 sessions, got %d", len(sessions))
	}
	if pageHits[1] == 0 || pageHits[2] == 0 {
		t.Fatalf("expected both pages to be fetched, hits=%v", pageHits)
	}
	if sessions[100].ID != "sess-final" || sessions[100].ErrorCount != 3 {
		t.Fatalf("unexpected final session: %+v", sessions[100])
	}
}
