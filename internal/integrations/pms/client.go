// Package pms talks to a tenant's practice-management system. Every call
// waits on the shared pacer first, which keeps traffic to these systems
// strictly sequential and spaced out; they are production scheduling
// backends with very low tolerance for bursts.
package pms

import (
	"bytes"
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
	"github.com/tidwall/gjson"

	"callaudit/internal/config"
	"callaudit/internal/domain"
	"callaudit/internal/httpx"
	"callaudit/internal/observability/logging"
	"callaudit/internal/observability/metrics"
	"callaudit/internal/pacing"
)

const (
	StatusSuccess  = "success"
	StatusNotFound = "not_found"
)

// Response is the normalized shape of a PMS reply. Backends disagree on
// envelopes (bare records, {data: ...}, {records: [...]}), so records are
// kept raw and read through RecordField.
type Response struct {
	Status  string
	Message string
	Records []json.RawMessage
}

func (r Response) OK() bool {
	return r.Status == StatusSuccess || r.Status == "ok"
}

// Found reports a successful reply that actually carried records. A 404
// or an empty result set both mean the record does not exist.
func (r Response) Found() bool {
	return r.OK() && len(r.Records) > 0
}

// Slots decodes the records as appointment slots, sorted by start time.
// Records without a parseable start time are dropped.
func (r Response) Slots() []domain.AppointmentSlot {
	var slots []domain.AppointmentSlot
	for _, rec := range r.Records {
		start, ok := parseSlotField(RecordField(rec, "startTime", "start_time", "slotTime", "time"))
		if !ok {
			continue
		}
		slot := domain.AppointmentSlot{
			StartTime:  start,
			ResourceID: RecordField(rec, "resourceId", "resource_id", "resource", "chairId"),
		}
		if end, ok := parseSlotField(RecordField(rec, "endTime", "end_time")); ok {
			slot.EndTime = end
		}
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].StartTime.Before(slots[j].StartTime) })
	return slots
}

// RecordField returns the first non-empty value among keys in a raw
// record, covering both the camelCase and snake_case backends.
func RecordField(rec json.RawMessage, keys ...string) string {
	for _, key := range keys {
		v := gjson.GetBytes(rec, key)
		if !v.Exists() {
			continue
		}
		if s := strings.TrimSpace(v.String()); s != "" {
			return s
		}
	}
	return ""
}

type CreateAppointmentRequest struct {
	PatientID  string `json:"patientId"`
	StartTime  string `json:"startTime"`
	ResourceID string `json:"resourceId,omitempty"`
	Note       string `json:"note,omitempty"`
}

type Client struct {
	tenantID       string
	baseURL        string
	apiKey         string
	resourceFilter string
	pacer          pacing.Pacer
	http           *http.Client
	log            zerolog.Logger
}

func NewClient(tenant config.TenantConfig, pacer pacing.Pacer) *Client {
	if pacer == nil {
		pacer = pacing.NopPacer{}
	}
	return &Client{
		tenantID:       tenant.ID,
		baseURL:        strings.TrimRight(tenant.PMSBaseURL, "/"),
		apiKey:         tenant.PMSAPIKey,
		resourceFilter: tenant.SlotResourceFilter,
		pacer:          pacer,
		http:           httpx.Client(),
		log:            logging.WithComponent("pms").With().Str("tenantId", tenant.ID).Logger(),
	}
}

func (c *Client) GetPatientInformation(ctx context.Context, patientID string) (Response, error) {
	return c.do(ctx, "get_patient", http.MethodGet,
		"/api/patients/"+url.PathEscape(patientID), nil, nil)
}

func (c *Client) GetPatientAppointments(ctx context.Context, patientID string) (Response, error) {
	return c.do(ctx, "get_patient_appointments", http.MethodGet,
		"/api/patients/"+url.PathEscape(patientID)+"/appointments", nil, nil)
}

// GetAvailableSlots lists open slots for a calendar day (2006-01-02). The
// tenant's resource filter, when set, is applied server side.
func (c *Client) GetAvailableSlots(ctx context.Context, date string) (Response, error) {
	query := url.Values{"date": {date}}
	if c.resourceFilter != "" {
		query.Set("resource", c.resourceFilter)
	}
	return c.do(ctx, "get_slots", http.MethodGet, "/api/slots", query, nil)
}

func (c *Client) CreateAppointment(ctx context.Context, req CreateAppointmentRequest) (Response, error) {
	return c.do(ctx, "create_appointment", http.MethodPost, "/api/appointments", nil, req)
}

func (c *Client) ConfirmAppointment(ctx context.Context, appointmentID string) (Response, error) {
	return c.do(ctx, "confirm_appointment", http.MethodPost,
		"/api/appointments/"+url.PathEscape(appointmentID)+"/confirm", nil, nil)
}

func (c *Client) CancelAppointment(ctx context.Context, appointmentID string) (Response, error) {
	return c.do(ctx, "cancel_appointment", http.MethodPost,
		"/api/appointments/"+url.PathEscape(appointmentID)+"/cancel", nil, nil)
}

func (c *Client) do(ctx context.Context, operation, method, path string, query url.Values, payload any) (Response, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return Response{}, fmt.Errorf("waiting for pms call slot: %w", err)
	}

	apiURL := c.baseURL + path
	if len(query) > 0 {
		apiURL += "?" + query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Response{}, fmt.Errorf("encoding %s request: %w", operation, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiURL, reqBody)
	if err != nil {
		return Response{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.DefaultMetrics.RecordPMSCall(operation, err, time.Since(start).Seconds())
	if err != nil {
		return Response{}, &domain.UpstreamError{System: "pms", Err: err}
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return Response{}, fmt.Errorf("reading %s response: %w", operation, err)
	}

	c.log.Debug().
		Str("operation", operation).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("pms call")

	// A 404 is an answer, not a failure: the record does not exist.
	if resp.StatusCode == http.StatusNotFound {
		return Response{Status: StatusNotFound, Message: gjson.GetBytes(body, "message").String()}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, &domain.UpstreamError{
			System: "pms",
			Status: resp.StatusCode,
			Err:    errors.New(strings.TrimSpace(string(body))),
		}
	}

	return decodeResponse(body), nil
}

// decodeResponse normalizes the envelope variants the backends produce. A
// bare object that carries more than status and message fields counts as
// a single record.
func decodeResponse(body []byte) Response {
	root := gjson.ParseBytes(body)

	r := Response{Status: root.Get("status").String()}
	for _, key := range []string{"message", "error"} {
		if v := root.Get(key); v.Exists() && v.Type == gjson.String {
			r.Message = v.String()
			break
		}
	}

	payload := root
	wrapped := false
	for _, key := range []string{"data", "records", "results"} {
		if v := root.Get(key); v.Exists() {
			payload = v
			wrapped = true
			break
		}
	}

	switch {
	case payload.IsArray():
		payload.ForEach(func(_, v gjson.Result) bool {
			r.Records = append(r.Records, json.RawMessage(v.Raw))
			return true
		})
	case payload.IsObject():
		if wrapped || hasRecordKeys(payload) {
			r.Records = append(r.Records, json.RawMessage(payload.Raw))
		}
	}

	if r.Status == "" {
		r.Status = StatusSuccess
	}
	return r
}

func hasRecordKeys(obj gjson.Result) bool {
	has := false
	obj.ForEach(func(k, _ gjson.Result) bool {
		switch k.String() {
		case "status", "message", "error":
			return true
		}
		has = true
		return false
	})
	return has
}

func parseSlotField(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
