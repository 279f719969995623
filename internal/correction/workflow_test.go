package correction

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"callaudit/internal/config"
	"callaudit/internal/domain"
	"callaudit/internal/integrations/pms"
	"callaudit/internal/pacing"
	"callaudit/internal/storage/sqlite"
)

type fakeScheduler struct {
	slotsResp   pms.Response
	slotsErr    error
	createResp  pms.Response
	createErr   error
	confirmResp pms.Response
	confirmErr  error
	cancelResp  pms.Response
	cancelErr   error
	calls       []string
}

func (f *fakeScheduler) GetAvailableSlots(_ context.Context, date string) (pms.Response, error) {
	f.calls = append(f.calls, "slots:"+date)
	return f.slotsResp, f.slotsErr
}

func (f *fakeScheduler) CreateAppointment(_ context.Context, req pms.CreateAppointmentRequest) (pms.Response, error) {
	f.calls = append(f.calls, "create:"+req.PatientID+"@"+req.StartTime)
	return f.createResp, f.createErr
}

func (f *fakeScheduler) ConfirmAppointment(_ context.Context, appointmentID string) (pms.Response, error) {
	f.calls = append(f.calls, "confirm:"+appointmentID)
	return f.confirmResp, f.confirmErr
}

func (f *fakeScheduler) CancelAppointment(_ context.Context, appointmentID string) (pms.Response, error) {
	f.calls = append(f.calls, "cancel:"+appointmentID)
	return f.cancelResp, f.cancelErr
}

func okResponse(records ...string) pms.Response {
	resp := pms.Response{Status: pms.StatusSuccess}
	for _, rec := range records {
		resp.Records = append(resp.Records, json.RawMessage(rec))
	}
	return resp
}

func writableConfig() config.Config {
	return config.Config{
		DefaultTenant: "clinic-a",
		Tenants: []config.TenantConfig{{
			ID:              "clinic-a",
			TraceConfigID:   "cfg-1",
			PMSBaseURL:      "https://pms.clinic-a.example",
			PMSAPIKey:       "key",
			PMSWriteEnabled: true,
		}},
	}
}

func readOnlyConfig() config.Config {
	cfg := writableConfig()
	cfg.Tenants[0].PMSWriteEnabled = false
	return cfg
}

func newTestWorkflow(t *testing.T, cfg config.Config, sched Scheduler) *Workflow {
	t.Helper()
	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "callaudit-test.db"))
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	w := NewWorkflow(cfg, db, pacing.NopPacer{})
	w.clientFor = func(config.TenantConfig) Scheduler { return sched }
	return w
}

func bookParams() BookParams {
	return BookParams{
		SessionID: "sess-1",
		PatientID: "8841",
		Slot:      "2026-03-04T14:30:00Z",
		Actor:     "ops@clinic",
	}
}

func TestBookSuccessAudited(t *testing.T) {
	sched := &fakeScheduler{
		createResp:  okResponse(`{"appointmentGUID":"a3f8c2d1-4e5b-4a6c-9d7e-8f1a2b3c4d5e"}`),
		confirmResp: okResponse(),
	}
	w := newTestWorkflow(t, writableConfig(), sched)

	result, err := w.Book(context.Background(), bookParams())
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}
	if result.AppointmentID != "a3f8c2d1-4e5b-4a6c-9d7e-8f1a2b3c4d5e" {
		t.Errorf("appointment id = %q", result.AppointmentID)
	}
	if !result.Confirmed {
		t.Error("confirm succeeded, result should say so")
	}

	rows, err := w.History("sess-1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one audit row, got %d", len(rows))
	}
	row := rows[0]
	if row.ID != result.CorrectionID {
		t.Errorf("audit id = %q, want %q", row.ID, result.CorrectionID)
	}
	if row.Action != domain.CorrectionBook || row.Outcome != domain.OutcomeSuccess {
		t.Errorf("audit row = %+v", row)
	}
	if row.AfterAppointmentID != result.AppointmentID || row.PatientID != "8841" {
		t.Errorf("audit row ids = %+v", row)
	}
	if row.Actor != "ops@clinic" {
		t.Errorf("actor = %q", row.Actor)
	}
}

func TestBookPMSRejectionAudited(t *testing.T) {
	sched := &fakeScheduler{createResp: pms.Response{Status: "error", Message: "slot taken"}}
	w := newTestWorkflow(t, writableConfig(), sched)

	_, err := w.Book(context.Background(), bookParams())
	if err == nil || !strings.Contains(err.Error(), "slot taken") {
		t.Fatalf("err = %v", err)
	}

	rows, _ := w.History("sess-1")
	if len(rows) != 1 {
		t.Fatalf("failed execution still writes its audit row, got %d", len(rows))
	}
	if rows[0].Outcome != domain.OutcomeFailure || !strings.Contains(rows[0].Error, "slot taken") {
		t.Errorf("audit row = %+v", rows[0])
	}
	for _, call := range sched.calls {
		if strings.HasPrefix(call, "confirm:") {
			t.Error("rejected create must not be confirmed")
		}
	}
}

func TestBookRejectedBeforeExecutionWritesNothing(t *testing.T) {
	sched := &fakeScheduler{}

	tests := []struct {
		name   string
		cfg    config.Config
		params BookParams
	}{
		{
			name: "missing slot",
			cfg:  writableConfig(),
			params: BookParams{
				SessionID: "sess-1", PatientID: "8841", Actor: "ops@clinic",
			},
		},
		{
			name: "slot not a timestamp",
			cfg:  writableConfig(),
			params: BookParams{
				SessionID: "sess-1", PatientID: "8841", Slot: "tomorrow at two", Actor: "ops@clinic",
			},
		},
		{
			name:   "tenant without write access",
			cfg:    readOnlyConfig(),
			params: bookParams(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newTestWorkflow(t, tt.cfg, sched)
			if _, err := w.Book(context.Background(), tt.params); err == nil {
				t.Fatal("expected error")
			}
			rows, _ := w.History("sess-1")
			if len(rows) != 0 {
				t.Errorf("pre-flight rejection wrote audit rows: %+v", rows)
			}
			if len(sched.calls) != 0 {
				t.Errorf("pre-flight rejection reached the pms: %v", sched.calls)
			}
		})
	}

	w := newTestWorkflow(t, readOnlyConfig(), sched)
	_, err := w.Book(context.Background(), bookParams())
	if !errors.Is(err, domain.ErrUnsupportedTenant) {
		t.Errorf("read-only tenant error = %v, want ErrUnsupportedTenant", err)
	}
}

func TestBookConfirmFailureKeepsBooking(t *testing.T) {
	sched := &fakeScheduler{
		createResp: okResponse(`{"appointmentGUID":"a3f8c2d1-4e5b-4a6c-9d7e-8f1a2b3c4d5e"}`),
		confirmErr: errors.New("timeout"),
	}
	w := newTestWorkflow(t, writableConfig(), sched)

	result, err := w.Book(context.Background(), bookParams())
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}
	if result.Confirmed {
		t.Error("confirm failed, result must not claim it")
	}

	rows, _ := w.History("sess-1")
	if len(rows) != 1 || rows[0].Outcome != domain.OutcomeSuccess {
		t.Errorf("the booking stands; audit = %+v", rows)
	}
}

func TestCancelAudited(t *testing.T) {
	sched := &fakeScheduler{cancelResp: okResponse()}
	w := newTestWorkflow(t, writableConfig(), sched)

	auditID, err := w.Cancel(context.Background(), CancelParams{
		SessionID:     "sess-1",
		AppointmentID: "204419",
		Reason:        "phantom appointment",
		Actor:         "ops@clinic",
	})
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	rows, _ := w.History("sess-1")
	if len(rows) != 1 {
		t.Fatalf("audit rows = %d", len(rows))
	}
	row := rows[0]
	if row.ID != auditID || row.Action != domain.CorrectionCancel {
		t.Errorf("audit row = %+v", row)
	}
	if row.BeforeAppointmentID != "204419" || row.AfterAppointmentID != "" {
		t.Errorf("audit row ids = %+v", row)
	}
}

func TestRescheduleSuccessSingleRow(t *testing.T) {
	sched := &fakeScheduler{
		cancelResp:  okResponse(),
		createResp:  okResponse(`{"id":"204500"}`),
		confirmResp: okResponse(),
	}
	w := newTestWorkflow(t, writableConfig(), sched)

	result, err := w.Reschedule(context.Background(), RescheduleParams{
		SessionID:     "sess-1",
		AppointmentID: "204419",
		PatientID:     "8841",
		NewSlot:       "2026-03-05T09:00:00Z",
		Actor:         "ops@clinic",
	})
	if err != nil {
		t.Fatalf("Reschedule failed: %v", err)
	}
	if result.NewAppointmentID != "204500" {
		t.Errorf("new appointment id = %q", result.NewAppointmentID)
	}

	rows, _ := w.History("sess-1")
	if len(rows) != 1 {
		t.Fatalf("a reschedule is one invocation and one audit row, got %d", len(rows))
	}
	row := rows[0]
	if row.BeforeAppointmentID != "204419" || row.AfterAppointmentID != "204500" {
		t.Errorf("audit row = %+v", row)
	}
	if row.Outcome != domain.OutcomeSuccess {
		t.Errorf("outcome = %q", row.Outcome)
	}
}

func TestRescheduleRebookFailurePreservesCancelInAudit(t *testing.T) {
	sched := &fakeScheduler{
		cancelResp: okResponse(),
		createErr:  errors.New("pms down"),
	}
	w := newTestWorkflow(t, writableConfig(), sched)

	_, err := w.Reschedule(context.Background(), RescheduleParams{
		SessionID:     "sess-1",
		AppointmentID: "204419",
		PatientID:     "8841",
		NewSlot:       "2026-03-05T09:00:00Z",
		Actor:         "ops@clinic",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "cancelled 204419") {
		t.Errorf("the error must say the cancel already landed: %v", err)
	}

	rows, _ := w.History("sess-1")
	if len(rows) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(rows))
	}
	if rows[0].Outcome != domain.OutcomeFailure || !strings.Contains(rows[0].Error, "cancelled 204419") {
		t.Errorf("audit row = %+v", rows[0])
	}
}

func TestCheckSlotListsAndMatches(t *testing.T) {
	sched := &fakeScheduler{
		slotsResp: okResponse(
			`{"startTime":"2026-03-04T16:00:00Z","resourceId":"chair-2"}`,
			`{"startTime":"2026-03-04T14:30:00Z","resourceId":"chair-1"}`,
		),
	}
	// CheckSlot is read-only; a tenant without write access can run it.
	w := newTestWorkflow(t, readOnlyConfig(), sched)

	check, err := w.CheckSlot(context.Background(), CheckSlotParams{
		SessionID:    "sess-1",
		Date:         "2026-03-04",
		IntendedSlot: "2026-03-04T14:30:00Z",
		Actor:        "ops@clinic",
	})
	if err != nil {
		t.Fatalf("CheckSlot failed: %v", err)
	}

	if len(check.Slots) != 2 {
		t.Fatalf("slots = %+v", check.Slots)
	}
	if !check.Slots[0].StartTime.Before(check.Slots[1].StartTime) {
		t.Errorf("slots not chronological: %+v", check.Slots)
	}
	if !check.SlotAvailable || check.IntendedSlot == nil {
		t.Errorf("intended slot should be reported available: %+v", check)
	}
	if check.IntendedSlot.ResourceID != "chair-1" {
		t.Errorf("intended slot = %+v", check.IntendedSlot)
	}

	rows, _ := w.History("sess-1")
	if len(rows) != 1 || rows[0].Action != domain.CorrectionCheckSlot {
		t.Errorf("audit rows = %+v", rows)
	}
}

func TestCheckSlotIntendedUnavailable(t *testing.T) {
	sched := &fakeScheduler{
		slotsResp: okResponse(`{"startTime":"2026-03-04T16:00:00Z"}`),
	}
	w := newTestWorkflow(t, writableConfig(), sched)

	check, err := w.CheckSlot(context.Background(), CheckSlotParams{
		SessionID:    "sess-1",
		Date:         "2026-03-04",
		IntendedSlot: "2026-03-04T14:30:00Z",
		Actor:        "ops@clinic",
	})
	if err != nil {
		t.Fatalf("CheckSlot failed: %v", err)
	}
	if check.SlotAvailable || check.IntendedSlot != nil {
		t.Errorf("check = %+v, intended slot is not open", check)
	}
}

func TestCheckSlotWithoutIntended(t *testing.T) {
	sched := &fakeScheduler{slotsResp: okResponse(`{"startTime":"2026-03-04T16:00:00Z"}`)}
	w := newTestWorkflow(t, writableConfig(), sched)

	check, err := w.CheckSlot(context.Background(), CheckSlotParams{
		SessionID: "sess-1",
		Date:      "2026-03-04",
		Actor:     "ops@clinic",
	})
	if err != nil {
		t.Fatalf("CheckSlot failed: %v", err)
	}
	if check.SlotAvailable || check.IntendedSlot != nil {
		t.Errorf("no intended slot given, check = %+v", check)
	}
	if len(check.Slots) != 1 {
		t.Errorf("slots = %+v", check.Slots)
	}
}
