// Package correction executes operator-approved fixes against a tenant's
// practice-management system: booking what a call claimed but never
// created, cancelling phantom appointments, rescheduling, and checking
// slot availability. Every executed invocation writes exactly one row to
// the append-only audit trail, success or failure. Invocations rejected
// before any PMS call (bad parameters, unsupported tenant) write nothing.
package correction

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"callaudit/internal/config"
	"callaudit/internal/domain"
	"callaudit/internal/integrations/pms"
	"callaudit/internal/observability/logging"
	"callaudit/internal/observability/metrics"
	"callaudit/internal/pacing"
	"callaudit/internal/storage/sqlite"
)

const slotLayout = "2006-01-02T15:04:05Z07:00"

var validate = validator.New()

// Scheduler is the slice of the PMS client the workflow writes through.
type Scheduler interface {
	GetAvailableSlots(ctx context.Context, date string) (pms.Response, error)
	CreateAppointment(ctx context.Context, req pms.CreateAppointmentRequest) (pms.Response, error)
	ConfirmAppointment(ctx context.Context, appointmentID string) (pms.Response, error)
	CancelAppointment(ctx context.Context, appointmentID string) (pms.Response, error)
}

type Workflow struct {
	cfg config.Config
	db  *sql.DB
	log zerolog.Logger

	// clientFor builds the tenant's scheduler; swapped in tests.
	clientFor func(config.TenantConfig) Scheduler
}

// NewWorkflow wires the correction path. The pacer is the same one the
// analysis service uses, so corrections and verification share a single
// sequential call schedule toward the PMS.
func NewWorkflow(cfg config.Config, db *sql.DB, pacer pacing.Pacer) *Workflow {
	w := &Workflow{
		cfg: cfg,
		db:  db,
		log: logging.WithComponent("correction"),
	}
	w.clientFor = func(t config.TenantConfig) Scheduler {
		return pms.NewClient(t, pacer)
	}
	return w
}

type BookParams struct {
	SessionID string `json:"sessionId" validate:"required"`
	TenantID  string `json:"tenantId"`
	PatientID string `json:"patientId" validate:"required"`
	Slot      string `json:"slot" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	Resource  string `json:"resource"`
	Note      string `json:"note"`
	Actor     string `json:"actor" validate:"required"`
}

type BookResult struct {
	CorrectionID  string `json:"correctionId"`
	AppointmentID string `json:"appointmentId,omitempty"`
	Confirmed     bool   `json:"confirmed"`
}

// Book creates the appointment and then confirms it best-effort. A failed
// confirm leaves the appointment standing; the PMS treats unconfirmed
// appointments as valid, just unacknowledged.
func (w *Workflow) Book(ctx context.Context, p BookParams) (*BookResult, error) {
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("validating book parameters: %w", err)
	}
	tenant, err := w.writeTenant(p.TenantID)
	if err != nil {
		return nil, err
	}

	audit := w.newAudit(p.SessionID, tenant.ID, domain.CorrectionBook, p.Actor)
	audit.PatientID = p.PatientID
	audit.Slot = p.Slot

	client := w.clientFor(tenant)
	resp, err := client.CreateAppointment(ctx, pms.CreateAppointmentRequest{
		PatientID:  p.PatientID,
		StartTime:  p.Slot,
		ResourceID: p.Resource,
		Note:       p.Note,
	})
	if err != nil {
		return nil, w.finish(audit, err)
	}
	if !resp.OK() {
		return nil, w.finish(audit, fmt.Errorf("pms rejected create: %s", respMessage(resp)))
	}

	audit.AfterAppointmentID = responseAppointmentID(resp)
	result := &BookResult{CorrectionID: audit.ID, AppointmentID: audit.AfterAppointmentID}
	result.Confirmed = w.confirmBestEffort(ctx, client, audit.AfterAppointmentID)

	return result, w.finish(audit, nil)
}

type CancelParams struct {
	SessionID     string `json:"sessionId" validate:"required"`
	TenantID      string `json:"tenantId"`
	AppointmentID string `json:"appointmentId" validate:"required"`
	Reason        string `json:"reason"`
	Actor         string `json:"actor" validate:"required"`
}

// Cancel removes an appointment, typically one found in the PMS that the
// caller never asked for. Returns the audit row id.
func (w *Workflow) Cancel(ctx context.Context, p CancelParams) (string, error) {
	if err := validate.Struct(p); err != nil {
		return "", fmt.Errorf("validating cancel parameters: %w", err)
	}
	tenant, err := w.writeTenant(p.TenantID)
	if err != nil {
		return "", err
	}

	audit := w.newAudit(p.SessionID, tenant.ID, domain.CorrectionCancel, p.Actor)
	audit.BeforeAppointmentID = p.AppointmentID

	resp, err := w.clientFor(tenant).CancelAppointment(ctx, p.AppointmentID)
	if err != nil {
		return audit.ID, w.finish(audit, err)
	}
	if !resp.OK() {
		return audit.ID, w.finish(audit, fmt.Errorf("pms rejected cancel: %s", respMessage(resp)))
	}
	return audit.ID, w.finish(audit, nil)
}

type RescheduleParams struct {
	SessionID     string `json:"sessionId" validate:"required"`
	TenantID      string `json:"tenantId"`
	AppointmentID string `json:"appointmentId" validate:"required"`
	PatientID     string `json:"patientId" validate:"required"`
	NewSlot       string `json:"newSlot" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	Resource      string `json:"resource"`
	Actor         string `json:"actor" validate:"required"`
}

type RescheduleResult struct {
	CorrectionID     string `json:"correctionId"`
	NewAppointmentID string `json:"newAppointmentId,omitempty"`
	Confirmed        bool   `json:"confirmed"`
}

// Reschedule cancels the old appointment and books the new slot. There is
// no rollback: once the cancel lands the old slot is gone, and a failed
// rebook is recorded with the cancellation preserved in the audit row's
// error text so the operator knows the patient currently holds nothing.
func (w *Workflow) Reschedule(ctx context.Context, p RescheduleParams) (*RescheduleResult, error) {
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("validating reschedule parameters: %w", err)
	}
	tenant, err := w.writeTenant(p.TenantID)
	if err != nil {
		return nil, err
	}

	audit := w.newAudit(p.SessionID, tenant.ID, domain.CorrectionReschedule, p.Actor)
	audit.PatientID = p.PatientID
	audit.BeforeAppointmentID = p.AppointmentID
	audit.Slot = p.NewSlot

	client := w.clientFor(tenant)

	cancelResp, err := client.CancelAppointment(ctx, p.AppointmentID)
	if err != nil {
		return nil, w.finish(audit, fmt.Errorf("cancelling %s: %w", p.AppointmentID, err))
	}
	if !cancelResp.OK() {
		return nil, w.finish(audit, fmt.Errorf("pms rejected cancel of %s: %s", p.AppointmentID, respMessage(cancelResp)))
	}

	createResp, err := client.CreateAppointment(ctx, pms.CreateAppointmentRequest{
		PatientID:  p.PatientID,
		StartTime:  p.NewSlot,
		ResourceID: p.Resource,
	})
	if err != nil {
		return nil, w.finish(audit, fmt.Errorf("cancelled %s; rebook failed: %w", p.AppointmentID, err))
	}
	if !createResp.OK() {
		return nil, w.finish(audit, fmt.Errorf("cancelled %s; rebook rejected: %s", p.AppointmentID, respMessage(createResp)))
	}

	audit.AfterAppointmentID = responseAppointmentID(createResp)
	result := &RescheduleResult{CorrectionID: audit.ID, NewAppointmentID: audit.AfterAppointmentID}
	result.Confirmed = w.confirmBestEffort(ctx, client, audit.AfterAppointmentID)

	return result, w.finish(audit, nil)
}

type CheckSlotParams struct {
	SessionID    string `json:"sessionId" validate:"required"`
	TenantID     string `json:"tenantId"`
	Date         string `json:"date" validate:"required,datetime=2006-01-02"`
	IntendedSlot string `json:"intendedSlot" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Actor        string `json:"actor" validate:"required"`
}

type SlotCheck struct {
	CorrectionID  string                   `json:"correctionId"`
	Date          string                   `json:"date"`
	Slots         []domain.AppointmentSlot `json:"slots"`
	IntendedSlot  *domain.AppointmentSlot  `json:"intendedSlot,omitempty"`
	SlotAvailable bool                     `json:"slotAvailable"`
}

// CheckSlot lists a day's open slots, in chronological order, and reports
// whether the intended slot is among them. Without an intended slot the
// availability flag stays false and the intended entry stays nil; the
// operator just gets the list. Read-only, but still audited.
func (w *Workflow) CheckSlot(ctx context.Context, p CheckSlotParams) (*SlotCheck, error) {
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("validating check-slot parameters: %w", err)
	}
	tenant, err := w.readTenant(p.TenantID)
	if err != nil {
		return nil, err
	}

	var want time.Time
	if p.IntendedSlot != "" {
		want, err = time.Parse(slotLayout, p.IntendedSlot)
		if err != nil {
			return nil, fmt.Errorf("parsing intended slot: %w", err)
		}
	}

	audit := w.newAudit(p.SessionID, tenant.ID, domain.CorrectionCheckSlot, p.Actor)
	audit.Slot = p.IntendedSlot
	if audit.Slot == "" {
		audit.Slot = p.Date
	}

	resp, err := w.clientFor(tenant).GetAvailableSlots(ctx, p.Date)
	if err != nil {
		return nil, w.finish(audit, err)
	}
	if !resp.OK() {
		return nil, w.finish(audit, fmt.Errorf("pms rejected slot query: %s", respMessage(resp)))
	}

	check := &SlotCheck{CorrectionID: audit.ID, Date: p.Date, Slots: resp.Slots()}
	if !want.IsZero() {
		for i := range check.Slots {
			if check.Slots[i].StartTime.Equal(want) {
				check.IntendedSlot = &check.Slots[i]
				check.SlotAvailable = true
				break
			}
		}
	}
	return check, w.finish(audit, nil)
}

// History returns the session's audit rows, newest first.
func (w *Workflow) History(sessionID string) ([]domain.BookingCorrection, error) {
	return sqlite.GetCorrectionsBySession(w.db, sessionID)
}

// OutcomeCounts tallies audit rows by outcome since a cutoff, for the
// sweep summary.
func (w *Workflow) OutcomeCounts(since time.Time) (map[string]int, error) {
	return sqlite.CountCorrectionsByOutcome(w.db, since)
}

func (w *Workflow) confirmBestEffort(ctx context.Context, client Scheduler, appointmentID string) bool {
	if appointmentID == "" {
		return false
	}
	resp, err := client.ConfirmAppointment(ctx, appointmentID)
	if err != nil || !resp.OK() {
		w.log.Warn().
			Err(err).
			Str("appointmentId", appointmentID).
			Msg("confirm failed, appointment stands unconfirmed")
		return false
	}
	return true
}

func (w *Workflow) writeTenant(id string) (config.TenantConfig, error) {
	tenant, ok := w.cfg.Tenant(id)
	if !ok {
		return config.TenantConfig{}, fmt.Errorf("%w: unknown tenant %q", domain.ErrUnsupportedTenant, id)
	}
	if !tenant.WriteSupported() {
		return config.TenantConfig{}, fmt.Errorf("%w: tenant %q cannot write to its practice-management system", domain.ErrUnsupportedTenant, tenant.ID)
	}
	return tenant, nil
}

func (w *Workflow) readTenant(id string) (config.TenantConfig, error) {
	tenant, ok := w.cfg.Tenant(id)
	if !ok {
		return config.TenantConfig{}, fmt.Errorf("%w: unknown tenant %q", domain.ErrUnsupportedTenant, id)
	}
	if !tenant.ReadSupported() {
		return config.TenantConfig{}, fmt.Errorf("%w: tenant %q has no practice-management integration", domain.ErrUnsupportedTenant, tenant.ID)
	}
	return tenant, nil
}

func (w *Workflow) newAudit(sessionID, tenantID, action, actor string) domain.BookingCorrection {
	return domain.BookingCorrection{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		TenantID:  tenantID,
		Action:    action,
		Actor:     actor,
		CreatedAt: time.Now().UTC(),
	}
}

// finish seals the audit row for one executed invocation and returns the
// operation error, if any. An audit write failure on an otherwise
// successful operation is an error too; the trail must not have holes.
func (w *Workflow) finish(audit domain.BookingCorrection, opErr error) error {
	audit.Outcome = domain.OutcomeSuccess
	if opErr != nil {
		audit.Outcome = domain.OutcomeFailure
		audit.Error = opErr.Error()
	}

	if err := sqlite.InsertBookingCorrection(w.db, audit); err != nil {
		w.log.Error().Err(err).Str("correctionId", audit.ID).Msg("audit write failed")
		if opErr == nil {
			return fmt.Errorf("recording correction: %w", err)
		}
	}
	metrics.DefaultMetrics.RecordCorrection(audit.Action, audit.Outcome)

	logger := logging.WithCorrection(audit.ID, audit.SessionID, audit.TenantID)
	if opErr != nil {
		logger.Error().Err(opErr).Str("action", audit.Action).Msg("correction failed")
		return opErr
	}
	logger.Info().Str("action", audit.Action).Str("outcome", audit.Outcome).Msg("correction executed")
	return nil
}

func respMessage(resp pms.Response) string {
	if resp.Message != "" {
		return resp.Message
	}
	return resp.Status
}

func responseAppointmentID(resp pms.Response) string {
	if len(resp.Records) == 0 {
		return ""
	}
	return pms.RecordField(resp.Records[0], "appointmentGUID", "appointmentId", "appointment_id", "id")
}
