package domain

import "time"

const (
	IntentBooking      = "booking"
	IntentReschedule   = "reschedule"
	IntentCancel       = "cancellation"
	IntentQuestion     = "question"
	IntentTransfer     = "transfer_request"
	IntentUndetermined = "undetermined"
)

type CallerIntent struct {
	Type       string        `json:"type"`
	Confidence float64       `json:"confidence"`
	Summary    string        `json:"summary"`
	Booking    BookingIntent `json:"bookingDetails"`
	Provider   string        `json:"provider,omitempty"`
	Model      string        `json:"model,omitempty"`
}

type BookingIntent struct {
	ChildNames     []string `json:"childNames,omitempty"`
	RequestedDates []string `json:"requestedDates,omitempty"`
}

// PayloadFinding is one extracted PAYLOAD block. Advisory evidence only:
// nothing in a finding may mark an outcome as real on its own.
type PayloadFinding struct {
	TraceID        string         `json:"traceId"`
	Timestamp      time.Time      `json:"timestamp"`
	AppointmentIDs []RecordID     `json:"appointmentIds"`
	PatientIDs     []RecordID     `json:"patientIds"`
	ChildNames     []string       `json:"childNames"`
	ChildDOBs      []string       `json:"childDobs,omitempty"`
	SlotTimes      []string       `json:"slotTimes,omitempty"`
	Parsed         map[string]any `json:"parsed,omitempty"`
	Raw            string         `json:"raw,omitempty"` // truncated original when parsing failed
}

const (
	BookingOverallSuccess = "success"
	BookingOverallPartial = "partial"
	BookingOverallFailed  = "failed"
	BookingOverallNone    = "none"
)

const (
	EvidenceTool     = "tool"
	EvidencePayload  = "payload"
	EvidenceFallback = "fallback"
)

type BookingResult struct {
	ChildName     string `json:"childName"`
	PatientID     string `json:"patientId,omitempty"`
	AppointmentID string `json:"appointmentId,omitempty"`
	Booked        bool   `json:"booked"`
	Queued        bool   `json:"queued"`
	Error         string `json:"error,omitempty"`
	Slot          string `json:"slot,omitempty"`
	Source        string `json:"source"` // tool, payload, or fallback
	Attempted     bool   `json:"attempted"`
}

type CallReport struct {
	SessionID      string          `json:"sessionId"`
	CallerName     string          `json:"callerName,omitempty"`
	CallerPhone    string          `json:"callerPhone,omitempty"`
	Children       []string        `json:"children,omitempty"`
	BookingResults []BookingResult `json:"bookingResults"`
	BookingOverall string          `json:"bookingOverall"`
	Discrepancies  []string        `json:"discrepancies,omitempty"`
	Errors         []string        `json:"errors,omitempty"`
}

const (
	VerdictVerified            = "verified"
	VerdictPartial             = "partial"
	VerdictFailed              = "failed"
	VerdictObservationVerified = "observation_verified"
	VerdictNoClaims            = "no_claims"
)

const (
	CheckPass    = "pass"
	CheckFail    = "fail"
	CheckSkipped = "skipped"
)

type ClaimCheck struct {
	Kind       string   `json:"kind"` // "appointment" or "patient"
	ID         RecordID `json:"id"`
	Exists     bool     `json:"exists"`
	Mismatches []string `json:"mismatches,omitempty"`
}

type ChildCheck struct {
	ChildName               string `json:"childName"`
	PatientRecordStatus     string `json:"patientRecordStatus"`
	AppointmentRecordStatus string `json:"appointmentRecordStatus"`
}

type FulfillmentVerdict struct {
	SessionID  string       `json:"sessionId"`
	Status     string       `json:"status"`
	Claims     []ClaimCheck `json:"claims"`
	Children   []ChildCheck `json:"children,omitempty"`
	Summary    string       `json:"summary"`
	Errors     []string     `json:"errors,omitempty"`
	VerifiedAt time.Time    `json:"verifiedAt"`
}

const (
	ClassificationClean                 = "CLEAN"
	ClassificationLegitimate            = "LEGITIMATE"
	ClassificationFalsePositive         = "FALSE_POSITIVE"
	ClassificationFalsePositiveWithTool = "FALSE_POSITIVE_WITH_TOOL"
	ClassificationInconclusive          = "INCONCLUSIVE"
)

type InvestigationResult struct {
	SessionID      string   `json:"sessionId"`
	Classification string   `json:"classification"`
	HasBookingTool bool     `json:"hasBookingTool"`
	RealIDs        []string `json:"realIds,omitempty"`
	PlaceholderIDs []string `json:"placeholderIds,omitempty"`
	UnknownIDs     []string `json:"unknownIds,omitempty"`
	FindingCount   int      `json:"findingCount"`
	Evidence       []string `json:"evidence,omitempty"`
}

const (
	CorrectionBook       = "book"
	CorrectionCancel     = "cancel"
	CorrectionReschedule = "reschedule"
	CorrectionCheckSlot  = "check_slot"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// BookingCorrection is one append-only audit row. Rows are never updated
// or deleted.
type BookingCorrection struct {
	ID                  string    `json:"id"`
	SessionID           string    `json:"sessionId"`
	TenantID            string    `json:"tenantId"`
	Action              string    `json:"action"`
	PatientID           string    `json:"patientId,omitempty"`
	BeforeAppointmentID string    `json:"beforeAppointmentId,omitempty"`
	AfterAppointmentID  string    `json:"afterAppointmentId,omitempty"`
	Slot                string    `json:"slot,omitempty"`
	Outcome             string    `json:"outcome"`
	Error               string    `json:"error,omitempty"`
	Actor               string    `json:"actor,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
}
