package analysis

import (
	"fmt"
	"strings"

	"callaudit/internal/domain"
)

// phrases the agent uses when a booking was queued rather than completed.
var queuedPhrases = []string{
	"being processed",
	"will be scheduled",
	"in the queue",
	"processing your request",
}

// phrases the agent uses to claim a completed booking.
var bookedPhrases = []string{
	"is booked",
	"has been booked",
	"has been scheduled",
	"is scheduled",
	"is confirmed",
	"all set",
}

// BuildCallReport merges booking evidence in strict priority order:
// normalized tool outputs first, then PAYLOAD findings (trusted only when
// a booking-action tool call exists somewhere in the session), then the
// persisted fallback records (consulted only when the first two tiers
// booked nothing). Lookup-only results are recorded but never count as
// booking attempts.
func BuildCallReport(session *domain.Session, turns []domain.ConversationTurn, toolCalls []domain.ToolCall, findings []domain.PayloadFinding, fallback []domain.BookingResult) domain.CallReport {
	report := domain.CallReport{}
	if session != nil {
		report.SessionID = session.ID
		report.CallerPhone = session.UserID
	}
	report.CallerName = callerNameFromCalls(toolCalls)

	hasBookingCall := false
	for _, call := range toolCalls {
		if domain.IsBookingAction(call.Action) {
			hasBookingCall = true
			break
		}
	}

	var results []domain.BookingResult

	// Tier 1: tool outputs.
	for _, call := range toolCalls {
		switch {
		case domain.IsBookingAction(call.Action):
			results = mergeResults(results, bookingResultsFromCall(call))
		case call.Action == domain.ActionLookup:
			results = mergeResults(results, lookupResultsFromCall(call))
		}
	}

	// Tier 2: PAYLOAD findings. Without a booking tool call anywhere in
	// the session these are likely fabrication and are discarded here;
	// the classifier still sees them.
	if hasBookingCall {
		for _, f := range findings {
			results = mergeResults(results, payloadResults(f))
		}
	} else if payloadClaimsIDs(findings) {
		report.Discrepancies = append(report.Discrepancies,
			"model output claims booking identifiers but no booking tool ran; claims excluded from results")
	}

	// Tier 3: previously confirmed records, only when nothing booked yet.
	if !anyBooked(results) && len(fallback) > 0 {
		results = mergeResults(results, fallback)
	}

	report.BookingResults = results
	report.Children = childNames(results)
	report.BookingOverall = bookingOverall(results)
	report.Discrepancies = append(report.Discrepancies, transcriptDiscrepancies(turns, results, report.BookingOverall)...)

	return report
}

// bookingResultsFromCall converts one booking-action tool call into
// results. Per-child evidence from the output wins; a call without any
// parses into one result per child named in the input, trusting the
// call's own status.
func bookingResultsFromCall(call domain.ToolCall) []domain.BookingResult {
	evidence := bookingEvidenceFromOutput(call.Output)

	if len(evidence) == 0 {
		names := inputChildNames(call.Input)
		if len(names) == 0 {
			names = []string{""}
		}
		var out []domain.BookingResult
		for _, name := range names {
			r := domain.BookingResult{
				ChildName: name,
				Source:    domain.EvidenceTool,
				Attempted: true,
				Slot:      inputSlot(call.Input),
			}
			switch call.Status {
			case domain.ToolStatusSuccess:
				r.Booked = true
			case domain.ToolStatusPartial:
				r.Error = "tool reported partial success without per-child detail"
			default:
				r.Error = callErrorMessage(call)
			}
			out = append(out, r)
		}
		return out
	}

	var out []domain.BookingResult
	for _, ev := range evidence {
		r := domain.BookingResult{
			ChildName:     ev.ChildName,
			PatientID:     ev.PatientID.Value,
			AppointmentID: ev.AppointmentID.Value,
			Booked:        ev.Booked && call.Status != domain.ToolStatusError,
			Queued:        ev.Queued,
			Error:         ev.Error,
			Slot:          ev.Slot,
			Source:        domain.EvidenceTool,
			Attempted:     true,
		}
		if r.Error == "" && call.Status == domain.ToolStatusError {
			r.Error = callErrorMessage(call)
		}
		out = append(out, r)
	}
	return out
}

// lookupResultsFromCall records patients the agent looked up without
// booking. For lookup outputs a top-level id is the patient id, not an
// appointment.
func lookupResultsFromCall(call domain.ToolCall) []domain.BookingResult {
	m, ok := call.Output.(map[string]any)
	if !ok || call.Status == domain.ToolStatusError {
		return nil
	}

	records := []map[string]any{m}
	for _, key := range []string{"records", "patients", "children"} {
		if arr, ok := m[key].([]any); ok {
			records = records[:0]
			for _, entry := range arr {
				if em, ok := entry.(map[string]any); ok {
					records = append(records, em)
				}
			}
			break
		}
	}

	var out []domain.BookingResult
	for _, rec := range records {
		patient := recordIDField(rec, "patientGUID", "patientId", "patient_id", "id")
		if patient.IsZero() {
			continue
		}
		out = append(out, domain.BookingResult{
			ChildName: stringField(rec, "firstName", "first_name", "name", "patient_name", "childName"),
			PatientID: patient.Value,
			Source:    domain.EvidenceTool,
			Attempted: false,
		})
	}
	return out
}

// payloadResults converts one finding into results. A claim is marked
// booked only when its appointment identifier is real-shaped; the booking
// tool call whose presence admitted this tier is the corroboration.
func payloadResults(f domain.PayloadFinding) []domain.BookingResult {
	count := len(f.AppointmentIDs)
	if len(f.ChildNames) > count {
		count = len(f.ChildNames)
	}

	var out []domain.BookingResult
	for i := 0; i < count; i++ {
		r := domain.BookingResult{
			Source:    domain.EvidencePayload,
			Attempted: true,
		}
		if i < len(f.ChildNames) {
			r.ChildName = f.ChildNames[i]
		}
		if i < len(f.AppointmentIDs) {
			r.AppointmentID = f.AppointmentIDs[i].Value
			r.Booked = isRealID(r.AppointmentID)
			if !r.Booked {
				r.Error = "claimed appointment identifier is not a real record id"
			}
		}
		if i < len(f.PatientIDs) {
			r.PatientID = f.PatientIDs[i].Value
		}
		if i < len(f.SlotTimes) {
			r.Slot = f.SlotTimes[i]
		} else if len(f.SlotTimes) == 1 {
			r.Slot = f.SlotTimes[0]
		}
		if r.ChildName == "" && r.AppointmentID == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

// mergeResults folds new results into the accumulated set. Matching is by
// child name, falling back to appointment id for nameless entries. A
// booked result is never displaced by an unbooked one; otherwise the
// later evidence wins. Payload and fallback entries never displace tool
// entries for the same child.
func mergeResults(existing, incoming []domain.BookingResult) []domain.BookingResult {
	for _, r := range incoming {
		idx := -1
		for i, e := range existing {
			if r.ChildName != "" && strings.EqualFold(e.ChildName, r.ChildName) {
				idx = i
				break
			}
			if r.ChildName == "" && r.AppointmentID != "" && e.AppointmentID == r.AppointmentID {
				idx = i
				break
			}
		}
		if idx < 0 {
			existing = append(existing, r)
			continue
		}

		current := existing[idx]
		if current.Source == domain.EvidenceTool && r.Source != domain.EvidenceTool {
			// Tool evidence is authoritative; weaker tiers only fill gaps.
			if current.PatientID == "" {
				current.PatientID = r.PatientID
			}
			if current.Slot == "" {
				current.Slot = r.Slot
			}
			existing[idx] = current
			continue
		}
		if current.Booked && !r.Booked {
			continue
		}
		// A lookup-only entry upgraded by a booking attempt, or a retry
		// replacing an earlier attempt.
		if r.PatientID == "" {
			r.PatientID = current.PatientID
		}
		if r.ChildName == "" {
			r.ChildName = current.ChildName
		}
		existing[idx] = r
	}
	return existing
}

func anyBooked(results []domain.BookingResult) bool {
	for _, r := range results {
		if r.Booked {
			return true
		}
	}
	return false
}

func payloadClaimsIDs(findings []domain.PayloadFinding) bool {
	for _, f := range findings {
		if len(f.AppointmentIDs) > 0 || len(f.PatientIDs) > 0 {
			return true
		}
	}
	return false
}

// bookingOverall summarizes the attempted subset: lookups never count as
// attempts. none strictly means no booking attempt exists; an attempted
// booking that booked nothing is failed, not none.
func bookingOverall(results []domain.BookingResult) string {
	attempted := 0
	booked := 0
	for _, r := range results {
		if !r.Attempted {
			continue
		}
		attempted++
		if r.Booked {
			booked++
		}
	}
	switch {
	case attempted == 0:
		return domain.BookingOverallNone
	case booked == attempted:
		return domain.BookingOverallSuccess
	case booked > 0:
		return domain.BookingOverallPartial
	default:
		return domain.BookingOverallFailed
	}
}

// transcriptDiscrepancies cross-checks what the agent said against what
// the evidence shows.
func transcriptDiscrepancies(turns []domain.ConversationTurn, results []domain.BookingResult, overall string) []string {
	assistantText := strings.ToLower(assistantContent(turns))
	if assistantText == "" {
		return nil
	}

	var out []string

	saysQueued := containsAny(assistantText, queuedPhrases)
	for _, r := range results {
		if saysQueued && r.Queued && !r.Booked {
			name := r.ChildName
			if name == "" {
				name = "the appointment"
			}
			out = append(out, fmt.Sprintf("agent described the booking as in progress; %s is queued, not booked", name))
		}
	}

	if containsAny(assistantText, bookedPhrases) &&
		(overall == domain.BookingOverallFailed || overall == domain.BookingOverallNone) {
		out = append(out, "agent claimed a completed booking but no attempt succeeded")
	}

	return out
}

func assistantContent(turns []domain.ConversationTurn) string {
	var b strings.Builder
	for _, t := range turns {
		if t.Role == "assistant" {
			b.WriteString(t.Content)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

func childNames(results []domain.BookingResult) []string {
	var names []string
	for _, r := range results {
		if r.ChildName != "" {
			names = appendUniqueFold(names, r.ChildName)
		}
	}
	return names
}

func callerNameFromCalls(toolCalls []domain.ToolCall) string {
	for _, call := range toolCalls {
		m, ok := call.Input.(map[string]any)
		if !ok {
			continue
		}
		if name := stringField(m, "parentName", "parent_name", "callerName", "caller_name"); name != "" {
			return name
		}
	}
	return ""
}

// inputChildNames pulls child first names out of a tool input, covering
// both the singular and the children-array request shapes.
func inputChildNames(input any) []string {
	m, ok := input.(map[string]any)
	if !ok {
		return nil
	}
	var names []string
	if name := stringField(m, "childName", "child_name", "firstName", "first_name"); name != "" {
		names = appendUniqueFold(names, name)
	}
	if children, ok := m["children"].([]any); ok {
		for _, child := range children {
			cm, ok := child.(map[string]any)
			if !ok {
				continue
			}
			if name := stringField(cm, "firstName", "first_name", "name", "childName"); name != "" {
				names = appendUniqueFold(names, name)
			}
		}
	}
	return names
}

func inputSlot(input any) string {
	m, ok := input.(map[string]any)
	if !ok {
		return ""
	}
	return stringField(m, "startTime", "start_time", "slot", "appointmentTime", "requestedTime")
}

func callErrorMessage(call domain.ToolCall) string {
	if m, ok := call.Output.(map[string]any); ok {
		if msg := stringField(m, "error", "errorMessage", "message"); msg != "" {
			return msg
		}
	}
	if s, ok := call.Output.(string); ok && strings.TrimSpace(s) != "" {
		msg := strings.TrimSpace(s)
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return msg
	}
	return "tool call failed"
}
