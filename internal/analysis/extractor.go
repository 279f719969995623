package analysis

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"callaudit/internal/domain"
)

// ExtractToolCalls normalizes every observation whose name is in the known
// tool set into a domain.ToolCall. The transform is pure and idempotent;
// a malformed observation degrades to raw text instead of failing the
// batch.
func ExtractToolCalls(observations []domain.Observation, knownTools []string) []domain.ToolCall {
	known := make(map[string]bool, len(knownTools))
	for _, name := range knownTools {
		known[strings.TrimSpace(name)] = true
	}

	var calls []domain.ToolCall
	for _, o := range observations {
		if !known[o.Name] {
			continue
		}

		call := domain.ToolCall{
			Name:      o.Name,
			Action:    deriveAction(o),
			Input:     parseLoose(o.Input),
			Output:    parseLoose(o.Output),
			Status:    deriveStatus(o),
			TraceID:   o.TraceID,
			Timestamp: o.StartTime,
		}
		if !o.EndTime.IsZero() && o.EndTime.After(o.StartTime) {
			call.DurationMS = o.EndTime.Sub(o.StartTime).Milliseconds()
		}
		calls = append(calls, call)
	}
	return calls
}

// deriveAction reads the action field from the tool input, falling back to
// a default derived from the tool name when the field is absent.
func deriveAction(o domain.Observation) string {
	if action := gjson.GetBytes(o.Input, "action"); action.Type == gjson.String {
		if v := strings.TrimSpace(action.String()); v != "" {
			return normalizeAction(v)
		}
	}
	return defaultActionForName(o.Name)
}

func normalizeAction(action string) string {
	switch strings.ToLower(action) {
	case "book", "create", "schedule":
		return domain.ActionBook
	case "book_child", "bookchild":
		return domain.ActionBookChild
	case "lookup", "find", "search", "get":
		return domain.ActionLookup
	default:
		return strings.ToLower(action)
	}
}

func defaultActionForName(name string) string {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "schedule") || strings.Contains(n, "book"):
		return domain.ActionBook
	case strings.Contains(n, "patient"):
		return domain.ActionLookup
	case strings.Contains(n, "escalation") || strings.Contains(n, "transfer"):
		return domain.ActionTransfer
	default:
		return domain.ActionInfo
	}
}

// deriveStatus checks partialSuccess first, then an explicit success=false,
// then the observation's severity level.
func deriveStatus(o domain.Observation) string {
	if gjson.GetBytes(o.Output, "partialSuccess").Bool() {
		return domain.ToolStatusPartial
	}
	if success := gjson.GetBytes(o.Output, "success"); success.Exists() && success.Type == gjson.False {
		return domain.ToolStatusError
	}
	if o.Level == domain.LevelError {
		return domain.ToolStatusError
	}
	return domain.ToolStatusSuccess
}

// parseLoose parses raw JSON into a map or slice, degrading to the raw
// string on any failure. It never returns an error.
func parseLoose(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err == nil {
		return asMap
	}
	var asSlice []any
	if err := json.Unmarshal(raw, &asSlice); err == nil {
		return asSlice
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	return string(raw)
}

// BookingEvidence is one per-child booking record recovered from a tool
// output. The two integration backends return structurally different
// shapes; both normalize to this.
type BookingEvidence struct {
	ChildName     string
	PatientID     domain.RecordID
	AppointmentID domain.RecordID
	Slot          string
	Queued        bool
	Booked        bool
	Error         string
}

// bookingEvidenceFromOutput recovers per-child booking records from a
// normalized tool output. Shape selection is structural: a children array
// means the wrapped form, a top-level appointment id with patient or slot
// fields means the flat pass-through form. Outputs matching neither yield
// nothing.
func bookingEvidenceFromOutput(output any) []BookingEvidence {
	m, ok := output.(map[string]any)
	if !ok {
		return nil
	}

	if children, ok := m["children"].([]any); ok {
		var out []BookingEvidence
		for _, child := range children {
			cm, ok := child.(map[string]any)
			if !ok {
				continue
			}
			out = append(out, wrappedChildEvidence(cm))
		}
		return out
	}

	return flatEvidence(m)
}

// wrappedChildEvidence handles the per-child sub-object form:
// {firstName, patientGUID, appointment: {appointmentGUID, startTime}, ...}
// with identifiers that may be UUID- or integer-typed.
func wrappedChildEvidence(cm map[string]any) BookingEvidence {
	ev := BookingEvidence{
		ChildName: stringField(cm, "firstName", "first_name", "childName", "child_name", "name"),
		PatientID: recordIDField(cm, "patientGUID", "patientId", "patient_id", "patientID"),
		Error:     stringField(cm, "error", "errorMessage", "message"),
	}

	appt, _ := cm["appointment"].(map[string]any)
	if appt == nil {
		appt = cm
	}
	ev.AppointmentID = recordIDField(appt, "appointmentGUID", "appointmentId", "appointment_id", "id")
	ev.Slot = stringField(appt, "startTime", "start_time", "slot", "appointmentTime")
	if ev.PatientID.IsZero() {
		ev.PatientID = recordIDField(appt, "patientGUID", "patientId", "patient_id")
	}

	ev.Queued = boolField(cm, "queued") || boolField(appt, "queued") ||
		strings.EqualFold(stringField(cm, "status"), "queued")

	failed := false
	if v, ok := cm["success"].(bool); ok && !v {
		failed = true
	}
	ev.Booked = !ev.AppointmentID.IsZero() && !ev.Queued && !failed && ev.Error == ""
	return ev
}

// flatEvidence handles the pass-through form: {id, patient_id, start_time}
// at the top level. Anything without an id in that position is not a
// booking record.
func flatEvidence(m map[string]any) []BookingEvidence {
	id := recordIDField(m, "id", "appointmentId", "appointment_id")
	if id.IsZero() {
		return nil
	}
	patient := recordIDField(m, "patient_id", "patientId", "patientID")
	slot := stringField(m, "start_time", "startTime")
	if patient.IsZero() && slot == "" {
		return nil
	}

	ev := BookingEvidence{
		ChildName:     stringField(m, "child_name", "childName", "patient_name", "first_name"),
		PatientID:     patient,
		AppointmentID: id,
		Slot:          slot,
		Queued:        boolField(m, "queued") || strings.EqualFold(stringField(m, "status"), "queued"),
		Error:         stringField(m, "error"),
	}
	ev.Booked = !ev.Queued && ev.Error == ""
	return []BookingEvidence{ev}
}

func stringField(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// recordIDField accepts string and numeric identifier values, tagging each
// by shape.
func recordIDField(m map[string]any, keys ...string) domain.RecordID {
	for _, key := range keys {
		switch v := m[key].(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return domain.ClassifyRecordID(v)
			}
		case float64:
			if v != 0 {
				return domain.RecordID{Kind: domain.RecordKindInteger, Value: formatNumber(v)}
			}
		case json.Number:
			return domain.RecordID{Kind: domain.RecordKindInteger, Value: v.String()}
		}
	}
	return domain.RecordID{}
}

func boolField(m map[string]any, keys ...string) bool {
	for _, key := range keys {
		if v, ok := m[key].(bool); ok {
			return v
		}
	}
	return false
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
