package analysis

import (
	"strings"
	"testing"
	"time"

	"callaudit/internal/domain"
)

func bookingCall(status string, output any) domain.ToolCall {
	return domain.ToolCall{
		Name:   "schedule_appointment_ortho",
		Action: domain.ActionBook,
		Input:  map[string]any{"parentName": "Dana", "childName": "Jake", "startTime": "2026-03-04T14:30:00"},
		Output: output,
		Status: status,
	}
}

func TestBuildCallReportToolEvidence(t *testing.T) {
	session := &domain.Session{ID: "sess-1", UserID: "+15550100"}
	call := bookingCall(domain.ToolStatusSuccess, map[string]any{
		"children": []any{
			map[string]any{
				"firstName":   "Jake",
				"patientGUID": "b2c3d4e5-f6a7-4b8c-9d0e-1f2a3b4c5d6e",
				"appointment": map[string]any{
					"appointmentGUID": "a3f8c2d1-4e5b-4a6c-9d7e-8f1a2b3c4d5e",
					"startTime":       "2026-03-04T14:30:00",
				},
			},
		},
	})

	report := BuildCallReport(session, nil, []domain.ToolCall{call}, nil, nil)

	if report.SessionID != "sess-1" || report.CallerPhone != "+15550100" {
		t.Errorf("session fields not carried: %+v", report)
	}
	if report.CallerName != "Dana" {
		t.Errorf("caller name = %q, want Dana", report.CallerName)
	}
	if len(report.BookingResults) != 1 {
		t.Fatalf("expected 1 result, got %d", len(report.BookingResults))
	}
	r := report.BookingResults[0]
	if !r.Booked || r.Source != domain.EvidenceTool || !r.Attempted {
		t.Errorf("result = %+v", r)
	}
	if r.AppointmentID != "a3f8c2d1-4e5b-4a6c-9d7e-8f1a2b3c4d5e" {
		t.Errorf("appointment id = %q", r.AppointmentID)
	}
	if report.BookingOverall != domain.BookingOverallSuccess {
		t.Errorf("overall = %q, want success", report.BookingOverall)
	}
	if len(report.Children) != 1 || report.Children[0] != "Jake" {
		t.Errorf("children = %v", report.Children)
	}
}

func TestBuildCallReportToolErrorNoEvidence(t *testing.T) {
	call := bookingCall(domain.ToolStatusError, map[string]any{"error": "no slots available"})

	report := BuildCallReport(&domain.Session{ID: "s"}, nil, []domain.ToolCall{call}, nil, nil)

	if len(report.BookingResults) != 1 {
		t.Fatalf("expected 1 result from the input child, got %d", len(report.BookingResults))
	}
	r := report.BookingResults[0]
	if r.ChildName != "Jake" || r.Booked || !r.Attempted {
		t.Errorf("result = %+v", r)
	}
	if r.Error != "no slots available" {
		t.Errorf("error = %q", r.Error)
	}
	if r.Slot != "2026-03-04T14:30:00" {
		t.Errorf("slot should come from the input, got %q", r.Slot)
	}
	if report.BookingOverall != domain.BookingOverallFailed {
		t.Errorf("overall = %q, want failed", report.BookingOverall)
	}
}

func TestBuildCallReportSuccessfulCallWithoutOutputDetail(t *testing.T) {
	// A successful booking call whose output parses to nothing useful still
	// counts: the call itself is the corroboration.
	call := bookingCall(domain.ToolStatusSuccess, map[string]any{"message": "ok"})

	report := BuildCallReport(&domain.Session{ID: "s"}, nil, []domain.ToolCall{call}, nil, nil)

	if len(report.BookingResults) != 1 || !report.BookingResults[0].Booked {
		t.Fatalf("expected the input child booked, got %+v", report.BookingResults)
	}
	if report.BookingOverall != domain.BookingOverallSuccess {
		t.Errorf("overall = %q", report.BookingOverall)
	}
}

func TestBuildCallReportPayloadRequiresBookingCall(t *testing.T) {
	lookup := domain.ToolCall{
		Name:   "chord_ortho_patient",
		Action: domain.ActionLookup,
		Status: domain.ToolStatusSuccess,
		Output: map[string]any{"patientGUID": "b2c3d4e5-f6a7-4b8c-9d0e-1f2a3b4c5d6e", "firstName": "Jake"},
	}
	findings := []domain.PayloadFinding{{
		ChildNames:     []string{"Jake"},
		AppointmentIDs: []domain.RecordID{domain.ClassifyRecordID("a3f8c2d1-4e5b-4a6c-9d7e-8f1a2b3c4d5e")},
	}}

	report := BuildCallReport(&domain.Session{ID: "s"}, nil, []domain.ToolCall{lookup}, findings, nil)

	for _, r := range report.BookingResults {
		if r.Booked || r.Source == domain.EvidencePayload {
			t.Errorf("payload claim leaked into results without a booking call: %+v", r)
		}
	}
	if report.BookingOverall != domain.BookingOverallNone {
		t.Errorf("overall = %q, want none (lookups are not attempts)", report.BookingOverall)
	}
	found := false
	for _, d := range report.Discrepancies {
		if strings.Contains(d, "no booking tool ran") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a discrepancy about excluded claims, got %v", report.Discrepancies)
	}
}

func TestBuildCallReportPayloadAdmittedByBookingCall(t *testing.T) {
	// The booking call failed for Jake; the model's summary additionally
	// claims Mia with a real-shaped id. The claim joins the results because
	// a booking tool ran, but Jake's tool evidence is untouched.
	call := bookingCall(domain.ToolStatusError, map[string]any{"error": "slot taken"})
	findings := []domain.PayloadFinding{{
		ChildNames:     []string{"Mia"},
		AppointmentIDs: []domain.RecordID{domain.ClassifyRecordID("c4d5e6f7-a8b9-4c0d-8e1f-2a3b4c5d6e7f")},
		SlotTimes:      []string{"2026-03-05T09:00:00"},
	}}

	report := BuildCallReport(&domain.Session{ID: "s"}, nil, []domain.ToolCall{call}, findings, nil)

	if len(report.BookingResults) != 2 {
		t.Fatalf("expected 2 results, got %+v", report.BookingResults)
	}
	var jake, mia *domain.BookingResult
	for i := range report.BookingResults {
		switch report.BookingResults[i].ChildName {
		case "Jake":
			jake = &report.BookingResults[i]
		case "Mia":
			mia = &report.BookingResults[i]
		}
	}
	if jake == nil || mia == nil {
		t.Fatalf("missing results: %+v", report.BookingResults)
	}
	if jake.Booked || jake.Source != domain.EvidenceTool {
		t.Errorf("jake = %+v", jake)
	}
	if !mia.Booked || mia.Source != domain.EvidencePayload {
		t.Errorf("mia = %+v", mia)
	}
	if report.BookingOverall != domain.BookingOverallPartial {
		t.Errorf("overall = %q, want partial", report.BookingOverall)
	}
}

func TestBuildCallReportPayloadPlaceholderNotBooked(t *testing.T) {
	call := bookingCall(domain.ToolStatusSuccess, map[string]any{"message": "ok"})
	findings := []domain.PayloadFinding{{
		ChildNames:     []string{"Mia"},
		AppointmentIDs: []domain.RecordID{domain.ClassifyRecordID("{appointmentGUID}")},
	}}

	report := BuildCallReport(&domain.Session{ID: "s"}, nil, []domain.ToolCall{call}, findings, nil)

	for _, r := range report.BookingResults {
		if r.ChildName == "Mia" {
			if r.Booked {
				t.Errorf("placeholder id must not mark a booking: %+v", r)
			}
			if r.Error == "" {
				t.Error("expected a note about the placeholder id")
			}
		}
	}
}

func TestBuildCallReportFallbackOnlyWhenNothingBooked(t *testing.T) {
	fallback := []domain.BookingResult{{
		ChildName:     "Jake",
		AppointmentID: "a3f8c2d1-4e5b-4a6c-9d7e-8f1a2b3c4d5e",
		Booked:        true,
		Attempted:     true,
		Source:        domain.EvidenceFallback,
	}}

	// Nothing else booked: fallback records surface.
	report := BuildCallReport(&domain.Session{ID: "s"}, nil, nil, nil, fallback)
	if len(report.BookingResults) != 1 || report.BookingResults[0].Source != domain.EvidenceFallback {
		t.Fatalf("expected the fallback result, got %+v", report.BookingResults)
	}
	if report.BookingOverall != domain.BookingOverallSuccess {
		t.Errorf("overall = %q", report.BookingOverall)
	}

	// A live booked result suppresses the fallback tier entirely.
	call := bookingCall(domain.ToolStatusSuccess, map[string]any{
		"id": "204419", "patient_id": "8841", "start_time": "2026-03-04T14:30:00",
	})
	report = BuildCallReport(&domain.Session{ID: "s"}, nil, []domain.ToolCall{call}, nil, fallback)
	for _, r := range report.BookingResults {
		if r.Source == domain.EvidenceFallback {
			t.Errorf("fallback used despite a live booked result: %+v", r)
		}
	}
}

func TestBuildCallReportLookupUpgradedByBooking(t *testing.T) {
	lookup := domain.ToolCall{
		Name:   "chord_ortho_patient",
		Action: domain.ActionLookup,
		Status: domain.ToolStatusSuccess,
		Output: map[string]any{"patientGUID": "b2c3d4e5-f6a7-4b8c-9d0e-1f2a3b4c5d6e", "firstName": "Jake"},
	}
	book := bookingCall(domain.ToolStatusSuccess, map[string]any{
		"children": []any{
			map[string]any{
				"firstName":       "Jake",
				"appointmentGUID": "a3f8c2d1-4e5b-4a6c-9d7e-8f1a2b3c4d5e",
			},
		},
	})

	report := BuildCallReport(&domain.Session{ID: "s"}, nil, []domain.ToolCall{lookup, book}, nil, nil)

	if len(report.BookingResults) != 1 {
		t.Fatalf("lookup and booking for the same child should merge, got %+v", report.BookingResults)
	}
	r := report.BookingResults[0]
	if !r.Booked {
		t.Errorf("merged result not booked: %+v", r)
	}
	if r.PatientID != "b2c3d4e5-f6a7-4b8c-9d0e-1f2a3b4c5d6e" {
		t.Errorf("patient id from the lookup should survive the merge, got %q", r.PatientID)
	}
	if report.BookingOverall != domain.BookingOverallSuccess {
		t.Errorf("overall = %q", report.BookingOverall)
	}
}

func TestBookingOverallBoundaries(t *testing.T) {
	tests := []struct {
		name    string
		results []domain.BookingResult
		want    string
	}{
		{"no results", nil, domain.BookingOverallNone},
		{"lookups only", []domain.BookingResult{{ChildName: "Jake", Attempted: false}}, domain.BookingOverallNone},
		{"all booked", []domain.BookingResult{{Attempted: true, Booked: true}}, domain.BookingOverallSuccess},
		{
			"some booked",
			[]domain.BookingResult{{Attempted: true, Booked: true}, {Attempted: true}},
			domain.BookingOverallPartial,
		},
		{"attempted but nothing booked", []domain.BookingResult{{Attempted: true}}, domain.BookingOverallFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := bookingOverall(tt.results); got != tt.want {
				t.Errorf("bookingOverall() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTranscriptDiscrepancies(t *testing.T) {
	turns := []domain.ConversationTurn{
		{Role: "user", Content: "Can you book Jake?"},
		{Role: "assistant", Content: "Jake's appointment has been booked, you're all set!"},
	}

	// Agent claims completion but nothing succeeded.
	report := BuildCallReport(&domain.Session{ID: "s"}, turns,
		[]domain.ToolCall{bookingCall(domain.ToolStatusError, map[string]any{"error": "down"})}, nil, nil)
	found := false
	for _, d := range report.Discrepancies {
		if strings.Contains(d, "claimed a completed booking") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected completion-claim discrepancy, got %v", report.Discrepancies)
	}

	// Agent says in-progress and the result really is queued: flagged too,
	// so a reviewer sees the booking is not final.
	queuedTurns := []domain.ConversationTurn{
		{Role: "assistant", Content: "Jake's appointment is being processed right now."},
	}
	queuedCall := bookingCall(domain.ToolStatusSuccess, map[string]any{
		"children": []any{map[string]any{"firstName": "Jake", "queued": true}},
	})
	report = BuildCallReport(&domain.Session{ID: "s"}, queuedTurns, []domain.ToolCall{queuedCall}, nil, nil)
	found = false
	for _, d := range report.Discrepancies {
		if strings.Contains(d, "queued, not booked") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected queued discrepancy, got %v", report.Discrepancies)
	}
}

func TestMergeResultsBookedNeverDisplaced(t *testing.T) {
	existing := []domain.BookingResult{{ChildName: "Jake", Booked: true, Attempted: true, Source: domain.EvidencePayload}}
	merged := mergeResults(existing, []domain.BookingResult{{ChildName: "jake", Attempted: true, Error: "retry failed", Source: domain.EvidencePayload}})
	if len(merged) != 1 || !merged[0].Booked {
		t.Fatalf("booked result displaced by unbooked: %+v", merged)
	}
}

func TestBuildCallReportCreatedAtUnused(t *testing.T) {
	// Session timestamps do not leak into the report; only evidence does.
	session := &domain.Session{ID: "s", CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	report := BuildCallReport(session, nil, nil, nil, nil)
	if report.BookingOverall != domain.BookingOverallNone {
		t.Errorf("empty session overall = %q", report.BookingOverall)
	}
	if len(report.BookingResults) != 0 || len(report.Discrepancies) != 0 {
		t.Errorf("empty session produced content: %+v", report)
	}
}
