package analysis

import (
	"testing"
	"time"

	"callaudit/internal/domain"
)

func TestIsPlaceholderID(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"123456789", true},
		{"987654321", true},
		{"12345", true},
		{"00000000-0000-0000-0000-000000000000", true},
		{"123e4567-e89b-12d3-a456-426614174000", true},
		{"AAAAAAAA-AAAA-AAAA-AAAA-AAAAAAAAAAAA", true},
		{"null", true},
		{"N/A", true},
		{"TBD", true},
		{"{appointmentGUID}", true},
		{"<GUID>", true},
		{"[uuid]", true},
		{"999999999", true},                            // repeated digit
		{"bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb", true}, // repeated hex digit
		{"", true},
		{"   ", true},
		{"a3f8c2d1-4e5b-4a6c-9d7e-8f1a2b3c4d5e", false},
		{"8841", false},
		{"204419", false},
	}
	for _, tt := range tests {
		if got := isPlaceholderID(tt.value); got != tt.want {
			t.Errorf("isPlaceholderID(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestIsRealID(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"a3f8c2d1-4e5b-4a6c-9d7e-8f1a2b3c4d5e", true},
		{"8841", true},
		{"123e4567-e89b-12d3-a456-426614174000", false}, // well-formed but a known placeholder
		{"123456789", false},
		{"appointment-pending", false},
		{"not-an-id", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isRealID(tt.value); got != tt.want {
			t.Errorf("isRealID(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestClassifyDecisionTable(t *testing.T) {
	realGUID := "a3f8c2d1-4e5b-4a6c-9d7e-8f1a2b3c4d5e"

	tests := []struct {
		name           string
		hasBookingTool bool
		ids            []string
		want           string
	}{
		{
			name:           "no ids at all",
			hasBookingTool: false,
			ids:            nil,
			want:           domain.ClassificationClean,
		},
		{
			name:           "no ids with booking tool",
			hasBookingTool: true,
			ids:            nil,
			want:           domain.ClassificationClean,
		},
		{
			name:           "real id with booking tool",
			hasBookingTool: true,
			ids:            []string{realGUID},
			want:           domain.ClassificationLegitimate,
		},
		{
			name:           "real id without booking tool",
			hasBookingTool: false,
			ids:            []string{realGUID},
			want:           domain.ClassificationFalsePositive,
		},
		{
			name:           "real id wins over placeholders alongside it",
			hasBookingTool: false,
			ids:            []string{realGUID, "123456789"},
			want:           domain.ClassificationFalsePositive,
		},
		{
			name:           "placeholders only without booking tool",
			hasBookingTool: false,
			ids:            []string{"123456789", "{appointmentGUID}"},
			want:           domain.ClassificationClean,
		},
		{
			name:           "placeholders only with booking tool",
			hasBookingTool: true,
			ids:            []string{"00000000-0000-0000-0000-000000000000"},
			want:           domain.ClassificationFalsePositiveWithTool,
		},
		{
			name:           "unclassifiable id",
			hasBookingTool: true,
			ids:            []string{"appt-ref-XYZ"},
			want:           domain.ClassificationInconclusive,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := Classify(tt.hasBookingTool, tt.ids)
			if got != tt.want {
				t.Errorf("Classify(%v, %v) = %q, want %q", tt.hasBookingTool, tt.ids, got, tt.want)
			}
		})
	}
}

func TestPartitionIdentifiersDeduplicates(t *testing.T) {
	realGUID := "a3f8c2d1-4e5b-4a6c-9d7e-8f1a2b3c4d5e"
	p := partitionIdentifiers([]string{realGUID, realGUID, "123456789", "  ", "weird-value"})

	if len(p.real) != 1 || p.real[0] != realGUID {
		t.Errorf("real = %v, want exactly one %s", p.real, realGUID)
	}
	if len(p.placeholder) != 1 || p.placeholder[0] != "123456789" {
		t.Errorf("placeholder = %v", p.placeholder)
	}
	if len(p.unknown) != 1 || p.unknown[0] != "weird-value" {
		t.Errorf("unknown = %v", p.unknown)
	}
}

func TestInvestigateFalsePositive(t *testing.T) {
	findings := []domain.PayloadFinding{
		{
			AppointmentIDs: []domain.RecordID{domain.ClassifyRecordID("a3f8c2d1-4e5b-4a6c-9d7e-8f1a2b3c4d5e")},
			ChildNames:     []string{"Jake"},
		},
	}
	toolCalls := []domain.ToolCall{
		{Name: "chord_ortho_patient", Action: domain.ActionLookup, Status: domain.ToolStatusSuccess},
	}

	result := Investigate("sess-fp", toolCalls, findings)

	if result.Classification != domain.ClassificationFalsePositive {
		t.Fatalf("classification = %q, want %q", result.Classification, domain.ClassificationFalsePositive)
	}
	if result.HasBookingTool {
		t.Error("lookup-only session should not count as having a booking tool")
	}
	if len(result.RealIDs) != 1 {
		t.Errorf("real ids = %v, want 1", result.RealIDs)
	}
	if result.FindingCount != 1 {
		t.Errorf("finding count = %d, want 1", result.FindingCount)
	}
	if len(result.Evidence) == 0 {
		t.Fatal("expected evidence lines")
	}
	foundNoToolNote := false
	for _, line := range result.Evidence {
		if line == `identifier "a3f8c2d1-4e5b-4a6c-9d7e-8f1a2b3c4d5e" looks real but no booking tool ran in this session` {
			foundNoToolNote = true
		}
	}
	if !foundNoToolNote {
		t.Errorf("missing the no-booking-tool evidence line, got %v", result.Evidence)
	}
}

func TestInvestigateLegitimate(t *testing.T) {
	findings := []domain.PayloadFinding{
		{
			AppointmentIDs: []domain.RecordID{domain.ClassifyRecordID("204419")},
			Timestamp:      time.Now(),
		},
	}
	toolCalls := []domain.ToolCall{
		{Name: "schedule_appointment_ortho", Action: domain.ActionBook, Status: domain.ToolStatusSuccess},
	}

	result := Investigate("sess-ok", toolCalls, findings)

	if result.Classification != domain.ClassificationLegitimate {
		t.Fatalf("classification = %q, want %q", result.Classification, domain.ClassificationLegitimate)
	}
	if !result.HasBookingTool {
		t.Error("expected HasBookingTool")
	}
}

func TestInvestigateNoFindingsIsClean(t *testing.T) {
	result := Investigate("sess-clean", nil, nil)
	if result.Classification != domain.ClassificationClean {
		t.Fatalf("classification = %q, want %q", result.Classification, domain.ClassificationClean)
	}
	if len(result.Evidence) != 0 {
		t.Errorf("expected no evidence for an empty session, got %v", result.Evidence)
	}
}
