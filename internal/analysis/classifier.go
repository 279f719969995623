package analysis

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"callaudit/internal/domain"
)

// PlaceholderListVersion identifies the curated placeholder definitions
// below. Extending the literals or patterns is a reviewed change that must
// bump this version, since the false-positive gate depends on them.
const PlaceholderListVersion = "2026-02-17"

// placeholderLiterals are identifier values models paste from examples and
// prompts. They parse as well-formed UUIDs or integers but never refer to
// a real record.
var placeholderLiterals = map[string]bool{
	"123456789":                            true,
	"987654321":                            true,
	"1234567890":                           true,
	"12345":                                true,
	"00000000-0000-0000-0000-000000000000": true,
	"123e4567-e89b-12d3-a456-426614174000": true,
	"11111111-1111-1111-1111-111111111111": true,
	"aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa": true,
}

// placeholderWords are non-identifier stand-ins that show up in id fields.
var placeholderWords = map[string]bool{
	"null": true, "none": true, "n/a": true, "na": true,
	"tbd": true, "unknown": true, "undefined": true, "pending": true,
	"string": true, "example": true, "guid": true, "uuid": true, "id": true,
}

// isPlaceholderID reports whether a claimed identifier is a recognized
// placeholder: a curated literal, a template pattern, or a degenerate
// repeated-character value.
func isPlaceholderID(value string) bool {
	v := strings.TrimSpace(value)
	if v == "" {
		return true
	}
	lower := strings.ToLower(v)
	if placeholderLiterals[lower] || placeholderWords[lower] {
		return true
	}
	// Template markers survive verbatim when the model never filled them
	// in: {appointmentGUID}, <GUID>, [uuid].
	if strings.ContainsAny(v, "{}<>[]") {
		return true
	}
	if sameRune(lower) {
		return true
	}
	// UUIDs built from one repeated hex digit read as filler, not records.
	if len(lower) == 36 && sameRune(strings.ReplaceAll(lower, "-", "")) {
		return true
	}
	return false
}

func sameRune(s string) bool {
	if len(s) < 3 {
		return false
	}
	first := rune(0)
	for i, r := range s {
		if i == 0 {
			first = r
			continue
		}
		if r != first {
			return false
		}
	}
	return true
}

// isRealID reports whether a value is shaped like an actual backend
// identifier: a well-formed UUID or an integer, and not a placeholder.
func isRealID(value string) bool {
	v := strings.TrimSpace(value)
	if v == "" || isPlaceholderID(v) {
		return false
	}
	if _, err := uuid.Parse(v); err == nil {
		return true
	}
	id := domain.ClassifyRecordID(v)
	return id.Kind == domain.RecordKindInteger
}

type idPartition struct {
	real        []string
	placeholder []string
	unknown     []string
}

func partitionIdentifiers(values []string) idPartition {
	var p idPartition
	seen := map[string]bool{}
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		switch {
		case isPlaceholderID(v):
			p.placeholder = append(p.placeholder, v)
		case isRealID(v):
			p.real = append(p.real, v)
		default:
			p.unknown = append(p.unknown, v)
		}
	}
	return p
}

// Classify applies the fixed decision table over whether a booking tool
// ran and how the claimed identifiers partition. This table is the
// false-positive gate: scanned text alone can never override it.
//
//	no ids at all                          -> CLEAN
//	real ids, booking tool ran             -> LEGITIMATE
//	real ids, no booking tool              -> FALSE_POSITIVE
//	only placeholders, no booking tool     -> CLEAN
//	only placeholders, booking tool ran    -> FALSE_POSITIVE_WITH_TOOL
//	anything else (unclassifiable ids)     -> INCONCLUSIVE
func Classify(hasBookingTool bool, ids []string) (string, idPartition) {
	p := partitionIdentifiers(ids)

	total := len(p.real) + len(p.placeholder) + len(p.unknown)
	switch {
	case total == 0:
		return domain.ClassificationClean, p
	case len(p.real) > 0 && hasBookingTool:
		return domain.ClassificationLegitimate, p
	case len(p.real) > 0 && !hasBookingTool:
		return domain.ClassificationFalsePositive, p
	case len(p.unknown) > 0:
		return domain.ClassificationInconclusive, p
	case hasBookingTool:
		return domain.ClassificationFalsePositiveWithTool, p
	default:
		return domain.ClassificationClean, p
	}
}

// Investigate classifies one session's booking claims from its extracted
// tool calls and PAYLOAD findings, with the supporting evidence spelled
// out per identifier.
func Investigate(sessionID string, toolCalls []domain.ToolCall, findings []domain.PayloadFinding) domain.InvestigationResult {
	hasBookingTool := false
	for _, call := range toolCalls {
		if domain.IsBookingAction(call.Action) {
			hasBookingTool = true
			break
		}
	}

	var ids []string
	for _, f := range findings {
		for _, id := range f.AppointmentIDs {
			ids = append(ids, id.Value)
		}
		for _, id := range f.PatientIDs {
			ids = append(ids, id.Value)
		}
	}

	classification, p := Classify(hasBookingTool, ids)

	result := domain.InvestigationResult{
		SessionID:      sessionID,
		Classification: classification,
		HasBookingTool: hasBookingTool,
		RealIDs:        p.real,
		PlaceholderIDs: p.placeholder,
		UnknownIDs:     p.unknown,
		FindingCount:   len(findings),
	}

	if len(findings) > 0 {
		result.Evidence = append(result.Evidence,
			fmt.Sprintf("%d PAYLOAD block(s) found in model output", len(findings)))
	}
	for _, call := range toolCalls {
		if domain.IsBookingAction(call.Action) {
			result.Evidence = append(result.Evidence,
				fmt.Sprintf("booking tool %s ran with status %s", call.Name, call.Status))
		}
	}
	for _, id := range p.real {
		note := fmt.Sprintf("identifier %q looks real", id)
		if !hasBookingTool {
			note += " but no booking tool ran in this session"
		}
		result.Evidence = append(result.Evidence, note)
	}
	for _, id := range p.placeholder {
		result.Evidence = append(result.Evidence,
			fmt.Sprintf("identifier %q is a recognized placeholder", id))
	}
	for _, id := range p.unknown {
		result.Evidence = append(result.Evidence,
			fmt.Sprintf("identifier %q matches neither backend id family nor the placeholder definitions", id))
	}

	return result
}
