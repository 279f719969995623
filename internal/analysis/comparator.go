package analysis

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"callaudit/internal/domain"
)

// parenPattern strips parenthesized nicknames ("Alexander (Alex)") before
// tokenizing.
var parenPattern = regexp.MustCompile(`\([^)]*\)`)

var weekdayNames = []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

var monthNames = []string{"january", "february", "march", "april", "may", "june",
	"july", "august", "september", "october", "november", "december"}

var isoDatePattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)

var slotLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// CompareIntent cross-checks what the caller asked for against what the
// evidence shows. Only booking and reschedule intents carry expectations
// worth comparing; other intent types return nothing. Vague date asks
// ("sometime next week") are never flagged, only asks we can anchor to a
// concrete day.
func CompareIntent(intent *domain.CallerIntent, report *domain.CallReport, callTime time.Time) []string {
	if intent == nil || report == nil {
		return nil
	}
	if intent.Type != domain.IntentBooking && intent.Type != domain.IntentReschedule {
		return nil
	}

	var out []string
	requested := intent.Booking.ChildNames

	for _, want := range requested {
		if !attemptedFor(report.BookingResults, want) {
			out = append(out, fmt.Sprintf("caller asked to book %s but no booking was attempted for them", want))
		}
	}

	if len(requested) > 0 {
		for _, r := range report.BookingResults {
			if !r.Attempted || r.ChildName == "" {
				continue
			}
			if !anyNameMatches(requested, r.ChildName) {
				out = append(out, fmt.Sprintf("booking attempted for %s but the caller did not ask for them", r.ChildName))
			}
		}
	}

	out = append(out, dateDiscrepancies(intent.Booking.RequestedDates, report.BookingResults, callTime)...)
	return out
}

func attemptedFor(results []domain.BookingResult, child string) bool {
	for _, r := range results {
		if r.Attempted && nameMatches(child, r.ChildName) {
			return true
		}
	}
	return false
}

// dateDiscrepancies flags booked slots that land on a day the caller did
// not ask for. Checking only runs when at least one requested date can be
// anchored to a calendar day.
func dateDiscrepancies(requested []string, results []domain.BookingResult, callTime time.Time) []string {
	var anchored []string
	for _, req := range requested {
		if dateAnchored(req, callTime) {
			anchored = append(anchored, req)
		}
	}
	if len(anchored) == 0 {
		return nil
	}

	var out []string
	for _, r := range results {
		if !r.Booked || r.Slot == "" {
			continue
		}
		slot, ok := parseSlotTime(r.Slot)
		if !ok {
			continue
		}
		matched := false
		for _, req := range anchored {
			if requestedDateMatches(req, slot, callTime) {
				matched = true
				break
			}
		}
		if !matched {
			name := r.ChildName
			if name == "" {
				name = "a booking"
			}
			out = append(out, fmt.Sprintf("booked slot %s for %s does not match any requested date", r.Slot, name))
		}
	}
	return out
}

// dateAnchored reports whether a free-text date ask pins down a calendar
// day: an absolute date, today/tomorrow relative to the call, or a
// weekday or month mention.
func dateAnchored(requested string, callTime time.Time) bool {
	req := strings.ToLower(strings.TrimSpace(requested))
	if req == "" {
		return false
	}
	if _, ok := parseAbsoluteDate(requested); ok {
		return true
	}
	if isoDatePattern.MatchString(req) {
		return true
	}
	if !callTime.IsZero() && (req == "today" || req == "tomorrow") {
		return true
	}
	for _, day := range weekdayNames {
		if strings.Contains(req, day) {
			return true
		}
	}
	for _, month := range monthNames {
		if strings.Contains(req, month) {
			return true
		}
	}
	return false
}

func requestedDateMatches(requested string, slot, callTime time.Time) bool {
	req := strings.ToLower(strings.TrimSpace(requested))
	if req == "" {
		return false
	}

	if t, ok := parseAbsoluteDate(requested); ok {
		return sameDate(t, slot)
	}
	if !callTime.IsZero() {
		switch req {
		case "today":
			return sameDate(callTime, slot)
		case "tomorrow":
			return sameDate(callTime.AddDate(0, 0, 1), slot)
		}
	}
	if strings.Contains(req, slot.Format("2006-01-02")) {
		return true
	}
	if strings.Contains(req, strings.ToLower(slot.Format("January 2"))) {
		return true
	}
	if strings.Contains(req, strings.ToLower(slot.Weekday().String())) {
		return true
	}
	return false
}

func parseAbsoluteDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02", "January 2, 2006", "January 2 2006", "Jan 2, 2006", "01/02/2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseSlotTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range slotLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func anyNameMatches(entries []string, candidate string) bool {
	for _, entry := range entries {
		if nameMatches(entry, candidate) {
			return true
		}
	}
	return false
}

// nameMatches compares names by token subset in either direction, so
// "Emma" matches "Emma Johnson" and token order does not matter.
func nameMatches(a, b string) bool {
	aTokens := normalizeNameTokens(a)
	bTokens := normalizeNameTokens(b)
	if len(aTokens) == 0 || len(bTokens) == 0 {
		return false
	}
	return allIn(aTokens, bTokens) || allIn(bTokens, aTokens)
}

func normalizeNameTokens(s string) []string {
	if s == "" {
		return nil
	}
	s = parenPattern.ReplaceAllString(s, " ")
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	parts := strings.Fields(b.String())
	if len(parts) == 0 {
		return nil
	}
	return parts
}

func allIn(needles, haystack []string) bool {
	set := make(map[string]bool, len(haystack))
	for _, t := range haystack {
		set[t] = true
	}
	for _, t := range needles {
		if !set[t] {
			return false
		}
	}
	return true
}
