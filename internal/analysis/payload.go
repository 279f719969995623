package analysis

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"callaudit/internal/domain"
)

// payloadMarker is the literal keyword the agent's prompt tells the model
// to emit ahead of its structured call summary. Because the summary is
// model-generated text, it can describe actions that never executed.
const payloadMarker = "PAYLOAD"

// rawTruncateLen bounds the raw fallback kept on unparsable blocks.
const rawTruncateLen = 500

// Field patterns for the known per-child and parent summary fields. Values
// may be wrapped in once- or twice-escaped quotes, so each pattern eats
// optional backslashes around the quotes. Go regexps hold no match-position
// state, which keeps the scan reentrant.
var (
	payloadApptIDPattern    = regexp.MustCompile(`Child(\d+)_appointmentGUID\\*"?\s*:\s*\\*"?\s*(\{[A-Za-z0-9_]+\}|<[A-Za-z0-9_ ]+>|[A-Za-z0-9][A-Za-z0-9\-._]*)`)
	payloadPatientIDPattern = regexp.MustCompile(`Child(\d+)_patient(?:GUID|ID|Id)\\*"?\s*:\s*\\*"?\s*(\{[A-Za-z0-9_]+\}|<[A-Za-z0-9_ ]+>|[A-Za-z0-9][A-Za-z0-9\-._]*)`)
	payloadNamePattern      = regexp.MustCompile(`Child(\d+)_name\\*"?\s*:\s*\\*"?\s*([A-Za-z][A-Za-z\-' ]*[A-Za-z]|[A-Za-z])`)
	payloadDOBPattern       = regexp.MustCompile(`Child(\d+)_dob\\*"?\s*:\s*\\*"?\s*([0-9]{1,4}[-/][0-9]{1,2}[-/][0-9]{1,4})`)
	payloadSlotPattern      = regexp.MustCompile(`(?:slotTime|appointmentTime|appointmentDateTime|Child\d+_slotTime)\\*"?\s*:\s*\\*"?\s*([0-9]{4}-[0-9]{2}-[0-9]{2}[T ][0-9]{2}:[0-9]{2}(?::[0-9]{2})?)`)
	payloadParentPattern    = regexp.MustCompile(`[Pp]arent(?:_?[Pp]atient)?(?:GUID|ID|Id)\\*"?\s*:\s*\\*"?\s*(\{[A-Za-z0-9_]+\}|<[A-Za-z0-9_ ]+>|[A-Za-z0-9][A-Za-z0-9\-._]*)`)
)

// ScanPayloads extracts every PAYLOAD block from the session's GENERATION
// observations. Findings are advisory evidence: they record what the model
// claimed, and on their own can never mark a booking as real.
func ScanPayloads(session *domain.Session) []domain.PayloadFinding {
	if session == nil {
		return nil
	}

	traces := append([]domain.Trace(nil), session.Traces...)
	sort.SliceStable(traces, func(i, j int) bool {
		return traces[i].StartTime.Before(traces[j].StartTime)
	})

	var findings []domain.PayloadFinding
	for _, trace := range traces {
		for _, o := range trace.Observations {
			if o.Kind != domain.KindGeneration {
				continue
			}
			text := o.OutputText()
			for _, region := range payloadRegions(text) {
				finding := scanRegion(region)
				finding.TraceID = o.TraceID
				if finding.TraceID == "" {
					finding.TraceID = trace.ID
				}
				finding.Timestamp = o.StartTime
				findings = append(findings, finding)
			}
		}
	}
	return findings
}

// payloadRegions returns one scan region per PAYLOAD marker: the text from
// the marker through the end of its brace-matched block, or a bounded
// window when no block follows.
func payloadRegions(text string) []string {
	var regions []string
	offset := 0
	for {
		idx := strings.Index(text[offset:], payloadMarker)
		if idx < 0 {
			return regions
		}
		start := offset + idx
		after := start + len(payloadMarker)

		if _, end, ok := matchBraceBlock(text, after); ok {
			regions = append(regions, text[start:end])
			offset = end
			continue
		}

		// No object after the marker; scan a bounded window so flat field
		// matches still work on mangled output.
		windowEnd := after + 2000
		if windowEnd > len(text) {
			windowEnd = len(text)
		}
		regions = append(regions, text[start:windowEnd])
		offset = windowEnd
	}
}

// matchBraceBlock finds the first balanced JSON object at or after from.
// Nested objects defeat any non-greedy regexp, so depth is counted
// explicitly. Quote-state tracking is deliberately absent: the block may
// arrive escaped to an unknown depth, where quote characters are not
// reliable string delimiters.
// Returns the block, the index just past it, and whether a block closed.
func matchBraceBlock(s string, from int) (string, int, bool) {
	depth := 0
	opened := -1

	for i := from; i < len(s); i++ {
		switch s[i] {
		case '{':
			if depth == 0 {
				opened = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 {
					return s[opened : i+1], i + 1, true
				}
			}
		}
	}
	return "", from, false
}

// scanRegion builds one finding from a marker region: the structured body
// parsed when possible, plus flat identifier lists pattern-matched from the
// text regardless of whether parsing worked.
func scanRegion(region string) domain.PayloadFinding {
	finding := domain.PayloadFinding{}

	if open := strings.IndexByte(region, '{'); open >= 0 {
		block := region[open:]
		if parsed, ok := tryParsePayload(block); ok {
			finding.Parsed = parsed
		} else {
			raw := block
			if len(raw) > rawTruncateLen {
				raw = raw[:rawTruncateLen]
			}
			finding.Raw = raw
		}
	}

	for _, m := range payloadApptIDPattern.FindAllStringSubmatch(region, -1) {
		finding.AppointmentIDs = appendRecordID(finding.AppointmentIDs, m[2])
	}
	for _, m := range payloadPatientIDPattern.FindAllStringSubmatch(region, -1) {
		finding.PatientIDs = appendRecordID(finding.PatientIDs, m[2])
	}
	for _, m := range payloadParentPattern.FindAllStringSubmatch(region, -1) {
		finding.PatientIDs = appendRecordID(finding.PatientIDs, m[1])
	}
	for _, m := range payloadNamePattern.FindAllStringSubmatch(region, -1) {
		finding.ChildNames = appendUniqueFold(finding.ChildNames, strings.TrimSpace(m[2]))
	}
	for _, m := range payloadDOBPattern.FindAllStringSubmatch(region, -1) {
		finding.ChildDOBs = appendUnique(finding.ChildDOBs, m[2])
	}
	for _, m := range payloadSlotPattern.FindAllStringSubmatch(region, -1) {
		finding.SlotTimes = appendUnique(finding.SlotTimes, m[1])
	}

	return finding
}

// tryParsePayload parses a brace-matched block, unescaping up to twice for
// blocks the model emitted inside quoted (or doubly quoted) JSON strings.
func tryParsePayload(block string) (map[string]any, bool) {
	candidates := []string{block}

	once := strings.ReplaceAll(block, `\"`, `"`)
	if once != block {
		candidates = append(candidates, once)
		twice := strings.ReplaceAll(strings.ReplaceAll(once, `\\`, `\`), `\"`, `"`)
		if twice != once {
			candidates = append(candidates, twice)
		}
	}

	for _, candidate := range candidates {
		if !gjson.Valid(candidate) {
			continue
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(candidate), &parsed); err == nil {
			return parsed, true
		}
	}
	return nil, false
}

func appendRecordID(ids []domain.RecordID, value string) []domain.RecordID {
	value = strings.TrimSpace(value)
	if value == "" {
		return ids
	}
	for _, existing := range ids {
		if existing.Value == value {
			return ids
		}
	}
	return append(ids, domain.ClassifyRecordID(value))
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}

func appendUniqueFold(list []string, value string) []string {
	if value == "" {
		return list
	}
	for _, existing := range list {
		if strings.EqualFold(existing, value) {
			return list
		}
	}
	return append(list, value)
}
