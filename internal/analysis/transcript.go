// Package analysis reconstructs phone-agent calls from trace data, extracts
// what the agent claimed it did, and reconciles those claims against the
// practice-management system.
package analysis

import (
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"callaudit/internal/domain"
)

// NoiseFilter reports whether an observation name is flow-engine noise that
// should be dropped before reconstruction.
type NoiseFilter func(name string) bool

// NewNoiseFilter builds a substring-matching filter from the configured
// noise names (the runtime's internal Runnable* observations by default).
func NewNoiseFilter(names []string) NoiseFilter {
	patterns := append([]string(nil), names...)
	return func(name string) bool {
		for _, p := range patterns {
			if p != "" && strings.Contains(name, p) {
				return true
			}
		}
		return false
	}
}

// ReconstructTranscript merges a session's traces into one chronological
// conversation. Traces are sorted by start time, observations within each
// trace by their own start time, noise observations are dropped, and each
// GENERATION observation contributes the newest user utterance from its
// input plus the assistant reply from its output. Deterministic: the same
// session always yields the same turns.
func ReconstructTranscript(session *domain.Session, noise NoiseFilter) []domain.ConversationTurn {
	if session == nil {
		return nil
	}

	traces := append([]domain.Trace(nil), session.Traces...)
	sort.SliceStable(traces, func(i, j int) bool {
		return traces[i].StartTime.Before(traces[j].StartTime)
	})

	var turns []domain.ConversationTurn
	lastUser := ""

	for _, trace := range traces {
		observations := append([]domain.Observation(nil), trace.Observations...)
		sort.SliceStable(observations, func(i, j int) bool {
			return observations[i].StartTime.Before(observations[j].StartTime)
		})

		for _, o := range observations {
			if noise != nil && noise(o.Name) {
				continue
			}
			if o.Kind != domain.KindGeneration {
				continue
			}

			// Chained generations repeat the full message history, so
			// consecutive duplicates of the same user utterance collapse
			// into one turn.
			if user := latestUserMessage(o.InputText()); user != "" && user != lastUser {
				turns = append(turns, domain.ConversationTurn{
					Role:      "user",
					Content:   user,
					Timestamp: o.StartTime,
				})
				lastUser = user
			}

			if reply := assistantReply(o.OutputText()); reply != "" {
				ts := o.EndTime
				if ts.IsZero() {
					ts = o.StartTime
				}
				turns = append(turns, domain.ConversationTurn{
					Role:      "assistant",
					Content:   reply,
					Timestamp: ts,
				})
			}
		}
	}

	return turns
}

// latestUserMessage pulls the newest user utterance out of a generation
// input. Runtimes serialize inputs as a message array, an object wrapping
// one, or plain prompt text; all three are accepted.
func latestUserMessage(input string) string {
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}

	parsed := gjson.Parse(input)
	switch {
	case parsed.IsArray():
		return lastUserFromMessages(parsed)
	case parsed.IsObject():
		for _, key := range []string{"messages", "input", "chat_history"} {
			if arr := parsed.Get(key); arr.IsArray() {
				if msg := lastUserFromMessages(arr); msg != "" {
					return msg
				}
			}
		}
		for _, key := range []string{"question", "input", "text", "content"} {
			if v := parsed.Get(key); v.Type == gjson.String && strings.TrimSpace(v.String()) != "" {
				return strings.TrimSpace(v.String())
			}
		}
		return ""
	default:
		// Plain prompt text is the user message itself.
		return input
	}
}

func lastUserFromMessages(messages gjson.Result) string {
	last := ""
	messages.ForEach(func(_, msg gjson.Result) bool {
		role := strings.ToLower(msg.Get("role").String())
		if role == "" {
			role = strings.ToLower(msg.Get("type").String())
		}
		if role != "user" && role != "human" {
			return true
		}
		if content := messageContent(msg); content != "" {
			last = content
		}
		return true
	})
	return last
}

// messageContent handles both plain string content and content-part arrays.
func messageContent(msg gjson.Result) string {
	content := msg.Get("content")
	if !content.Exists() {
		content = msg.Get("kwargs.content")
	}
	switch {
	case content.Type == gjson.String:
		return strings.TrimSpace(content.String())
	case content.IsArray():
		var parts []string
		content.ForEach(func(_, part gjson.Result) bool {
			if part.Type == gjson.String {
				parts = append(parts, part.String())
			} else if text := part.Get("text"); text.Type == gjson.String {
				parts = append(parts, text.String())
			}
			return true
		})
		return strings.TrimSpace(strings.Join(parts, "\n"))
	default:
		return ""
	}
}

// assistantReply extracts the model's reply text from a generation output,
// tolerating plain text, chat-message objects, and LangChain-style nested
// serializations.
func assistantReply(output string) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return ""
	}

	parsed := gjson.Parse(output)
	if !parsed.IsObject() && !parsed.IsArray() {
		return output
	}

	for _, path := range []string{"content", "text", "output", "message.content", "kwargs.content"} {
		v := parsed.Get(path)
		if v.Type == gjson.String && strings.TrimSpace(v.String()) != "" {
			return strings.TrimSpace(v.String())
		}
		if v.IsArray() {
			if joined := messageContent(parsed); joined != "" {
				return joined
			}
		}
	}
	if parsed.IsArray() && len(parsed.Array()) > 0 {
		if reply := messageContent(parsed.Array()[len(parsed.Array())-1]); reply != "" {
			return reply
		}
	}
	return ""
}
