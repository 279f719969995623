// Package intent classifies what the caller wanted from a reconstructed
// call transcript.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"callaudit/internal/domain"
	"callaudit/internal/observability/logging"
)

type Classifier struct {
	provider           string
	model              string
	anthropicKey       string
	openAIKey          string
	transcriptMaxChars int
	log                zerolog.Logger
}

func NewClassifier(provider, model, anthropicKey, openAIKey string, transcriptMaxChars int) *Classifier {
	if transcriptMaxChars < 1 {
		transcriptMaxChars = 24000
	}
	return &Classifier{
		provider:           provider,
		model:              model,
		anthropicKey:       anthropicKey,
		openAIKey:          openAIKey,
		transcriptMaxChars: transcriptMaxChars,
		log:                logging.WithComponent("intent"),
	}
}

const intentSystemPrompt = `You classify phone calls to an orthodontic clinic's automated scheduling agent.
Given a call transcript, determine the caller's primary intent.

Choose exactly one type from: booking, reschedule, cancellation, question, transfer_request, undetermined.
Also:
- extract the first names of any children the caller wants appointments for
- extract any requested appointment dates or date ranges, as spoken
- write a one-sentence summary of the call
- set confidence between 0 and 1.

Respond with JSON only (no markdown):
{"type": "booking", "confidence": 0.9, "summary": "...", "child_names": ["Jake"], "requested_dates": ["next Tuesday"]}`

// ClassifyCallerIntent runs the configured model over the transcript. The
// caller treats any error as non-fatal: the analysis proceeds without an
// intent.
func (c *Classifier) ClassifyCallerIntent(ctx context.Context, turns []domain.ConversationTurn) (*domain.CallerIntent, LLMUsage, error) {
	if len(turns) == 0 {
		return nil, LLMUsage{}, fmt.Errorf("empty transcript")
	}

	userPrompt := "Call transcript:\n\n" + formatTranscript(turns, c.transcriptMaxChars)

	var responseText string
	var usage LLMUsage
	var err error

	switch c.provider {
	case "openai":
		model := c.model
		if model == "" {
			model = defaultOpenAIModel
		}
		c.log.Debug().Str("provider", "openai").Str("model", model).Int("turns", len(turns)).Msg("intent classify")
		responseText, usage, err = callOpenAI(ctx, c.openAIKey, model, intentSystemPrompt, userPrompt)
	default:
		model := c.model
		if model == "" {
			model = defaultAnthropicModel
		}
		c.log.Debug().Str("provider", "anthropic").Str("model", model).Int("turns", len(turns)).Msg("intent classify")
		responseText, usage, err = callAnthropic(ctx, c.anthropicKey, model, intentSystemPrompt, userPrompt)
	}
	if err != nil {
		return nil, usage, err
	}

	parsed, err := parseIntentResponse(responseText)
	if err != nil {
		return nil, usage, err
	}
	parsed.Provider = c.provider
	parsed.Model = c.model
	return parsed, usage, nil
}

func formatTranscript(turns []domain.ConversationTurn, maxChars int) string {
	var b strings.Builder
	for _, turn := range turns {
		role := "Caller"
		if turn.Role == "assistant" {
			role = "Agent"
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(turn.Content))
		b.WriteString("\n")
	}
	text := b.String()
	if len(text) > maxChars {
		text = text[:maxChars] + "\n...(truncated)"
	}
	return text
}

type intentResponse struct {
	Type           string          `json:"type"`
	Confidence     float64         `json:"confidence"`
	Summary        string          `json:"summary"`
	ChildNames     json.RawMessage `json:"child_names"`
	RequestedDates json.RawMessage `json:"requested_dates"`
}

func parseIntentResponse(responseText string) (*domain.CallerIntent, error) {
	responseText = strings.TrimSpace(responseText)
	responseText = strings.TrimPrefix(responseText, "```json")
	responseText = strings.TrimPrefix(responseText, "```")
	responseText = strings.TrimSuffix(responseText, "```")
	responseText = strings.TrimSpace(responseText)

	var parsed intentResponse
	if err := json.Unmarshal([]byte(responseText), &parsed); err != nil {
		truncated := responseText
		if len(truncated) > 512 {
			truncated = truncated[:512] + fmt.Sprintf("... [truncated, total_length=%d]", len(responseText))
		}
		return nil, fmt.Errorf("parsing intent response: %w (truncated response: %s)", err, truncated)
	}

	return &domain.CallerIntent{
		Type:       normalizeIntentType(parsed.Type),
		Confidence: parsed.Confidence,
		Summary:    strings.TrimSpace(parsed.Summary),
		Booking: domain.BookingIntent{
			ChildNames:     parseStringListField(parsed.ChildNames),
			RequestedDates: parseStringListField(parsed.RequestedDates),
		},
	}, nil
}

func normalizeIntentType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "booking", "book", "schedule", "new_appointment":
		return domain.IntentBooking
	case "reschedule", "rescheduling", "move":
		return domain.IntentReschedule
	case "cancellation", "cancel":
		return domain.IntentCancel
	case "question", "inquiry", "information":
		return domain.IntentQuestion
	case "transfer_request", "transfer", "escalation":
		return domain.IntentTransfer
	default:
		return domain.IntentUndetermined
	}
}

// parseStringListField accepts ["a","b"], "a, b", a single string, or
// null, since models drift between shapes.
func parseStringListField(raw json.RawMessage) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var asSlice []string
	if err := json.Unmarshal(raw, &asSlice); err == nil {
		var out []string
		for _, s := range asSlice {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
		return out
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		var out []string
		for _, s := range strings.Split(asString, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
		return out
	}

	// Mixed arrays: keep the strings, stringify the numbers.
	var asAnySlice []any
	if err := json.Unmarshal(raw, &asAnySlice); err == nil {
		var out []string
		for _, v := range asAnySlice {
			switch x := v.(type) {
			case string:
				x = strings.TrimSpace(x)
				if x != "" {
					out = append(out, x)
				}
			case float64:
				out = append(out, fmt.Sprintf("%.0f", x))
			}
		}
		return out
	}

	return nil
}

// EnhanceIntentWithObservations folds observed tool activity back into a
// classified intent: child names the agent actually acted on are added,
// and an undetermined intent is upgraded when a booking action ran. Pure;
// the input intent is not modified.
func EnhanceIntentWithObservations(intent *domain.CallerIntent, toolCalls []domain.ToolCall) *domain.CallerIntent {
	if intent == nil {
		return nil
	}
	enhanced := *intent
	enhanced.Booking.ChildNames = append([]string(nil), intent.Booking.ChildNames...)
	enhanced.Booking.RequestedDates = append([]string(nil), intent.Booking.RequestedDates...)

	sawBooking := false
	for _, call := range toolCalls {
		if !domain.IsBookingAction(call.Action) {
			continue
		}
		sawBooking = true
		for _, name := range childNamesFromInput(call.Input) {
			if !containsFold(enhanced.Booking.ChildNames, name) {
				enhanced.Booking.ChildNames = append(enhanced.Booking.ChildNames, name)
			}
		}
	}

	if sawBooking && enhanced.Type == domain.IntentUndetermined {
		enhanced.Type = domain.IntentBooking
		if enhanced.Confidence < 0.5 {
			enhanced.Confidence = 0.5
		}
	}
	return &enhanced
}

func childNamesFromInput(input any) []string {
	m, ok := input.(map[string]any)
	if !ok {
		return nil
	}
	var names []string
	for _, key := range []string{"childName", "child_name", "firstName", "first_name", "name"} {
		if v, ok := m[key].(string); ok && strings.TrimSpace(v) != "" {
			names = append(names, strings.TrimSpace(v))
		}
	}
	if children, ok := m["children"].([]any); ok {
		for _, child := range children {
			cm, ok := child.(map[string]any)
			if !ok {
				continue
			}
			for _, key := range []string{"firstName", "first_name", "name", "childName"} {
				if v, ok := cm[key].(string); ok && strings.TrimSpace(v) != "" {
					names = append(names, strings.TrimSpace(v))
					break
				}
			}
		}
	}
	return names
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
