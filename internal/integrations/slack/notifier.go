// Package slacknotify pushes audit findings into the clinic-ops Slack
// channel: false-positive booking claims that need a human to call the
// family back, and the digest after each scheduled sweep.
package slacknotify

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"callaudit/internal/domain"
	"callaudit/internal/observability/logging"
)

const maxListedIDs = 10

type Notifier struct {
	api     *slack.Client
	channel string
	log     zerolog.Logger
}

// New builds the notifier. An empty token or channel disables it and
// every post becomes a no-op, so callers never branch on configuration.
func New(token, channel string) *Notifier {
	n := &Notifier{channel: channel, log: logging.WithComponent("slack")}
	if token == "" || channel == "" {
		n.log.Info().Msg("slack disabled, alerts will only be logged")
		return n
	}
	n.api = slack.New(token)
	return n
}

func (n *Notifier) Enabled() bool { return n.api != nil }

// AlertFalsePositive posts one alert for a session whose agent claimed
// bookings the evidence does not support.
func (n *Notifier) AlertFalsePositive(result domain.InvestigationResult) error {
	text := formatFalsePositive(result)
	if !n.Enabled() {
		n.log.Warn().
			Str("sessionId", result.SessionID).
			Str("classification", result.Classification).
			Msg("false positive detected (slack disabled)")
		return nil
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, "Booking claim alert", false, false)),
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
	}
	_, _, err := n.api.PostMessage(n.channel, slack.MsgOptionBlocks(blocks...))
	if err != nil {
		n.log.Error().Err(err).Str("sessionId", result.SessionID).Msg("posting alert failed")
		return fmt.Errorf("posting false-positive alert: %w", err)
	}
	return nil
}

// SweepSummary is the digest posted after a scheduled sweep run.
type SweepSummary struct {
	Window         string
	Sessions       int
	FalsePositives []string // session ids
	Inconclusive   int
	Failures       int
	Duration       time.Duration
}

func (n *Notifier) PostSweepSummary(s SweepSummary) error {
	text := formatSweepSummary(s)
	if !n.Enabled() {
		n.log.Info().Int("sessions", s.Sessions).Int("falsePositives", len(s.FalsePositives)).Msg("sweep summary (slack disabled)")
		return nil
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, "Call audit sweep", false, false)),
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
	}
	_, _, err := n.api.PostMessage(n.channel, slack.MsgOptionBlocks(blocks...))
	if err != nil {
		n.log.Error().Err(err).Msg("posting sweep summary failed")
		return fmt.Errorf("posting sweep summary: %w", err)
	}
	return nil
}

func formatFalsePositive(result domain.InvestigationResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Session:* `%s`\n*Classification:* %s\n", result.SessionID, result.Classification)

	if len(result.PlaceholderIDs) > 0 {
		fmt.Fprintf(&b, "*Placeholder ids:* %s\n", joinLimited(result.PlaceholderIDs, maxListedIDs))
	}
	if len(result.RealIDs) > 0 {
		fmt.Fprintf(&b, "*Unbacked real-looking ids:* %s\n", joinLimited(result.RealIDs, maxListedIDs))
	}
	if result.HasBookingTool {
		b.WriteString("A booking tool ran during this call.\n")
	} else {
		b.WriteString("No booking tool ran during this call.\n")
	}

	for i, ev := range result.Evidence {
		if i == maxListedIDs {
			fmt.Fprintf(&b, "... and %d more\n", len(result.Evidence)-maxListedIDs)
			break
		}
		fmt.Fprintf(&b, "> %s\n", ev)
	}

	b.WriteString("The family may believe an appointment exists. Please check the schedule and call back if needed.")
	return b.String()
}

func formatSweepSummary(s SweepSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Window:* %s\n*Sessions checked:* %d\n", s.Window, s.Sessions)

	if len(s.FalsePositives) > 0 {
		fmt.Fprintf(&b, "*False positives:* %d (%s)\n", len(s.FalsePositives), joinLimited(s.FalsePositives, maxListedIDs))
	} else {
		b.WriteString("*False positives:* none\n")
	}
	if s.Inconclusive > 0 {
		fmt.Fprintf(&b, "*Inconclusive:* %d\n", s.Inconclusive)
	}
	if s.Failures > 0 {
		fmt.Fprintf(&b, "*Sessions that failed to analyze:* %d\n", s.Failures)
	}
	fmt.Fprintf(&b, "*Took:* %s", s.Duration.Round(time.Second))
	return b.String()
}

func joinLimited(values []string, max int) string {
	if len(values) <= max {
		return strings.Join(values, ", ")
	}
	return strings.Join(values[:max], ", ") + fmt.Sprintf(" and %d more", len(values)-max)
}
