package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"callaudit/internal/analysis"
	"callaudit/internal/config"
	"callaudit/internal/domain"
	"callaudit/internal/events"
	slacknotify "callaudit/internal/integrations/slack"
	"callaudit/internal/integrations/tracestore"
	"callaudit/internal/observability/logging"
	"callaudit/internal/observability/metrics"
)

// SessionLister is the slice of the trace-store client the sweep needs.
type SessionLister interface {
	ListSessions(ctx context.Context, since time.Time, limit int) ([]tracestore.SessionSummary, error)
}

// Auditor is the slice of the analysis service the sweep needs.
type Auditor interface {
	Investigate(ctx context.Context, sessionID string, opts analysis.AnalyzeOptions) (domain.InvestigationResult, error)
	Verify(ctx context.Context, sessionID string, opts analysis.AnalyzeOptions) (*domain.FulfillmentVerdict, error)
}

type SweepDeps struct {
	Sessions  SessionLister
	Auditor   Auditor
	Notifier  *slacknotify.Notifier
	Publisher *events.Publisher
}

// SweepResult tracks what one sweep run did. Per-session failures land in
// Errors; they never abort the rest of the run.
type SweepResult struct {
	Window         string
	Sessions       int
	Counts         map[string]int
	FalsePositives []string
	Errors         []string
	Duration       time.Duration
}

// RunSweep classifies each recent session and alerts on the ones whose
// agent claimed bookings the evidence does not support. With sweep_verify
// set, flagged sessions also get a live fulfillment verification and the
// verdict goes out as an event.
func RunSweep(ctx context.Context, cfg config.Config, deps SweepDeps) SweepResult {
	start := time.Now()
	log := logging.WithComponent("sweep")
	since := time.Now().Add(-time.Duration(cfg.SweepLookbackHours) * time.Hour)

	result := SweepResult{
		Window: fmt.Sprintf("last %dh", cfg.SweepLookbackHours),
		Counts: make(map[string]int),
	}

	summaries, err := deps.Sessions.ListSessions(ctx, since, cfg.SweepLimit)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("listing sessions: %v", err))
		result.Duration = time.Since(start)
		metrics.DefaultMetrics.RecordSweep(0, len(result.Errors), result.Duration.Seconds())
		return result
	}
	result.Sessions = len(summaries)

	opts := analysis.AnalyzeOptions{TenantID: cfg.DefaultTenant}
	for _, summary := range summaries {
		res, err := deps.Auditor.Investigate(ctx, summary.ID, opts)
		if err != nil {
			log.Error().Err(err).Str("sessionId", summary.ID).Msg("sweep investigation failed")
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", summary.ID, err))
			continue
		}
		result.Counts[res.Classification]++

		if res.Classification != domain.ClassificationFalsePositive &&
			res.Classification != domain.ClassificationFalsePositiveWithTool {
			continue
		}
		result.FalsePositives = append(result.FalsePositives, summary.ID)

		if deps.Publisher != nil {
			if err := deps.Publisher.PublishClassification(ctx, cfg.DefaultTenant, res); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: publishing classification: %v", summary.ID, err))
			}
		}
		if cfg.SweepVerify {
			verdict, err := deps.Auditor.Verify(ctx, summary.ID, opts)
			switch {
			case err != nil:
				result.Errors = append(result.Errors, fmt.Sprintf("%s: verification: %v", summary.ID, err))
			case deps.Publisher != nil:
				if err := deps.Publisher.PublishVerdict(ctx, cfg.DefaultTenant, *verdict); err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("%s: publishing verdict: %v", summary.ID, err))
				}
			}
		}
		if deps.Notifier != nil {
			if err := deps.Notifier.AlertFalsePositive(res); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: alerting: %v", summary.ID, err))
			}
		}
	}

	result.Duration = time.Since(start)
	metrics.DefaultMetrics.RecordSweep(result.Sessions, len(result.Errors), result.Duration.Seconds())
	log.Info().
		Int("sessions", result.Sessions).
		Int("falsePositives", len(result.FalsePositives)).
		Int("errors", len(result.Errors)).
		Dur("took", result.Duration).
		Msg("sweep complete")
	return result
}

// Summary converts the result into its Slack digest form.
func (r SweepResult) Summary() slacknotify.SweepSummary {
	return slacknotify.SweepSummary{
		Window:         r.Window,
		Sessions:       r.Sessions,
		FalsePositives: r.FalsePositives,
		Inconclusive:   r.Counts[domain.ClassificationInconclusive],
		Failures:       len(r.Errors),
		Duration:       r.Duration,
	}
}

// StartSweepScheduler runs RunSweep on the configured cron schedule, a
// standard 5-field expression (minute hour day-of-month month
// day-of-week). An empty schedule disables the sweep; an invalid one
// disables it with a logged error rather than refusing to start.
func StartSweepScheduler(cfg config.Config, deps SweepDeps) {
	log := logging.WithComponent("sweep")

	schedule := strings.TrimSpace(cfg.SweepSchedule)
	if schedule == "" {
		log.Info().Msg("sweep disabled (sweep_schedule not set)")
		return
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		log.Error().Err(err).Str("schedule", schedule).Msg("invalid sweep_schedule, sweep disabled")
		return
	}
	log.Info().Str("schedule", schedule).Msg("sweep scheduled")

	go func() {
		for {
			now := time.Now()
			next := sched.Next(now)
			log.Info().Time("next", next).Msg("next sweep scheduled")
			time.Sleep(next.Sub(now))

			result := RunSweep(context.Background(), cfg, deps)
			if deps.Notifier != nil {
				if err := deps.Notifier.PostSweepSummary(result.Summary()); err != nil {
					log.Error().Err(err).Msg("posting sweep summary failed")
				}
			}
		}
	}()
}
