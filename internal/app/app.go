// Package app assembles the audit service and runs it: the scheduled
// sweep, the Prometheus listener, and the outbound Slack and Kafka paths.
// The engine itself (analysis service, correction workflow) is consumed
// as library packages by external controllers; corrections in particular
// are operator-approved actions, never run from the scheduler.
package app

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"callaudit/internal/analysis"
	"callaudit/internal/config"
	"callaudit/internal/events"
	"callaudit/internal/httpx"
	"callaudit/internal/integrations/intent"
	slacknotify "callaudit/internal/integrations/slack"
	"callaudit/internal/integrations/tracestore"
	"callaudit/internal/observability/logging"
	"callaudit/internal/pacing"
	"callaudit/internal/storage/sqlite"
)

func Main() {
	cfg := config.LoadConfig()
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log := logging.WithComponent("app")

	appliedHTTPTimeout := httpx.ConfigureExternalHTTPClient(cfg.ExternalHTTPTimeoutSeconds)
	log.Info().
		Str("provider", cfg.LLMProvider).
		Int("tenants", len(cfg.Tenants)).
		Int("cacheTTLMinutes", cfg.CacheTTLMinutes).
		Int("pmsMinIntervalMs", cfg.PMSMinIntervalMS).
		Dur("externalHTTPTimeout", appliedHTTPTimeout).
		Msg("config loaded")

	db, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("opening database failed")
	}
	defer db.Close()
	log.Info().Str("path", cfg.DBPath).Msg("database initialized")

	traces := tracestore.NewClient(cfg.TraceStoreURL, cfg.TraceStorePublicKey, cfg.TraceStoreSecretKey)
	intents := intent.NewClassifier(cfg.LLMProvider, cfg.LLMModel, cfg.AnthropicAPIKey, cfg.OpenAIAPIKey, cfg.LLMTranscriptMaxChars)

	// One pacer for all PMS traffic keeps it strictly sequential across
	// verification and corrections alike.
	pacer := pacing.NewIntervalPacer(time.Duration(cfg.PMSMinIntervalMS) * time.Millisecond)
	service := analysis.NewService(cfg, db, traces, intents, pacer)

	publisher := events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer publisher.Close()
	notifier := slacknotify.New(cfg.SlackBotToken, cfg.SlackAlertChannel)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listener started")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("metrics listener failed")
		}
	}()

	StartSweepScheduler(cfg, SweepDeps{
		Sessions:  traces,
		Auditor:   service,
		Notifier:  notifier,
		Publisher: publisher,
	})

	log.Info().Msg("callaudit service started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("metrics listener shutdown failed")
	}
}
