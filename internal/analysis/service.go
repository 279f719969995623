package analysis

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"callaudit/internal/config"
	"callaudit/internal/domain"
	"callaudit/internal/integrations/intent"
	"callaudit/internal/integrations/pms"
	"callaudit/internal/observability/logging"
	"callaudit/internal/observability/metrics"
	"callaudit/internal/pacing"
	"callaudit/internal/storage/sqlite"
)

// TraceSource is the slice of the trace-store client the service needs.
type TraceSource interface {
	GetSession(ctx context.Context, sessionID, configID string) (*domain.Session, error)
	ImportSessionTraces(ctx context.Context, sessionID, configID string) (*domain.Session, error)
}

// IntentClassifier abstracts the LLM-backed intent step so tests can run
// without a model behind them.
type IntentClassifier interface {
	ClassifyCallerIntent(ctx context.Context, turns []domain.ConversationTurn) (*domain.CallerIntent, intent.LLMUsage, error)
}

// Analysis is the full audit of one session.
type Analysis struct {
	SessionID  string                     `json:"sessionId"`
	TenantID   string                     `json:"tenantId,omitempty"`
	Transcript []domain.ConversationTurn  `json:"transcript"`
	Intent     *domain.CallerIntent       `json:"intent,omitempty"`
	ToolCalls  []domain.ToolCall          `json:"toolCalls"`
	Report     domain.CallReport          `json:"report"`
	Verdict    *domain.FulfillmentVerdict `json:"verdict,omitempty"`
	AnalyzedAt time.Time                  `json:"analyzedAt"`
	Cached     bool                       `json:"cached"`
}

type AnalyzeOptions struct {
	TenantID string
	Force    bool // bypass the cache and recompute
	Verify   bool // run fulfillment verification as part of the analysis
}

// Service runs the audit pipeline: fetch traces, reconstruct the
// transcript, classify intent, extract tool evidence, scan payloads,
// aggregate, compare, and optionally verify against the live PMS.
// Results are cached in SQLite for the configured TTL.
type Service struct {
	cfg      config.Config
	db       *sql.DB
	traces   TraceSource
	intents  IntentClassifier
	cacheTTL time.Duration
	log      zerolog.Logger

	// newReader builds the PMS reader for a tenant; swapped in tests.
	newReader func(config.TenantConfig) RecordReader
}

// NewService wires the pipeline. The pacer is shared with the correction
// workflow so all PMS traffic stays on one sequential schedule.
func NewService(cfg config.Config, db *sql.DB, traces TraceSource, intents IntentClassifier, pacer pacing.Pacer) *Service {
	s := &Service{
		cfg:      cfg,
		db:       db,
		traces:   traces,
		intents:  intents,
		cacheTTL: time.Duration(cfg.CacheTTLMinutes) * time.Minute,
		log:      logging.WithComponent("analysis"),
	}
	s.newReader = func(t config.TenantConfig) RecordReader {
		if !t.ReadSupported() {
			return nil
		}
		return pms.NewClient(t, pacer)
	}
	return s
}

// Analyze audits one session. A cached result younger than the TTL is
// returned as stored unless opts.Force is set.
func (s *Service) Analyze(ctx context.Context, sessionID string, opts AnalyzeOptions) (*Analysis, error) {
	start := time.Now()

	tenant, err := s.resolveTenant(opts.TenantID)
	if err != nil {
		return nil, err
	}

	if !opts.Force {
		cached, ok, err := s.cachedAnalysis(sessionID)
		if err != nil {
			s.log.Error().Err(err).Str("sessionId", sessionID).Msg("cache read failed, recomputing")
		} else if ok {
			metrics.DefaultMetrics.RecordAnalysis(true, time.Since(start).Seconds())
			return cached, nil
		}
	}

	session, err := s.loadSession(ctx, sessionID, tenant)
	if err != nil {
		return nil, err
	}

	turns := ReconstructTranscript(session, NewNoiseFilter(s.cfg.NoiseObservations))
	toolCalls := ExtractToolCalls(sessionObservations(session), s.cfg.ToolsForTenant(tenant.ID))
	findings := ScanPayloads(session)
	metrics.DefaultMetrics.RecordPayloadFindings(len(findings))

	var analysisErrors []string

	// Intent is advisory: a model outage degrades the analysis, it does
	// not abort it.
	var callerIntent *domain.CallerIntent
	if s.intents != nil {
		classified, usage, err := s.intents.ClassifyCallerIntent(ctx, turns)
		if err != nil {
			s.log.Warn().Err(err).Str("sessionId", sessionID).Msg("intent classification unavailable")
			analysisErrors = append(analysisErrors, "intent classification unavailable: "+err.Error())
		} else {
			callerIntent = intent.EnhanceIntentWithObservations(classified, toolCalls)
			s.log.Debug().
				Str("sessionId", sessionID).
				Str("intent", callerIntent.Type).
				Int64("tokens", usage.TotalTokens()).
				Msg("intent classified")
		}
	}

	fallback, err := s.fallbackResults(sessionID)
	if err != nil {
		s.log.Error().Err(err).Str("sessionId", sessionID).Msg("loading confirmed records failed")
		analysisErrors = append(analysisErrors, "confirmed-record fallback unavailable: "+err.Error())
	}

	report := BuildCallReport(session, turns, toolCalls, findings, fallback)
	report.Discrepancies = append(report.Discrepancies, CompareIntent(callerIntent, &report, session.CreatedAt)...)
	report.Errors = append(report.Errors, analysisErrors...)

	a := &Analysis{
		SessionID:  session.ID,
		TenantID:   tenant.ID,
		Transcript: turns,
		Intent:     callerIntent,
		ToolCalls:  toolCalls,
		Report:     report,
		AnalyzedAt: time.Now().UTC(),
	}

	if opts.Verify {
		verdict := s.runVerification(ctx, tenant, sessionID, &a.Report, callerIntent)
		a.Verdict = &verdict
	}

	// Cache failures degrade to uncached operation.
	if err := s.persist(a); err != nil {
		s.log.Error().Err(err).Str("sessionId", sessionID).Msg("caching analysis failed")
	}

	metrics.DefaultMetrics.RecordAnalysis(false, time.Since(start).Seconds())
	s.log.Info().
		Str("sessionId", sessionID).
		Str("tenantId", tenant.ID).
		Str("bookingOverall", report.BookingOverall).
		Int("toolCalls", len(toolCalls)).
		Int("payloadFindings", len(findings)).
		Msg("session analyzed")
	return a, nil
}

// Verify checks booked claims against the live PMS, reusing the cached
// analysis when fresh. The verdict is attached to the stored analysis.
func (s *Service) Verify(ctx context.Context, sessionID string, opts AnalyzeOptions) (*domain.FulfillmentVerdict, error) {
	tenant, err := s.resolveTenant(opts.TenantID)
	if err != nil {
		return nil, err
	}

	a, err := s.Analyze(ctx, sessionID, AnalyzeOptions{TenantID: opts.TenantID, Force: opts.Force})
	if err != nil {
		return nil, err
	}

	verdict := s.runVerification(ctx, tenant, sessionID, &a.Report, a.Intent)

	verdictJSON, err := json.Marshal(verdict)
	if err != nil {
		return nil, fmt.Errorf("encoding verdict: %w", err)
	}
	if err := sqlite.UpdateSessionVerification(s.db, sessionID, string(verdictJSON), verdict.VerifiedAt); err != nil {
		s.log.Error().Err(err).Str("sessionId", sessionID).Msg("storing verdict failed")
	}

	return &verdict, nil
}

// Investigate classifies a session's booking claims without the full
// analysis pipeline: no transcript, no intent, no cache.
func (s *Service) Investigate(ctx context.Context, sessionID string, opts AnalyzeOptions) (domain.InvestigationResult, error) {
	tenant, err := s.resolveTenant(opts.TenantID)
	if err != nil {
		return domain.InvestigationResult{}, err
	}

	session, err := s.loadSession(ctx, sessionID, tenant)
	if err != nil {
		return domain.InvestigationResult{}, err
	}

	toolCalls := ExtractToolCalls(sessionObservations(session), s.cfg.ToolsForTenant(tenant.ID))
	findings := ScanPayloads(session)

	result := Investigate(sessionID, toolCalls, findings)
	metrics.DefaultMetrics.RecordClassification(result.Classification)
	s.log.Info().
		Str("sessionId", sessionID).
		Str("classification", result.Classification).
		Bool("hasBookingTool", result.HasBookingTool).
		Msg("session investigated")
	return result, nil
}

func (s *Service) resolveTenant(id string) (config.TenantConfig, error) {
	tenant, ok := s.cfg.Tenant(id)
	if !ok {
		if id == "" {
			// No tenants declared at all: analysis still works with the
			// global tool set and no live PMS.
			return config.TenantConfig{}, nil
		}
		return config.TenantConfig{}, fmt.Errorf("%w: %s", domain.ErrUnsupportedTenant, id)
	}
	return tenant, nil
}

// loadSession fetches the session, asking the trace source to re-import
// from the agent runtime when it has not ingested the session yet.
func (s *Service) loadSession(ctx context.Context, sessionID string, tenant config.TenantConfig) (*domain.Session, error) {
	session, err := s.traces.GetSession(ctx, sessionID, tenant.TraceConfigID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		s.log.Info().Str("sessionId", sessionID).Msg("session not in trace store, importing")
		session, err = s.traces.ImportSessionTraces(ctx, sessionID, tenant.TraceConfigID)
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Service) runVerification(ctx context.Context, tenant config.TenantConfig, sessionID string, report *domain.CallReport, callerIntent *domain.CallerIntent) domain.FulfillmentVerdict {
	start := time.Now()
	verdict, confirmed := VerifyFulfillment(ctx, report, callerIntent, s.newReader(tenant))
	metrics.DefaultMetrics.RecordVerification(verdict.Status, time.Since(start).Seconds())

	if len(confirmed) > 0 {
		records := make([]sqlite.ConfirmedRecord, 0, len(confirmed))
		for _, c := range confirmed {
			records = append(records, sqlite.ConfirmedRecord{
				SessionID:   sessionID,
				RecordKind:  c.RecordKind,
				IDKind:      c.ID.Kind,
				RecordID:    c.ID.Value,
				ChildName:   c.ChildName,
				Slot:        c.Slot,
				ConfirmedAt: verdict.VerifiedAt,
			})
		}
		if _, err := sqlite.InsertConfirmedRecords(s.db, records); err != nil {
			s.log.Error().Err(err).Str("sessionId", sessionID).Msg("persisting confirmed records failed")
			verdict.Errors = append(verdict.Errors, "persisting confirmed records: "+err.Error())
		}
	}

	s.log.Info().
		Str("sessionId", sessionID).
		Str("status", verdict.Status).
		Int("claims", len(verdict.Claims)).
		Msg("fulfillment verified")
	return verdict
}

// fallbackResults loads previously confirmed appointment records as tier-3
// booking evidence. Patient-kind confirmations fill in patient ids on
// matching children but never create results of their own.
func (s *Service) fallbackResults(sessionID string) ([]domain.BookingResult, error) {
	records, err := sqlite.GetConfirmedRecords(s.db, sessionID)
	if err != nil {
		return nil, err
	}

	var out []domain.BookingResult
	for _, rec := range records {
		if rec.RecordKind != "appointment" {
			continue
		}
		out = append(out, domain.BookingResult{
			ChildName:     rec.ChildName,
			AppointmentID: rec.RecordID,
			Slot:          rec.Slot,
			Booked:        true,
			Attempted:     true,
			Source:        domain.EvidenceFallback,
		})
	}
	for _, rec := range records {
		if rec.RecordKind != "patient" {
			continue
		}
		for i := range out {
			if out[i].PatientID == "" && nameMatches(out[i].ChildName, rec.ChildName) {
				out[i].PatientID = rec.RecordID
			}
		}
	}
	return out, nil
}

func (s *Service) cachedAnalysis(sessionID string) (*Analysis, bool, error) {
	row, found, err := sqlite.GetSessionAnalysis(s.db, sessionID)
	if err != nil || !found {
		return nil, false, err
	}
	if time.Since(row.AnalyzedAt) >= s.cacheTTL {
		return nil, false, nil
	}
	a, err := decodeAnalysisRow(row)
	if err != nil {
		return nil, false, fmt.Errorf("decoding cached analysis: %w", err)
	}
	a.Cached = true
	return a, true, nil
}

func (s *Service) persist(a *Analysis) error {
	row := sqlite.SessionAnalysisRow{
		SessionID:  a.SessionID,
		TenantID:   a.TenantID,
		AnalyzedAt: a.AnalyzedAt,
	}
	if a.Verdict != nil {
		row.VerifiedAt = a.Verdict.VerifiedAt
	}

	var err error
	if row.TranscriptJSON, err = marshalColumn(a.Transcript); err != nil {
		return err
	}
	if row.IntentJSON, err = marshalColumn(a.Intent); err != nil {
		return err
	}
	if row.ToolCallsJSON, err = marshalColumn(a.ToolCalls); err != nil {
		return err
	}
	if row.ReportJSON, err = marshalColumn(a.Report); err != nil {
		return err
	}
	if row.VerdictJSON, err = marshalColumn(a.Verdict); err != nil {
		return err
	}
	return sqlite.UpsertSessionAnalysis(s.db, row)
}

func decodeAnalysisRow(row sqlite.SessionAnalysisRow) (*Analysis, error) {
	a := &Analysis{
		SessionID:  row.SessionID,
		TenantID:   row.TenantID,
		AnalyzedAt: row.AnalyzedAt,
	}
	if err := json.Unmarshal([]byte(row.TranscriptJSON), &a.Transcript); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(row.IntentJSON), &a.Intent); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(row.ToolCallsJSON), &a.ToolCalls); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(row.ReportJSON), &a.Report); err != nil {
		return nil, err
	}
	if row.VerdictJSON != "" {
		if err := json.Unmarshal([]byte(row.VerdictJSON), &a.Verdict); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func marshalColumn(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func sessionObservations(session *domain.Session) []domain.Observation {
	var out []domain.Observation
	for _, trace := range session.Traces {
		out = append(out, trace.Observations...)
	}
	return out
}
