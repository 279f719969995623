package sqlite

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"callaudit/internal/domain"
)

func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS session_analyses (
		session_id      TEXT PRIMARY KEY,
		tenant_id       TEXT DEFAULT '',
		transcript_json TEXT DEFAULT '',
		intent_json     TEXT DEFAULT '',
		tool_calls_json TEXT DEFAULT '',
		report_json     TEXT DEFAULT '',
		verdict_json    TEXT DEFAULT '',
		analyzed_at     DATETIME NOT NULL,
		verified_at     DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_sa_analyzed_at ON session_analyses(analyzed_at);

	CREATE TABLE IF NOT EXISTS booking_corrections (
		id                    TEXT PRIMARY KEY,
		session_id            TEXT NOT NULL,
		tenant_id             TEXT DEFAULT '',
		action                TEXT NOT NULL,
		patient_id            TEXT DEFAULT '',
		before_appointment_id TEXT DEFAULT '',
		after_appointment_id  TEXT DEFAULT '',
		slot                  TEXT DEFAULT '',
		outcome               TEXT NOT NULL,
		error                 TEXT DEFAULT '',
		created_at            DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_bc_session ON booking_corrections(session_id);
	CREATE INDEX IF NOT EXISTS idx_bc_date ON booking_corrections(created_at);

	CREATE TABLE IF NOT EXISTS confirmed_records (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id   TEXT NOT NULL,
		record_kind  TEXT NOT NULL,
		id_kind      TEXT NOT NULL,
		record_id    TEXT NOT NULL,
		child_name   TEXT DEFAULT '',
		slot         TEXT DEFAULT '',
		confirmed_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_cr_unique ON confirmed_records(session_id, record_kind, record_id);
	`
	_, err = db.Exec(schema)
	if err != nil {
		return nil, err
	}

	// Migration: add actor column if missing.
	var colCount int
	_ = db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('booking_corrections') WHERE name = 'actor'`).Scan(&colCount)
	if colCount == 0 {
		_, _ = db.Exec(`ALTER TABLE booking_corrections ADD COLUMN actor TEXT DEFAULT ''`)
	}

	return db, nil
}

// --- Session Analyses ---

// SessionAnalysisRow is the cached analysis for one session. The JSON
// columns hold the serialized payloads exactly as first computed, so a
// cached read returns byte-identical results.
type SessionAnalysisRow struct {
	SessionID      string
	TenantID       string
	TranscriptJSON string
	IntentJSON     string
	ToolCallsJSON  string
	ReportJSON     string
	VerdictJSON    string
	AnalyzedAt     time.Time
	VerifiedAt     time.Time // zero when never verified
}

// UpsertSessionAnalysis writes the row for its session, replacing any
// previous one. Last writer wins.
func UpsertSessionAnalysis(db *sql.DB, row SessionAnalysisRow) error {
	_, err := db.Exec(
		`INSERT INTO session_analyses
		 (session_id, tenant_id, transcript_json, intent_json, tool_calls_json, report_json, verdict_json, analyzed_at, verified_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   tenant_id = excluded.tenant_id,
		   transcript_json = excluded.transcript_json,
		   intent_json = excluded.intent_json,
		   tool_calls_json = excluded.tool_calls_json,
		   report_json = excluded.report_json,
		   verdict_json = excluded.verdict_json,
		   analyzed_at = excluded.analyzed_at,
		   verified_at = excluded.verified_at`,
		row.SessionID, row.TenantID, row.TranscriptJSON, row.IntentJSON,
		row.ToolCallsJSON, row.ReportJSON, row.VerdictJSON,
		row.AnalyzedAt, nullableTime(row.VerifiedAt),
	)
	return err
}

func GetSessionAnalysis(db *sql.DB, sessionID string) (SessionAnalysisRow, bool, error) {
	var row SessionAnalysisRow
	var verifiedAt sql.NullTime
	err := db.QueryRow(
		`SELECT session_id, tenant_id, transcript_json, intent_json, tool_calls_json, report_json, verdict_json, analyzed_at, verified_at
		 FROM session_analyses WHERE session_id = ?`,
		sessionID,
	).Scan(
		&row.SessionID, &row.TenantID, &row.TranscriptJSON, &row.IntentJSON,
		&row.ToolCallsJSON, &row.ReportJSON, &row.VerdictJSON,
		&row.AnalyzedAt, &verifiedAt,
	)
	if err == sql.ErrNoRows {
		return SessionAnalysisRow{}, false, nil
	}
	if err != nil {
		return SessionAnalysisRow{}, false, err
	}
	if verifiedAt.Valid {
		row.VerifiedAt = verifiedAt.Time
	}
	return row, true, nil
}

// UpdateSessionVerification attaches a verdict to an existing analysis row
// without touching the analysis columns.
func UpdateSessionVerification(db *sql.DB, sessionID, verdictJSON string, verifiedAt time.Time) error {
	_, err := db.Exec(
		`UPDATE session_analyses SET verdict_json = ?, verified_at = ? WHERE session_id = ?`,
		verdictJSON, verifiedAt, sessionID,
	)
	return err
}

func DeleteSessionAnalysis(db *sql.DB, sessionID string) error {
	_, err := db.Exec(`DELETE FROM session_analyses WHERE session_id = ?`, sessionID)
	return err
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// --- Booking Corrections ---

// InsertBookingCorrection appends one audit row. There is deliberately no
// update or delete for this table.
func InsertBookingCorrection(db *sql.DB, c domain.BookingCorrection) error {
	_, err := db.Exec(
		`INSERT INTO booking_corrections
		 (id, session_id, tenant_id, action, patient_id, before_appointment_id, after_appointment_id, slot, outcome, error, actor, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, c.TenantID, c.Action, c.PatientID,
		c.BeforeAppointmentID, c.AfterAppointmentID, c.Slot,
		c.Outcome, c.Error, c.Actor, c.CreatedAt,
	)
	return err
}

func GetCorrectionsBySession(db *sql.DB, sessionID string) ([]domain.BookingCorrection, error) {
	rows, err := db.Query(
		`SELECT id, session_id, tenant_id, action, patient_id, before_appointment_id, after_appointment_id, slot, outcome, error, actor, created_at
		 FROM booking_corrections
		 WHERE session_id = ?
		 ORDER BY created_at DESC, id DESC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.BookingCorrection
	for rows.Next() {
		var c domain.BookingCorrection
		if err := rows.Scan(
			&c.ID, &c.SessionID, &c.TenantID, &c.Action, &c.PatientID,
			&c.BeforeAppointmentID, &c.AfterAppointmentID, &c.Slot,
			&c.Outcome, &c.Error, &c.Actor, &c.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func CountCorrectionsByOutcome(db *sql.DB, since time.Time) (map[string]int, error) {
	rows, err := db.Query(
		`SELECT outcome, COUNT(*) FROM booking_corrections
		 WHERE created_at >= ?
		 GROUP BY outcome`,
		since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

// --- Confirmed Records ---

// ConfirmedRecord is one externally verified record, kept as tier-3
// booking evidence for later re-analysis of the same session.
type ConfirmedRecord struct {
	ID          int64
	SessionID   string
	RecordKind  string // "appointment" or "patient"
	IDKind      string // "guid" or "integer"
	RecordID    string
	ChildName   string
	Slot        string
	ConfirmedAt time.Time
}

func InsertConfirmedRecords(db *sql.DB, records []ConfirmedRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT OR IGNORE INTO confirmed_records
		 (session_id, record_kind, id_kind, record_id, child_name, slot)
		 VALUES (?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, r := range records {
		res, err := stmt.Exec(r.SessionID, r.RecordKind, r.IDKind, r.RecordID, r.ChildName, r.Slot)
		if err != nil {
			return inserted, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	return inserted, tx.Commit()
}

func GetConfirmedRecords(db *sql.DB, sessionID string) ([]ConfirmedRecord, error) {
	rows, err := db.Query(
		`SELECT id, session_id, record_kind, id_kind, record_id, child_name, slot, confirmed_at
		 FROM confirmed_records
		 WHERE session_id = ?
		 ORDER BY confirmed_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConfirmedRecord
	for rows.Next() {
		var r ConfirmedRecord
		if err := rows.Scan(
			&r.ID, &r.SessionID, &r.RecordKind, &r.IDKind, &r.RecordID,
			&r.ChildName, &r.Slot, &r.ConfirmedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
