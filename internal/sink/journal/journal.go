// Package journal persists transcripts to a SQLite database.
//
// Every pipeline run gets a sessions row; every utterance outcome (transcript,
// failure or drop) gets an utterances row. Retention is applied on open and
// on demand with [Journal.Prune].
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/npustt/internal/pipeline"
	"github.com/MrWong99/npustt/internal/sink"
)

// Config configures a [Journal].
type Config struct {
	// Path is the database file. Parent directories are created.
	Path string

	// RetentionDays deletes sessions older than this many days. 0 keeps
	// everything.
	RetentionDays int

	// MaxSessions keeps only the newest sessions. 0 means unlimited.
	MaxSessions int
}

// Session is one recorded pipeline run.
type Session struct {
	ID         string
	CreatedAt  time.Time
	Utterances int
}

// Journal is a SQLite-backed [pipeline.Sink]. It is safe for concurrent use.
type Journal struct {
	db    *sql.DB
	cfg   Config
	clock func() time.Time

	mu    sync.Mutex
	known map[string]bool
}

// Open opens or creates the journal at cfg.Path and prunes it.
func Open(ctx context.Context, cfg Config) (*Journal, error) {
	if cfg.Path == "" {
		return nil, errors.New("journal: path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: ping sqlite: %w", err)
	}

	j := &Journal{db: db, cfg: cfg, clock: time.Now, known: make(map[string]bool)}
	if err := j.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: init schema: %w", err)
	}
	if err := j.Prune(ctx); err != nil {
		slog.Warn("journal: prune on open failed", "path", cfg.Path, "err", err)
	}
	return j, nil
}

func (j *Journal) initSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS utterances (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    utterance_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    kind TEXT NOT NULL,
    text TEXT,
    start_ms INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    samples INTEGER NOT NULL,
    truncated INTEGER NOT NULL DEFAULT 0,
    inference_ms INTEGER,
    rtf REAL,
    error TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_utterances_session_seq ON utterances(session_id, seq);
`
	_, err := j.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Ping checks the database connection.
func (j *Journal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// Publish records ev.
func (j *Journal) Publish(ctx context.Context, ev pipeline.Event) error {
	if err := j.ensureSession(ctx, ev.SessionID); err != nil {
		return fmt.Errorf("journal: record session %s: %w", ev.SessionID, err)
	}
	m := sink.NewMessage(ev)
	if m.At.IsZero() {
		m.At = j.clock().UTC()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO utterances(session_id, utterance_id, seq, kind, text, start_ms, duration_ms, samples,
		                        truncated, inference_ms, rtf, error, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.SessionID, m.UtteranceID, m.Seq, m.Kind, m.Text, m.StartMs, m.DurationMs, m.Samples,
		m.Truncated, m.InferenceMs, m.RTF, m.Error, m.At)
	if err != nil {
		return fmt.Errorf("journal: record utterance %s: %w", m.UtteranceID, err)
	}
	return nil
}

func (j *Journal) ensureSession(ctx context.Context, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.known[id] {
		return nil
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, created_at) VALUES(?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		id, j.clock().UTC())
	if err != nil {
		return err
	}
	j.known[id] = true
	return nil
}

// Utterances returns up to limit records of a session in emission order. A
// non-positive limit defaults to 100.
func (j *Journal) Utterances(ctx context.Context, sessionID string, limit int) ([]sink.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT session_id, utterance_id, seq, kind, text, start_ms, duration_ms, samples,
		        truncated, inference_ms, rtf, error, created_at
		 FROM utterances WHERE session_id = ? ORDER BY seq ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: list utterances: %w", err)
	}
	defer rows.Close()

	var out []sink.Message
	for rows.Next() {
		var (
			m       sink.Message
			text    sql.NullString
			errText sql.NullString
			infer   sql.NullInt64
			rtf     sql.NullFloat64
		)
		if err := rows.Scan(&m.SessionID, &m.UtteranceID, &m.Seq, &m.Kind, &text, &m.StartMs, &m.DurationMs,
			&m.Samples, &m.Truncated, &infer, &rtf, &errText, &m.At); err != nil {
			return nil, fmt.Errorf("journal: scan utterance: %w", err)
		}
		m.Text = text.String
		m.Error = errText.String
		m.InferenceMs = infer.Int64
		m.RTF = rtf.Float64
		out = append(out, m)
	}
	return out, rows.Err()
}

// Sessions returns the newest sessions first, at most limit of them. A
// non-positive limit defaults to 20.
func (j *Journal) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT s.session_id, s.created_at, COUNT(u.id)
		 FROM sessions s LEFT JOIN utterances u ON u.session_id = s.session_id
		 GROUP BY s.session_id, s.created_at
		 ORDER BY s.created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.CreatedAt, &s.Utterances); err != nil {
			return nil, fmt.Errorf("journal: scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Prune applies the configured retention.
func (j *Journal) Prune(ctx context.Context) (err error) {
	if j.cfg.RetentionDays <= 0 && j.cfg.MaxSessions <= 0 {
		return nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if j.cfg.RetentionDays > 0 {
		cutoff := j.clock().Add(-time.Duration(j.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if j.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, j.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}

	// Pruned sessions are recreated on their next event.
	j.mu.Lock()
	clear(j.known)
	j.mu.Unlock()
	return nil
}

var _ pipeline.Sink = (*Journal)(nil)
