// Package pgjournal persists transcripts to PostgreSQL.
//
// It stores the same sessions and utterances as the SQLite journal, for
// deployments where several transcribers share one database. All operations
// go through a single [pgxpool.Pool] and are safe for concurrent use.
//
// Usage:
//
//	j, err := pgjournal.Open(ctx, pgjournal.Config{DSN: dsn, RetentionDays: 30})
//	if err != nil { … }
//	defer j.Close()
package pgjournal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/npustt/internal/pipeline"
	"github.com/MrWong99/npustt/internal/sink"
	"github.com/MrWong99/npustt/internal/sink/journal"
)

var _ pipeline.Sink = (*Journal)(nil)

const ddl = `
CREATE TABLE IF NOT EXISTS stt_sessions (
    session_id  TEXT         PRIMARY KEY,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS stt_utterances (
    id            BIGSERIAL    PRIMARY KEY,
    session_id    TEXT         NOT NULL REFERENCES stt_sessions (session_id) ON DELETE CASCADE,
    utterance_id  TEXT         NOT NULL,
    seq           BIGINT       NOT NULL,
    kind          TEXT         NOT NULL,
    text          TEXT         NOT NULL DEFAULT '',
    start_ms      BIGINT       NOT NULL,
    duration_ms   BIGINT       NOT NULL,
    samples       INTEGER      NOT NULL,
    truncated     BOOLEAN      NOT NULL DEFAULT false,
    inference_ms  BIGINT       NOT NULL DEFAULT 0,
    rtf           DOUBLE PRECISION NOT NULL DEFAULT 0,
    error         TEXT         NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_stt_utterances_session_seq
    ON stt_utterances (session_id, seq);

CREATE INDEX IF NOT EXISTS idx_stt_sessions_created_at
    ON stt_sessions (created_at);
`

// Config configures a [Journal].
type Config struct {
	// DSN is a PostgreSQL connection string.
	DSN string

	// RetentionDays deletes sessions older than this many days. 0 keeps
	// everything.
	RetentionDays int

	// MaxSessions keeps only the newest sessions. 0 means unlimited.
	MaxSessions int
}

// Journal is a PostgreSQL-backed [pipeline.Sink].
type Journal struct {
	pool *pgxpool.Pool
	cfg  Config

	mu    sync.Mutex
	known map[string]bool
}

// Open connects to cfg.DSN, creates the tables if needed and prunes.
func Open(ctx context.Context, cfg Config) (*Journal, error) {
	if cfg.DSN == "" {
		return nil, errors.New("pgjournal: dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgjournal: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("pgjournal: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgjournal: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgjournal: migrate: %w", err)
	}

	j := &Journal{pool: pool, cfg: cfg, known: make(map[string]bool)}
	if err := j.Prune(ctx); err != nil {
		slog.Warn("pgjournal: prune on open failed", "err", err)
	}
	return j, nil
}

// Close releases all pooled connections.
func (j *Journal) Close() error {
	j.pool.Close()
	return nil
}

// Ping checks that the database answers.
func (j *Journal) Ping(ctx context.Context) error {
	return j.pool.Ping(ctx)
}

// Publish records ev.
func (j *Journal) Publish(ctx context.Context, ev pipeline.Event) error {
	if err := j.ensureSession(ctx, ev.SessionID); err != nil {
		return fmt.Errorf("pgjournal: record session %s: %w", ev.SessionID, err)
	}
	m := sink.NewMessage(ev)
	if m.At.IsZero() {
		m.At = time.Now().UTC()
	}
	const q = `
		INSERT INTO stt_utterances
		    (session_id, utterance_id, seq, kind, text, start_ms, duration_ms, samples,
		     truncated, inference_ms, rtf, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := j.pool.Exec(ctx, q,
		m.SessionID, m.UtteranceID, m.Seq, m.Kind, m.Text, m.StartMs, m.DurationMs, m.Samples,
		m.Truncated, m.InferenceMs, m.RTF, m.Error, m.At,
	)
	if err != nil {
		return fmt.Errorf("pgjournal: record utterance %s: %w", m.UtteranceID, err)
	}
	return nil
}

func (j *Journal) ensureSession(ctx context.Context, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.known[id] {
		return nil
	}
	_, err := j.pool.Exec(ctx,
		`INSERT INTO stt_sessions (session_id) VALUES ($1) ON CONFLICT (session_id) DO NOTHING`, id)
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
	const q = `
		SELECT session_id, utterance_id, seq, kind, text, start_ms, duration_ms, samples,
		       truncated, inference_ms, rtf, error, created_at
		FROM   stt_utterances
		WHERE  session_id = $1
		ORDER  BY seq
		LIMIT  $2`

	rows, err := j.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("pgjournal: list utterances: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (sink.Message, error) {
		var m sink.Message
		err := row.Scan(&m.SessionID, &m.UtteranceID, &m.Seq, &m.Kind, &m.Text, &m.StartMs, &m.DurationMs,
			&m.Samples, &m.Truncated, &m.InferenceMs, &m.RTF, &m.Error, &m.At)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("pgjournal: scan utterances: %w", err)
	}
	return msgs, nil
}

// Sessions returns the newest sessions first, at most limit of them. A
// non-positive limit defaults to 20.
func (j *Journal) Sessions(ctx context.Context, limit int) ([]journal.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
		SELECT s.session_id, s.created_at, COUNT(u.id)
		FROM   stt_sessions s
		LEFT   JOIN stt_utterances u ON u.session_id = s.session_id
		GROUP  BY s.session_id, s.created_at
		ORDER  BY s.created_at DESC
		LIMIT  $1`

	rows, err := j.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("pgjournal: list sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (journal.Session, error) {
		var (
			s     journal.Session
			count int64
		)
		err := row.Scan(&s.ID, &s.CreatedAt, &count)
		s.Utterances = int(count)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("pgjournal: scan sessions: %w", err)
	}
	return sessions, nil
}

// Prune applies the configured retention in one transaction.
func (j *Journal) Prune(ctx context.Context) error {
	if j.cfg.RetentionDays <= 0 && j.cfg.MaxSessions <= 0 {
		return nil
	}
	err := pgx.BeginFunc(ctx, j.pool, func(tx pgx.Tx) error {
		if j.cfg.RetentionDays > 0 {
			_, err := tx.Exec(ctx,
				`DELETE FROM stt_sessions WHERE created_at < now() - make_interval(days => $1)`,
				j.cfg.RetentionDays)
			if err != nil {
				return err
			}
		}
		if j.cfg.MaxSessions > 0 {
			_, err := tx.Exec(ctx, `
				DELETE FROM stt_sessions WHERE session_id IN (
				    SELECT session_id FROM stt_sessions ORDER BY created_at DESC OFFSET $1
				)`, j.cfg.MaxSessions)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("pgjournal: prune: %w", err)
	}

	j.mu.Lock()
	clear(j.known)
	j.mu.Unlock()
	return nil
}
