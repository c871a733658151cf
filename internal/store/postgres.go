package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/api/schemas"
	"github.com/xkilldash9x/applypilot/internal/journal"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT PRIMARY KEY,
    entry_point TEXT NOT NULL,
    status      TEXT NOT NULL,
    record      JSONB NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS session_journals (
    session_id TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
    run_id     TEXT NOT NULL,
    body       BYTEA NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS session_snapshots (
    session_id  TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
    body        JSONB NOT NULL,
    screenshot  BYTEA,
    captured_at TIMESTAMPTZ NOT NULL
);`

const (
	sqlLockSession = `SELECT status, created_at FROM sessions WHERE id = $1 FOR UPDATE`

	sqlUpsertSession = `
        INSERT INTO sessions (id, entry_point, status, record, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (id) DO UPDATE SET
            entry_point = EXCLUDED.entry_point,
            status = EXCLUDED.status,
            record = EXCLUDED.record,
            updated_at = EXCLUDED.updated_at;
    `
	sqlSelectSession = `SELECT record FROM sessions WHERE id = $1`
	sqlListSessions  = `SELECT record FROM sessions ORDER BY created_at ASC`

	sqlUpsertJournal = `
        INSERT INTO session_journals (session_id, run_id, body, updated_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (session_id) DO UPDATE SET
            run_id = EXCLUDED.run_id,
            body = EXCLUDED.body,
            updated_at = EXCLUDED.updated_at;
    `
	sqlSelectJournal = `SELECT body FROM session_journals WHERE session_id = $1`

	sqlUpsertSnapshot = `
        INSERT INTO session_snapshots (session_id, body, screenshot, captured_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (session_id) DO UPDATE SET
            body = EXCLUDED.body,
            screenshot = EXCLUDED.screenshot,
            captured_at = EXCLUDED.captured_at;
    `
	sqlSelectSnapshot = `SELECT body, screenshot FROM session_snapshots WHERE session_id = $1`
)

// PGStore mirrors the file layout in three tables. Journals are stored in
// their line encoding so both backends share one codec.
type PGStore struct {
	pool DBPool
	log  *zap.Logger
	now  func() time.Time
}

func connectPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	if url == "" {
		return nil, fmt.Errorf("store: postgres backend needs store.database.url")
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	return pool, nil
}

// NewPGStore creates a new store instance and verifies the connection.
func NewPGStore(ctx context.Context, pool DBPool, logger *zap.Logger) (*PGStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PGStore{
		pool: pool,
		log:  logger.Named("store").With(zap.String("backend", "postgres")),
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// Migrate creates the session tables when they are missing.
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction that first locks the session row. fn gets
// the stored creation time, or the zero time for a new session.
func (s *PGStore) withTx(ctx context.Context, id string, fn func(tx pgx.Tx, createdAt time.Time) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	var status string
	var createdAt time.Time
	err = tx.QueryRow(ctx, sqlLockSession, id).Scan(&status, &createdAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to lock session %s: %w", id, err)
	case schemas.SessionStatus(status).Terminal():
		return fmt.Errorf("%w: %s is %s", ErrTerminalSession, id, status)
	}

	if err := fn(tx, createdAt); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Save upserts the session record.
func (s *PGStore) Save(ctx context.Context, sess *schemas.ApplicationSession) error {
	if sess == nil || sess.ID == "" {
		return ErrInvalidSession
	}
	return s.withTx(ctx, sess.ID, func(tx pgx.Tx, createdAt time.Time) error {
		return s.upsertSession(ctx, tx, sess, createdAt)
	})
}

func (s *PGStore) upsertSession(ctx context.Context, tx pgx.Tx, sess *schemas.ApplicationSession, createdAt time.Time) error {
	record := cloneSession(sess)
	record.UpdatedAt = s.now()
	switch {
	case !createdAt.IsZero():
		record.CreatedAt = createdAt.UTC()
	case record.CreatedAt.IsZero():
		record.CreatedAt = record.UpdatedAt
	}
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", sess.ID, err)
	}
	if _, err := tx.Exec(ctx, sqlUpsertSession,
		record.ID, record.EntryPoint, string(record.Status), body,
		record.CreatedAt, record.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to upsert session %s: %w", sess.ID, err)
	}
	sess.CreatedAt, sess.UpdatedAt = record.CreatedAt, record.UpdatedAt
	return nil
}

// Get returns the session with its journal attached when one exists.
func (s *PGStore) Get(ctx context.Context, id string) (*schemas.ApplicationSession, error) {
	var body []byte
	if err := s.pool.QueryRow(ctx, sqlSelectSession, id).Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("failed to query session %s: %w", id, err)
	}
	var sess schemas.ApplicationSession
	if err := json.Unmarshal(body, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	j, err := s.LoadJournal(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Journal = j
	return &sess, nil
}

// List returns every session ordered by creation, without journals.
func (s *PGStore) List(ctx context.Context) ([]*schemas.ApplicationSession, error) {
	rows, err := s.pool.Query(ctx, sqlListSessions)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*schemas.ApplicationSession{}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		var sess schemas.ApplicationSession
		if err := json.Unmarshal(body, &sess); err != nil {
			return nil, fmt.Errorf("failed to decode session row: %w", err)
		}
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return sessions, nil
}

// SaveJournal replaces the stored journal of a session.
func (s *PGStore) SaveJournal(ctx context.Context, sessionID string, j *schemas.ActionJournal) error {
	return s.withTx(ctx, sessionID, func(tx pgx.Tx, _ time.Time) error {
		return s.upsertJournal(ctx, tx, sessionID, j)
	})
}

func (s *PGStore) upsertJournal(ctx context.Context, tx pgx.Tx, sessionID string, j *schemas.ActionJournal) error {
	body, err := journal.Encode(j)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, sqlUpsertJournal, sessionID, j.RunID, body, s.now()); err != nil {
		return fmt.Errorf("failed to upsert journal %s: %w", sessionID, err)
	}
	return nil
}

// LoadJournal returns nil without error when no journal exists.
func (s *PGStore) LoadJournal(ctx context.Context, sessionID string) (*schemas.ActionJournal, error) {
	var body []byte
	if err := s.pool.QueryRow(ctx, sqlSelectJournal, sessionID).Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query journal %s: %w", sessionID, err)
	}
	j, err := journal.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode journal %s: %w", sessionID, err)
	}
	return j, nil
}

// SaveSnapshot stores the snapshot with its screenshot inline.
func (s *PGStore) SaveSnapshot(ctx context.Context, sessionID string, snap *schemas.SurfaceSnapshot) error {
	if snap == nil {
		return fmt.Errorf("store: nil snapshot for %s", sessionID)
	}
	return s.withTx(ctx, sessionID, func(tx pgx.Tx, _ time.Time) error {
		return s.upsertSnapshot(ctx, tx, sessionID, snap)
	})
}

func (s *PGStore) upsertSnapshot(ctx context.Context, tx pgx.Tx, sessionID string, snap *schemas.SurfaceSnapshot) error {
	record := *snap
	record.SessionID = sessionID
	capturedAt := record.CapturedAt.UTC()
	if capturedAt.IsZero() {
		capturedAt = s.now()
		record.CapturedAt = capturedAt
	}
	body, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot %s: %w", sessionID, err)
	}
	if _, err := tx.Exec(ctx, sqlUpsertSnapshot, sessionID, body, snap.Screenshot, capturedAt); err != nil {
		return fmt.Errorf("failed to upsert snapshot %s: %w", sessionID, err)
	}
	return nil
}

// LoadSnapshot returns nil without error when no snapshot exists.
func (s *PGStore) LoadSnapshot(ctx context.Context, sessionID string) (*schemas.SurfaceSnapshot, error) {
	var body, screenshot []byte
	if err := s.pool.QueryRow(ctx, sqlSelectSnapshot, sessionID).Scan(&body, &screenshot); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query snapshot %s: %w", sessionID, err)
	}
	var snap schemas.SurfaceSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", sessionID, err)
	}
	snap.Screenshot = screenshot
	return &snap, nil
}

// Freeze writes the record, journal and snapshot in one transaction. The
// session row goes first so the child rows have their parent.
func (s *PGStore) Freeze(ctx context.Context, sess *schemas.ApplicationSession, j *schemas.ActionJournal, snap *schemas.SurfaceSnapshot) error {
	if sess == nil || sess.ID == "" {
		return ErrInvalidSession
	}
	if sess.Status == "" || sess.Status == schemas.StatusInProgress {
		sess.Status = schemas.StatusFrozen
	}
	err := s.withTx(ctx, sess.ID, func(tx pgx.Tx, createdAt time.Time) error {
		if err := s.upsertSession(ctx, tx, sess, createdAt); err != nil {
			return err
		}
		if j != nil {
			if err := s.upsertJournal(ctx, tx, sess.ID, j); err != nil {
				return err
			}
		}
		if snap != nil {
			if err := s.upsertSnapshot(ctx, tx, sess.ID, snap); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info("Session frozen.", zap.String("session_id", sess.ID), zap.String("status", string(sess.Status)))
	return nil
}
