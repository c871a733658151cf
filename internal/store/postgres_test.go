package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/applypilot/api/schemas"
	"github.com/xkilldash9x/applypilot/internal/journal"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func newMockStore(t *testing.T, logger *zap.Logger) (*PGStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing().WillReturnError(nil)
	s, err := NewPGStore(context.Background(), mockPool, logger)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s, mockPool
}

func expectLock(mockPool pgxmock.PgxPoolIface, id string, status schemas.SessionStatus, createdAt time.Time) {
	q := mockPool.ExpectQuery(flexibleSQLMatcher(sqlLockSession)).WithArgs(id)
	if status == "" {
		q.WillReturnError(pgx.ErrNoRows)
		return
	}
	q.WillReturnRows(pgxmock.NewRows([]string{"status", "created_at"}).AddRow(string(status), createdAt))
}

func TestNewPGStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = NewPGStore(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should create tables on migrate", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS sessions")).
			WillReturnResult(pgxmock.NewResult("CREATE", 0))
		require.NoError(t, s.Migrate(context.Background()))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPGStoreSave(t *testing.T) {
	ctx := context.Background()

	t.Run("should insert a new session without rollback errors", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newMockStore(t, zap.New(observedZapCore))

		sess := newSession("s1")
		mockPool.ExpectBegin()
		expectLock(mockPool, "s1", "", time.Time{})
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertSession)).
			WithArgs("s1", sess.EntryPoint, "in_progress", pgxmock.AnyArg(), s.now(), s.now()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.Save(ctx, sess))
		assert.Equal(t, s.now(), sess.CreatedAt)
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, observedLogs.All(), "Expected no errors logged on successful commit")
	})

	t.Run("should keep the stored creation time", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		created := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

		mockPool.ExpectBegin()
		expectLock(mockPool, "s1", schemas.StatusFrozen, created)
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertSession)).
			WithArgs("s1", pgxmock.AnyArg(), "in_progress", pgxmock.AnyArg(), created, s.now()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		sess := newSession("s1")
		require.NoError(t, s.Save(ctx, sess))
		assert.Equal(t, created, sess.CreatedAt)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should reject a terminal session", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectBegin()
		expectLock(mockPool, "s1", schemas.StatusCompleted, time.Now())
		mockPool.ExpectRollback()

		err := s.Save(ctx, newSession("s1"))
		assert.ErrorIs(t, err, ErrTerminalSession)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should surface begin failures", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectBegin().WillReturnError(errors.New("pool exhausted"))

		err := s.Save(ctx, newSession("s1"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to begin transaction")
	})
}

func TestPGStoreGet(t *testing.T) {
	ctx := context.Background()

	t.Run("should attach the journal", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		record, err := json.Marshal(newSession("s1"))
		require.NoError(t, err)
		body, err := journal.Encode(sampleJournal())
		require.NoError(t, err)

		mockPool.ExpectQuery(regexp.QuoteMeta(sqlSelectSession)).WithArgs("s1").
			WillReturnRows(pgxmock.NewRows([]string{"record"}).AddRow(record))
		mockPool.ExpectQuery(regexp.QuoteMeta(sqlSelectJournal)).WithArgs("s1").
			WillReturnRows(pgxmock.NewRows([]string{"body"}).AddRow(body))

		got, err := s.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "Platform Engineer", got.Title)
		require.NotNil(t, got.Journal)
		assert.Len(t, got.Journal.Steps, 3)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should map missing rows to ErrSessionNotFound", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectQuery(regexp.QuoteMeta(sqlSelectSession)).WithArgs("nope").
			WillReturnError(pgx.ErrNoRows)

		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestPGStoreList(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	a, _ := json.Marshal(newSession("a"))
	b, _ := json.Marshal(newSession("b"))
	mockPool.ExpectQuery(regexp.QuoteMeta(sqlListSessions)).
		WillReturnRows(pgxmock.NewRows([]string{"record"}).AddRow(a).AddRow(b))

	list, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPGStoreSnapshot(t *testing.T) {
	ctx := context.Background()

	t.Run("missing snapshot is not an error", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectQuery(regexp.QuoteMeta(sqlSelectSnapshot)).WithArgs("s1").
			WillReturnError(pgx.ErrNoRows)

		snap, err := s.LoadSnapshot(ctx, "s1")
		require.NoError(t, err)
		assert.Nil(t, snap)
	})

	t.Run("screenshot is stored inline", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		snap := &schemas.SurfaceSnapshot{URL: "https://x.test/form", Screenshot: []byte("png")}

		mockPool.ExpectBegin()
		expectLock(mockPool, "s1", schemas.StatusInProgress, time.Now())
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertSnapshot)).
			WithArgs("s1", pgxmock.AnyArg(), []byte("png"), s.now()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)
		require.NoError(t, s.SaveSnapshot(ctx, "s1", snap))

		body, err := json.Marshal(&schemas.SurfaceSnapshot{SessionID: "s1", URL: snap.URL})
		require.NoError(t, err)
		mockPool.ExpectQuery(regexp.QuoteMeta(sqlSelectSnapshot)).WithArgs("s1").
			WillReturnRows(pgxmock.NewRows([]string{"body", "screenshot"}).AddRow(body, []byte("png")))

		got, err := s.LoadSnapshot(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, snap.URL, got.URL)
		assert.Equal(t, []byte("png"), got.Screenshot)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPGStoreFreeze(t *testing.T) {
	ctx := context.Background()
	s, mockPool := newMockStore(t, zap.NewNop())
	sess := newSession("s1")
	j := sampleJournal()

	mockPool.ExpectBegin()
	expectLock(mockPool, "s1", schemas.StatusInProgress, s.now())
	mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertSession)).
		WithArgs("s1", sess.EntryPoint, "frozen", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertJournal)).
		WithArgs("s1", j.RunID, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertSnapshot)).
		WithArgs("s1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectCommit()
	mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

	require.NoError(t, s.Freeze(ctx, sess, j, &schemas.SurfaceSnapshot{URL: "https://x.test"}))
	assert.Equal(t, schemas.StatusFrozen, sess.Status)
	assert.NoError(t, mockPool.ExpectationsWereMet())

	t.Run("rolls back when a write fails", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectBegin()
		expectLock(mockPool, "s1", "", time.Time{})
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertSession)).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertJournal)).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(errors.New("disk full"))
		mockPool.ExpectRollback()

		err := s.Freeze(ctx, newSession("s1"), sampleJournal(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}
