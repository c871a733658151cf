package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/api/schemas"
	"github.com/xkilldash9x/applypilot/internal/journal"
)

const (
	indexFile      = "sessions.json"
	screenshotsDir = "screenshots"
)

// FileStore keeps every session under a single directory:
//
//	sessions.json           index, a JSON array of session records
//	actions_<id>.ndjson     journal of the latest run
//	state_<id>.json         surface snapshot
//	screenshots/<id>.png    display screenshot of the snapshot
//
// Every write goes through a temp file and a rename.
type FileStore struct {
	fs     afero.Fs
	dir    string
	logger *zap.Logger
	now    func() time.Time

	// indexMu guards sessions.json, which every session shares.
	indexMu  sync.Mutex
	sessions *keyedMutex
}

// NewFileStore prepares dir on fs and returns a store rooted there.
func NewFileStore(fs afero.Fs, dir string, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("store: no directory configured")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := fs.MkdirAll(filepath.Join(dir, screenshotsDir), 0o755); err != nil {
		return nil, fmt.Errorf("store: create %s: %w", dir, err)
	}
	return &FileStore{
		fs:       fs,
		dir:      dir,
		logger:   logger.Named("store").With(zap.String("backend", "file")),
		now:      func() time.Time { return time.Now().UTC() },
		sessions: newKeyedMutex(),
	}, nil
}

func (f *FileStore) journalPath(id string) string {
	return JournalPath(f.dir, id)
}

// JournalPath is where a file store under dir keeps the journal of session
// id. Followers tail this file while a run is live.
func JournalPath(dir, id string) string {
	return filepath.Join(dir, "actions_"+id+".ndjson")
}

func (f *FileStore) snapshotPath(id string) string {
	return filepath.Join(f.dir, "state_"+id+".json")
}

func (f *FileStore) screenshotPath(id string) string {
	return filepath.Join(f.dir, screenshotsDir, id+".png")
}

// Save writes the session record into the index. CreatedAt is kept from the
// stored record and UpdatedAt is set to now.
func (f *FileStore) Save(ctx context.Context, s *schemas.ApplicationSession) error {
	if s == nil || s.ID == "" {
		return ErrInvalidSession
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := f.sessions.Lock(s.ID)
	defer unlock()
	return f.saveLocked(s)
}

func (f *FileStore) saveLocked(s *schemas.ApplicationSession) error {
	f.indexMu.Lock()
	defer f.indexMu.Unlock()

	index, err := f.readIndex()
	if err != nil {
		return err
	}
	record := cloneSession(s)
	record.UpdatedAt = f.now()
	found := false
	for i, existing := range index {
		if existing.ID != s.ID {
			continue
		}
		if existing.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrTerminalSession, s.ID, existing.Status)
		}
		if !existing.CreatedAt.IsZero() {
			record.CreatedAt = existing.CreatedAt
		}
		index[i] = record
		found = true
		break
	}
	if !found {
		if record.CreatedAt.IsZero() {
			record.CreatedAt = record.UpdatedAt
		}
		index = append(index, record)
	}
	if err := f.writeIndex(index); err != nil {
		return err
	}
	s.CreatedAt, s.UpdatedAt = record.CreatedAt, record.UpdatedAt
	f.logger.Debug("Session saved.", zap.String("session_id", s.ID), zap.String("status", string(s.Status)))
	return nil
}

// Get returns the session with its journal attached when one exists.
func (f *FileStore) Get(ctx context.Context, id string) (*schemas.ApplicationSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.indexMu.Lock()
	index, err := f.readIndex()
	f.indexMu.Unlock()
	if err != nil {
		return nil, err
	}
	for _, s := range index {
		if s.ID != id {
			continue
		}
		j, err := f.LoadJournal(ctx, id)
		if err != nil {
			return nil, err
		}
		s.Journal = j
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

// List returns the index records in insertion order, without journals.
func (f *FileStore) List(ctx context.Context) ([]*schemas.ApplicationSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.indexMu.Lock()
	defer f.indexMu.Unlock()
	return f.readIndex()
}

// SaveJournal replaces the stored journal of a session.
func (f *FileStore) SaveJournal(ctx context.Context, sessionID string, j *schemas.ActionJournal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := f.sessions.Lock(sessionID)
	defer unlock()
	if err := f.ensureMutable(sessionID); err != nil {
		return err
	}
	return f.saveJournalLocked(sessionID, j)
}

func (f *FileStore) saveJournalLocked(sessionID string, j *schemas.ActionJournal) error {
	data, err := journal.Encode(j)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(f.fs, f.journalPath(sessionID), data); err != nil {
		return fmt.Errorf("store: write journal %s: %w", sessionID, err)
	}
	if j.Dropped > 0 {
		f.logger.Warn("Journal persisted with dropped steps.", zap.String("session_id", sessionID), zap.Int("dropped", j.Dropped))
	}
	return nil
}

// LoadJournal returns nil without error when the session has no journal yet.
func (f *FileStore) LoadJournal(ctx context.Context, sessionID string) (*schemas.ActionJournal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(f.fs, f.journalPath(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read journal %s: %w", sessionID, err)
	}
	j, err := journal.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("store: decode journal %s: %w", sessionID, err)
	}
	if j.Dropped > 0 {
		f.logger.Warn("Skipped unreadable journal lines.", zap.String("session_id", sessionID), zap.Int("dropped", j.Dropped))
	}
	return j, nil
}

// SaveSnapshot writes the snapshot record and, when present, its screenshot.
func (f *FileStore) SaveSnapshot(ctx context.Context, sessionID string, snap *schemas.SurfaceSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := f.sessions.Lock(sessionID)
	defer unlock()
	if err := f.ensureMutable(sessionID); err != nil {
		return err
	}
	return f.saveSnapshotLocked(sessionID, snap)
}

func (f *FileStore) saveSnapshotLocked(sessionID string, snap *schemas.SurfaceSnapshot) error {
	if snap == nil {
		return fmt.Errorf("store: nil snapshot for %s", sessionID)
	}
	record := *snap
	record.SessionID = sessionID
	if len(snap.Screenshot) > 0 {
		path := f.screenshotPath(sessionID)
		if err := writeFileAtomic(f.fs, path, snap.Screenshot); err != nil {
			return fmt.Errorf("store: write screenshot %s: %w", sessionID, err)
		}
		record.ScreenshotPath = path
		snap.ScreenshotPath = path
	}
	data, err := json.MarshalIndent(&record, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode snapshot %s: %w", sessionID, err)
	}
	if err := writeFileAtomic(f.fs, f.snapshotPath(sessionID), data); err != nil {
		return fmt.Errorf("store: write snapshot %s: %w", sessionID, err)
	}
	return nil
}

// LoadSnapshot returns nil without error when no snapshot exists.
func (f *FileStore) LoadSnapshot(ctx context.Context, sessionID string) (*schemas.SurfaceSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(f.fs, f.snapshotPath(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read snapshot %s: %w", sessionID, err)
	}
	var snap schemas.SurfaceSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("store: decode snapshot %s: %w", sessionID, err)
	}
	return &snap, nil
}

// Freeze writes the snapshot, then the journal, then the record, all under
// the session's lock. The record is written last so a crash never leaves a
// frozen status without the state it refers to.
func (f *FileStore) Freeze(ctx context.Context, s *schemas.ApplicationSession, j *schemas.ActionJournal, snap *schemas.SurfaceSnapshot) error {
	if s == nil || s.ID == "" {
		return ErrInvalidSession
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := f.sessions.Lock(s.ID)
	defer unlock()
	if err := f.ensureMutable(s.ID); err != nil {
		return err
	}
	if snap != nil {
		if err := f.saveSnapshotLocked(s.ID, snap); err != nil {
			return err
		}
	}
	if j != nil {
		if err := f.saveJournalLocked(s.ID, j); err != nil {
			return err
		}
	}
	if s.Status == "" || s.Status == schemas.StatusInProgress {
		s.Status = schemas.StatusFrozen
	}
	if err := f.saveLocked(s); err != nil {
		return err
	}
	f.logger.Info("Session frozen.", zap.String("session_id", s.ID), zap.String("status", string(s.Status)), zap.Bool("snapshot", snap != nil))
	return nil
}

// ensureMutable rejects writes to a session whose stored record is terminal.
// A session not yet in the index is mutable.
func (f *FileStore) ensureMutable(id string) error {
	f.indexMu.Lock()
	defer f.indexMu.Unlock()
	index, err := f.readIndex()
	if err != nil {
		return err
	}
	for _, s := range index {
		if s.ID == id && s.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrTerminalSession, id, s.Status)
		}
	}
	return nil
}

func (f *FileStore) readIndex() ([]*schemas.ApplicationSession, error) {
	data, err := afero.ReadFile(f.fs, filepath.Join(f.dir, indexFile))
	if errors.Is(err, os.ErrNotExist) {
		return []*schemas.ApplicationSession{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read index: %w", err)
	}
	var index []*schemas.ApplicationSession
	if len(data) == 0 {
		return []*schemas.ApplicationSession{}, nil
	}
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("store: decode index: %w", err)
	}
	return index, nil
}

func (f *FileStore) writeIndex(index []*schemas.ApplicationSession) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode index: %w", err)
	}
	if err := writeFileAtomic(f.fs, filepath.Join(f.dir, indexFile), data); err != nil {
		return fmt.Errorf("store: write index: %w", err)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the target directory, syncs
// it and renames it over path.
func writeFileAtomic(fs afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	tmp, err := afero.TempFile(fs, dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		// No-op after a successful rename.
		_ = fs.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := fs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file to %s: %w", path, err)
	}
	return nil
}
