// Package store persists application sessions, their journals and surface
// snapshots. Two backends satisfy schemas.SessionStore: a directory of files
// (the default) and a PostgreSQL mirror.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/api/schemas"
	"github.com/xkilldash9x/applypilot/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrSessionNotFound is returned when a session id is not in the store.
	ErrSessionNotFound = errors.New("store: session not found")
	// ErrTerminalSession is returned on any mutation of a completed or failed session.
	ErrTerminalSession = errors.New("store: session is in a terminal state")
	// ErrInvalidSession is returned when a session record is missing its id.
	ErrInvalidSession = errors.New("store: session has no id")
)

var (
	_ schemas.SessionStore = (*FileStore)(nil)
	_ schemas.SessionStore = (*PGStore)(nil)
)

// Open builds the backend selected by cfg. The returned close function
// releases backend resources and is never nil.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (schemas.SessionStore, func(), error) {
	switch cfg.Backend {
	case "", "file":
		fs, err := NewFileStore(afero.NewOsFs(), cfg.Dir, logger)
		if err != nil {
			return nil, func() {}, err
		}
		return fs, func() {}, nil
	case "postgres":
		pool, err := connectPool(ctx, cfg.Database.URL)
		if err != nil {
			return nil, func() {}, err
		}
		pg, err := NewPGStore(ctx, pool, logger)
		if err == nil {
			err = pg.Migrate(ctx)
		}
		if err != nil {
			pool.Close()
			return nil, func() {}, err
		}
		return pg, pool.Close, nil
	default:
		return nil, func() {}, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}

// keyedMutex hands out one mutex per session id, so writers of different
// sessions never contend.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func cloneSession(s *schemas.ApplicationSession) *schemas.ApplicationSession {
	if s == nil {
		return nil
	}
	c := *s
	c.Journal = nil
	if s.RecentActions != nil {
		c.RecentActions = append([]string(nil), s.RecentActions...)
	}
	return &c
}
