// Package store persists DownloadSession and RetentionMeta records as
// JSON files under one directory per download, and reconciles them on
// process startup.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/jmylchreest/hlsvault/internal/models"
	"github.com/jmylchreest/hlsvault/internal/storage"
)

// Index is the optional read-model index a Store mirrors writes into,
// satisfied by *repository.sessionIndexRepo. A nil index is a no-op;
// the JSON files on disk remain the sole source of truth regardless.
type Index interface {
	Upsert(ctx context.Context, session *models.DownloadSession) error
	Delete(ctx context.Context, id models.ULID) error
}

const (
	sessionFileName   = "session.json"
	retentionFileName = "retention.json"
)

// Store is the persisted record of truth for every download session. It
// is safe for concurrent use; every session has its own mutex so one
// slow write never blocks operations on a different session.
type Store struct {
	sandbox *storage.Sandbox
	logger  *slog.Logger
	index   Index

	mu    sync.Mutex // guards locks and cache
	locks map[string]*sync.Mutex
	cache map[string]*models.DownloadSession
}

// SetIndex attaches the optional read-model index. Subsequent writes
// mirror into it from inside the same per-session critical section as
// the JSON write, after the JSON write succeeds.
func (s *Store) SetIndex(index Index) {
	s.index = index
}

// New creates a Store rooted at downloadsDir, creating it if necessary.
func New(downloadsDir string, logger *slog.Logger) (*Store, error) {
	sandbox, err := storage.NewSandbox(downloadsDir)
	if err != nil {
		return nil, fmt.Errorf("initializing session store: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sandbox: sandbox,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
		cache:   make(map[string]*models.DownloadSession),
	}, nil
}

// BaseDir returns the absolute downloads directory.
func (s *Store) BaseDir() string {
	return s.sandbox.BaseDir()
}

// SessionDir returns the relative directory for a session's files, e.g.
// for use by other components needing the init/segment file paths.
func (s *Store) SessionDir(id models.ULID) string {
	return id.String()
}

func (s *Store) sessionPath(id models.ULID) string {
	return path.Join(id.String(), sessionFileName)
}

func (s *Store) retentionPath(id models.ULID) string {
	return path.Join(id.String(), retentionFileName)
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Create persists a brand-new session.
func (s *Store) Create(session *models.DownloadSession) error {
	id := session.ID.String()
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := s.persist(session); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[id] = session
	s.mu.Unlock()
	s.indexUpsert(session)
	return nil
}

// Get returns the session for id, reading from the in-memory cache if
// present, else from disk.
func (s *Store) Get(id models.ULID) (*models.DownloadSession, error) {
	key := id.String()
	s.mu.Lock()
	cached, ok := s.cache[key]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}
	return s.load(id)
}

func (s *Store) load(id models.ULID) (*models.DownloadSession, error) {
	data, err := s.sandbox.ReadFile(s.sessionPath(id))
	if err != nil {
		return nil, models.ErrSessionNotFound
	}
	var session models.DownloadSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", id, err)
	}
	s.mu.Lock()
	s.cache[key(id)] = &session
	s.mu.Unlock()
	return &session, nil
}

func key(id models.ULID) string { return id.String() }

// Update applies fn to the current session under its per-session mutex,
// then persists the result atomically. fn mutates the session in place.
func (s *Store) Update(id models.ULID, fn func(*models.DownloadSession) error) (*models.DownloadSession, error) {
	lock := s.lockFor(id.String())
	lock.Lock()
	defer lock.Unlock()

	session, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if err := fn(session); err != nil {
		return nil, err
	}
	if err := s.persist(session); err != nil {
		return nil, err
	}
	s.indexUpsert(session)
	return session, nil
}

// indexUpsert mirrors session into the optional read-model index,
// logging rather than failing the caller if the index write errors —
// the JSON file already succeeded and remains authoritative.
func (s *Store) indexUpsert(session *models.DownloadSession) {
	if s.index == nil {
		return
	}
	if err := s.index.Upsert(context.Background(), session); err != nil {
		s.logger.Warn("failed to update session read-model index",
			slog.String("id", session.ID.String()), slog.String("error", err.Error()))
	}
}

func (s *Store) persist(session *models.DownloadSession) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", session.ID, err)
	}
	if err := s.sandbox.AtomicWrite(s.sessionPath(session.ID), data); err != nil {
		return fmt.Errorf("persisting session %s: %w", session.ID, err)
	}
	return nil
}

// Delete removes a session's entire directory and forgets it.
func (s *Store) Delete(id models.ULID) error {
	lock := s.lockFor(id.String())
	lock.Lock()
	defer lock.Unlock()

	if err := s.sandbox.RemoveAll(id.String()); err != nil {
		return fmt.Errorf("removing session directory %s: %w", id, err)
	}
	s.mu.Lock()
	delete(s.cache, id.String())
	s.mu.Unlock()
	if s.index != nil {
		if err := s.index.Delete(context.Background(), id); err != nil {
			s.logger.Warn("failed to delete session from read-model index",
				slog.String("id", id.String()), slog.String("error", err.Error()))
		}
	}
	return nil
}

// List returns every cached session, oldest first (by CreatedAt).
func (s *Store) List() []*models.DownloadSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.DownloadSession, 0, len(s.cache))
	for _, sess := range s.cache {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GetRetention reads the retention record for a session, if any.
func (s *Store) GetRetention(id models.ULID) (*models.RetentionMeta, error) {
	data, err := s.sandbox.ReadFile(s.retentionPath(id))
	if err != nil {
		return nil, nil //nolint:nilerr // absence means "none persisted yet", not an error
	}
	var meta models.RetentionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decoding retention for %s: %w", id, err)
	}
	return &meta, nil
}

// PutRetention persists a retention record for a session.
func (s *Store) PutRetention(meta models.RetentionMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding retention for %s: %w", meta.SessionID, err)
	}
	if err := s.sandbox.AtomicWrite(s.retentionPath(meta.SessionID), data); err != nil {
		return fmt.Errorf("persisting retention for %s: %w", meta.SessionID, err)
	}
	return nil
}

// Reconcile scans every session directory on disk, loads its record,
// flips any Downloading session to Failed ("interrupted by restart"),
// and populates the in-memory cache. It does not fsck individual
// segment files; that happens lazily when a worker resumes a session.
// Returns the number of sessions reconciled as interrupted.
func (s *Store) Reconcile() (int, error) {
	entries, err := s.sandbox.List(".")
	if err != nil {
		return 0, fmt.Errorf("listing downloads directory: %w", err)
	}

	var interrupted int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		id, err := models.ParseULID(entry.Name())
		if err != nil {
			s.logger.Warn("skipping non-session directory during reconciliation",
				slog.String("name", entry.Name()))
			continue
		}

		session, err := s.load(id)
		if err != nil {
			s.logger.Warn("skipping unreadable session during reconciliation",
				slog.String("id", id.String()), slog.String("error", err.Error()))
			continue
		}

		if session.Status == models.StatusDownloading {
			session.Status = models.StatusFailed
			session.Error = "interrupted by restart"
			if err := s.persist(session); err != nil {
				s.logger.Error("failed to persist interrupted session",
					slog.String("id", id.String()), slog.String("error", err.Error()))
				continue
			}
			interrupted++
		}

		s.mu.Lock()
		s.cache[id.String()] = session
		s.mu.Unlock()
	}

	return interrupted, nil
}
