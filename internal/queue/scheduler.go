// Package queue implements the global download scheduler: a
// FIFO-with-manual-reorder queue bounded by a configurable concurrency
// cap, owning every legal status transition a download session can
// make.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/jmylchreest/hlsvault/internal/fetch"
	"github.com/jmylchreest/hlsvault/internal/models"
	"github.com/jmylchreest/hlsvault/internal/playlist"
	"github.com/jmylchreest/hlsvault/internal/remux"
	"github.com/jmylchreest/hlsvault/internal/storage"
	"github.com/jmylchreest/hlsvault/internal/store"
	"github.com/jmylchreest/hlsvault/pkg/format"
)

// legalTransitions is the single authority on which status changes are
// allowed. Every status mutation in the codebase — worker, HTTP
// handler, retention sweeper — goes through Scheduler rather than
// writing session.Status directly.
var legalTransitions = map[models.Status]map[models.Status]bool{
	models.StatusQueued: {
		models.StatusDownloading: true,
		models.StatusPaused:      true,
		models.StatusCancelled:   true,
	},
	models.StatusDownloading: {
		models.StatusCompleted: true,
		models.StatusFailed:    true,
		models.StatusPaused:    true,
		models.StatusCancelled: true,
	},
	models.StatusPaused: {
		models.StatusQueued:    true,
		models.StatusCancelled: true,
	},
	models.StatusFailed: {
		models.StatusQueued:    true,
		models.StatusCancelled: true,
	},
	models.StatusCompleted: {},
	models.StatusCancelled: {},
}

type stopKind int

const (
	stopNone stopKind = iota
	stopPause
	stopCancel
)

// activeWorker tracks the cancellation handle and the reason a running
// worker was asked to stop, so the worker itself can tell a cooperative
// pause/cancel apart from a genuine failure once its context is done.
type activeWorker struct {
	cancel context.CancelFunc

	mu   sync.Mutex
	stop stopKind
}

// Config holds the scheduler's tunables, mirroring config.DownloadConfig.
type Config struct {
	MaxConcurrentDownloads int
	MaxConcurrentSegments  int
	// MinFreeDiskBytes, when > 0, makes promotion check free space on
	// the downloads directory via gopsutil before starting a worker.
	MinFreeDiskBytes int64
	// DefaultRetentionDays is applied to a session with no per-file
	// override. nil means forever.
	DefaultRetentionDays *int
}

// QueueInfo is a read-only snapshot of scheduler occupancy.
type QueueInfo struct {
	ActiveCount            int `json:"activeCount"`
	QueuedCount            int `json:"queuedCount"`
	MaxConcurrentDownloads int `json:"maxConcurrentDownloads"`
}

// Scheduler is the global concurrency authority for downloads. It is
// safe for concurrent use.
type Scheduler struct {
	store    *store.Store
	sandbox  *storage.Sandbox
	fetcher  playlist.Fetcher
	segments *fetch.SegmentFetcher
	remuxer  *remux.Remuxer
	logger   *slog.Logger

	maxConcurrentDownloads int
	maxConcurrentSegments  int
	minFreeDiskBytes       int64
	defaultRetentionDays   *int

	mu     sync.Mutex
	active map[string]*activeWorker
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Scheduler rooted at st's downloads directory.
func New(cfg Config, st *store.Store, fetcher playlist.Fetcher, segmentFetcher *fetch.SegmentFetcher, remuxer *remux.Remuxer, logger *slog.Logger) (*Scheduler, error) {
	if cfg.MaxConcurrentDownloads < 1 {
		cfg.MaxConcurrentDownloads = 1
	}
	if cfg.MaxConcurrentSegments < 1 {
		cfg.MaxConcurrentSegments = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	sandbox, err := storage.NewSandbox(st.BaseDir())
	if err != nil {
		return nil, fmt.Errorf("initializing scheduler sandbox: %w", err)
	}
	return &Scheduler{
		store:                  st,
		sandbox:                sandbox,
		fetcher:                fetcher,
		segments:               segmentFetcher,
		remuxer:                remuxer,
		logger:                 logger,
		maxConcurrentDownloads: cfg.MaxConcurrentDownloads,
		maxConcurrentSegments:  cfg.MaxConcurrentSegments,
		minFreeDiskBytes:       cfg.MinFreeDiskBytes,
		defaultRetentionDays:   cfg.DefaultRetentionDays,
		active:                 make(map[string]*activeWorker),
	}, nil
}

// Start begins evaluating the queue. Any sessions left Queued by a
// prior Store.Reconcile are promoted immediately, up to capacity.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.promoteLocked()
	return nil
}

// Stop signals every active worker to stop and waits for them to exit.
// Active sessions are left as-is (still Downloading) and no queued
// session is promoted meanwhile; a subsequent Store.Reconcile on
// restart will mark them interrupted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()
}

var filenameSanitizer = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitizeFilename(title string) string {
	name := strings.TrimSpace(title)
	name = filenameSanitizer.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		name = "download"
	}
	return name + ".mp4"
}

// StartDownload creates a new Queued session at the tail of the queue
// and triggers promotion.
func (s *Scheduler) StartDownload(itemID, mediaSourceID, title, hlsURL string, durationSeconds float64, retentionDays *int) (*models.DownloadSession, error) {
	filename := sanitizeFilename(title)
	sess := models.NewDownloadSession(itemID, mediaSourceID, title, filename, hlsURL, durationSeconds)
	sess.QueuePosition = s.nextQueuePosition()

	if err := s.store.Create(sess); err != nil {
		return nil, err
	}

	if retentionDays != nil || s.defaultRetentionDays != nil {
		meta := models.NewRetentionMeta(sess.ID, sess.CreatedAt, retentionDays, s.defaultRetentionDays)
		if err := s.store.PutRetention(meta); err != nil {
			s.logger.Warn("failed to persist retention metadata",
				slog.String("id", sess.ID.String()), slog.String("error", err.Error()))
		}
	}

	s.promote()
	return sess, nil
}

// CancelDownload stops an active worker cooperatively, then marks the
// session Cancelled and deletes its directory. Idempotent.
func (s *Scheduler) CancelDownload(id models.ULID) error {
	sess, err := s.store.Get(id)
	if errors.Is(err, models.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sess.Status == models.StatusCancelled {
		return nil
	}
	if !legalTransitions[sess.Status][models.StatusCancelled] {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, sess.Status, models.StatusCancelled)
	}

	wasActive := s.signalStop(id, stopCancel)

	if _, err := s.store.Update(id, func(sess *models.DownloadSession) error {
		sess.Status = models.StatusCancelled
		sess.QueuePosition = 0
		return nil
	}); err != nil {
		return err
	}

	if err := s.store.Delete(id); err != nil {
		return err
	}

	if !wasActive {
		s.mu.Lock()
		s.renumberQueueLocked()
		s.promoteLocked()
		s.mu.Unlock()
	}
	return nil
}

// PauseDownload is only valid from Queued or Downloading. A Queued
// session is transitioned directly; an active one is signalled to stop
// and the worker itself records Paused once it observes the signal.
func (s *Scheduler) PauseDownload(id models.ULID) error {
	sess, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if sess.Status != models.StatusQueued && sess.Status != models.StatusDownloading {
		return fmt.Errorf("%w: pause only valid from queued or downloading", models.ErrInvalidTransition)
	}

	if sess.Status == models.StatusDownloading {
		s.signalStop(id, stopPause)
		return nil
	}

	if _, err := s.store.Update(id, func(sess *models.DownloadSession) error {
		sess.Status = models.StatusPaused
		sess.QueuePosition = 0
		return nil
	}); err != nil {
		return err
	}

	s.mu.Lock()
	s.renumberQueueLocked()
	s.mu.Unlock()
	return nil
}

// ResumePausedDownload moves a Paused session back to Queued at the
// tail and triggers promotion.
func (s *Scheduler) ResumePausedDownload(id models.ULID) error {
	sess, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if sess.Status != models.StatusPaused {
		return fmt.Errorf("%w: resume-paused only valid from paused", models.ErrInvalidTransition)
	}

	pos := s.nextQueuePosition()
	if _, err := s.store.Update(id, func(sess *models.DownloadSession) error {
		sess.Status = models.StatusQueued
		sess.QueuePosition = pos
		return nil
	}); err != nil {
		return err
	}

	s.promote()
	return nil
}

// ResumeDownload is the retry-failed entry point: Failed -> Queued.
// The worker re-enters the parallel driver with the existing
// completedIndexes on its next promotion.
func (s *Scheduler) ResumeDownload(id models.ULID) error {
	sess, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if sess.Status != models.StatusFailed {
		return fmt.Errorf("%w: resume only valid from failed", models.ErrInvalidTransition)
	}

	pos := s.nextQueuePosition()
	if _, err := s.store.Update(id, func(sess *models.DownloadSession) error {
		sess.Status = models.StatusQueued
		sess.QueuePosition = pos
		sess.Error = ""
		return nil
	}); err != nil {
		return err
	}

	s.promote()
	return nil
}

// MoveToFront is shorthand for ReorderQueue(id, 1).
func (s *Scheduler) MoveToFront(id models.ULID) error {
	return s.ReorderQueue(id, 1)
}

// ReorderQueue moves a Queued session to position (1-based, clamped to
// the current queue length) and renumbers the rest contiguously.
func (s *Scheduler) ReorderQueue(id models.ULID, position int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	queued := s.queuedSessionsLocked()
	idx := -1
	for i, sess := range queued {
		if sess.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("%w: session is not queued", models.ErrInvalidPosition)
	}

	if position < 1 {
		position = 1
	}
	if position > len(queued) {
		position = len(queued)
	}

	target := queued[idx]
	rest := append(append([]*models.DownloadSession{}, queued[:idx]...), queued[idx+1:]...)

	reordered := make([]*models.DownloadSession, 0, len(queued))
	reordered = append(reordered, rest[:position-1]...)
	reordered = append(reordered, target)
	reordered = append(reordered, rest[position-1:]...)

	for i, sess := range reordered {
		pos := i + 1
		if sess.QueuePosition == pos {
			continue
		}
		if _, err := s.store.Update(sess.ID, func(sess *models.DownloadSession) error {
			sess.QueuePosition = pos
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// RemoveDownload deletes a session's directory and record. Only
// permitted once the session has reached a state with no active
// worker and nothing scheduled to claim it.
func (s *Scheduler) RemoveDownload(id models.ULID) error {
	sess, err := s.store.Get(id)
	if err != nil {
		return err
	}
	switch sess.Status {
	case models.StatusCompleted, models.StatusFailed, models.StatusCancelled, models.StatusPaused:
	default:
		return models.ErrSessionActive
	}
	return s.store.Delete(id)
}

// GetAllDownloads returns every session, oldest first.
func (s *Scheduler) GetAllDownloads() []*models.DownloadSession {
	return s.store.List()
}

// GetProgress returns the current snapshot for one session.
func (s *Scheduler) GetProgress(id models.ULID) (*models.DownloadSession, error) {
	return s.store.Get(id)
}

// GetQueueInfo reports current scheduler occupancy.
func (s *Scheduler) GetQueueInfo() QueueInfo {
	s.mu.Lock()
	active := len(s.active)
	s.mu.Unlock()

	queued := 0
	for _, sess := range s.store.List() {
		if sess.Status == models.StatusQueued {
			queued++
		}
	}
	return QueueInfo{
		ActiveCount:            active,
		QueuedCount:            queued,
		MaxConcurrentDownloads: s.maxConcurrentDownloads,
	}
}

func (s *Scheduler) signalStop(id models.ULID, kind stopKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	aw, ok := s.active[id.String()]
	if !ok {
		return false
	}
	aw.mu.Lock()
	aw.stop = kind
	aw.mu.Unlock()
	aw.cancel()
	return true
}

// queuedSessionsLocked returns every Queued session sorted by
// QueuePosition. Callers must hold s.mu.
func (s *Scheduler) queuedSessionsLocked() []*models.DownloadSession {
	queued := make([]*models.DownloadSession, 0)
	for _, sess := range s.store.List() {
		if sess.Status == models.StatusQueued {
			queued = append(queued, sess)
		}
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].QueuePosition < queued[j].QueuePosition })
	return queued
}

func (s *Scheduler) nextQueuePosition() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, sess := range s.store.List() {
		if sess.Status == models.StatusQueued && sess.QueuePosition > max {
			max = sess.QueuePosition
		}
	}
	return max + 1
}

// renumberQueueLocked renumbers every Queued session contiguously from
// 1, preserving relative order. Callers must hold s.mu.
func (s *Scheduler) renumberQueueLocked() {
	for i, sess := range s.queuedSessionsLocked() {
		pos := i + 1
		if sess.QueuePosition == pos {
			continue
		}
		if _, err := s.store.Update(sess.ID, func(sess *models.DownloadSession) error {
			sess.QueuePosition = pos
			return nil
		}); err != nil {
			s.logger.Error("failed to renumber queue",
				slog.String("id", sess.ID.String()), slog.String("error", err.Error()))
		}
	}
}

// promote runs the scheduling algorithm: while there is free capacity
// and a Queued session exists, promote the one with the smallest
// QueuePosition.
func (s *Scheduler) promote() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promoteLocked()
}

func (s *Scheduler) promoteLocked() {
	if s.ctx == nil {
		return
	}
	for len(s.active) < s.maxConcurrentDownloads {
		next := s.nextQueuedLocked()
		if next == nil {
			return
		}

		if s.minFreeDiskBytes > 0 {
			usage, err := disk.UsageWithContext(s.ctx, s.store.BaseDir())
			if err != nil {
				s.logger.Warn("failed to check free disk space", slog.String("error", err.Error()))
			} else if int64(usage.Free) < s.minFreeDiskBytes {
				s.logger.Warn("holding queued download: insufficient free disk space",
					slog.String("id", next.ID.String()),
					slog.Uint64("free_bytes", usage.Free),
					slog.String("free", format.Bytes(int64(usage.Free))),
					slog.Int64("required_bytes", s.minFreeDiskBytes),
					slog.String("required", format.Bytes(s.minFreeDiskBytes)))
				return
			}
		}

		s.launchLocked(next)
	}
}

func (s *Scheduler) nextQueuedLocked() *models.DownloadSession {
	var best *models.DownloadSession
	for _, sess := range s.store.List() {
		if sess.Status != models.StatusQueued {
			continue
		}
		if best == nil || sess.QueuePosition < best.QueuePosition {
			best = sess
		}
	}
	return best
}

func (s *Scheduler) launchLocked(sess *models.DownloadSession) {
	id := sess.ID
	workerCtx, cancel := context.WithCancel(s.ctx)
	aw := &activeWorker{cancel: cancel}
	s.active[id.String()] = aw

	if _, err := s.store.Update(id, func(sess *models.DownloadSession) error {
		sess.Status = models.StatusDownloading
		sess.QueuePosition = 0
		return nil
	}); err != nil {
		s.logger.Error("failed to mark session downloading",
			slog.String("id", id.String()), slog.String("error", err.Error()))
		delete(s.active, id.String())
		cancel()
		return
	}

	s.renumberQueueLocked()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runWorker(workerCtx, id, aw)
	}()
}

func (s *Scheduler) runWorker(ctx context.Context, id models.ULID, aw *activeWorker) {
	err := s.executeDownload(ctx, id)

	aw.mu.Lock()
	stop := aw.stop
	aw.mu.Unlock()

	switch stop {
	case stopCancel:
		// CancelDownload already marked Cancelled and removed the
		// session directory; nothing left for the worker to do.
	case stopPause:
		if _, uerr := s.store.Update(id, func(sess *models.DownloadSession) error {
			sess.Status = models.StatusPaused
			sess.QueuePosition = 0
			return nil
		}); uerr != nil {
			s.logger.Error("failed to persist paused session",
				slog.String("id", id.String()), slog.String("error", uerr.Error()))
		}
	default:
		if err != nil && ctx.Err() != nil {
			// The scheduler is stopping: leave the session Downloading
			// so Store.Reconcile marks it interrupted on the next start.
			break
		}
		if err != nil {
			s.logger.Error("download failed", slog.String("id", id.String()), slog.String("error", err.Error()))
			if _, uerr := s.store.Update(id, func(sess *models.DownloadSession) error {
				sess.Status = models.StatusFailed
				sess.Error = err.Error()
				return nil
			}); uerr != nil {
				s.logger.Error("failed to persist failed session",
					slog.String("id", id.String()), slog.String("error", uerr.Error()))
			}
		} else {
			now := models.Now()
			if _, uerr := s.store.Update(id, func(sess *models.DownloadSession) error {
				sess.Status = models.StatusCompleted
				sess.CompletedAt = &now
				return nil
			}); uerr != nil {
				s.logger.Error("failed to persist completed session",
					slog.String("id", id.String()), slog.String("error", uerr.Error()))
			}
		}
	}

	s.mu.Lock()
	delete(s.active, id.String())
	if s.ctx != nil && s.ctx.Err() == nil {
		s.promoteLocked()
	}
	s.mu.Unlock()
}

// executeDownload runs the worker lifecycle apart from its status
// changes: set startedAt if it is unset, resolve the playlist, fetch
// the init segment and every media segment not already complete, then
// concatenate and remux. Status changes are made only by the caller
// (runWorker).
func (s *Scheduler) executeDownload(ctx context.Context, id models.ULID) error {
	sess, err := s.store.Get(id)
	if err != nil {
		return err
	}

	if sess.StartedAt == nil {
		now := models.Now()
		if _, err := s.store.Update(id, func(sess *models.DownloadSession) error {
			sess.StartedAt = &now
			return nil
		}); err != nil {
			return err
		}
	}

	resolved, err := playlist.Resolve(ctx, s.fetcher, sess.HLSURL)
	if err != nil {
		return models.NewDownloadError(models.ErrorKindPermanentUpstream, "resolving playlist", err)
	}

	sessionDir := s.store.SessionDir(id)
	hasInit := resolved.InitSegmentURL != ""

	if sess.TotalSegments == 0 {
		total := len(resolved.Segments)
		if _, err := s.store.Update(id, func(sess *models.DownloadSession) error {
			sess.TotalSegments = total
			return nil
		}); err != nil {
			return err
		}
	}

	if err := s.fetchInitSegment(ctx, sessionDir, resolved.InitSegmentURL, hasInit); err != nil {
		return err
	}

	// Snapshot completed indexes rather than handing the driver the
	// session's live map: onSegmentDone below mutates that map
	// concurrently from worker goroutines, and the driver's own feed
	// loop reads it without synchronization.
	alreadyComplete := make(map[uint32]struct{}, sess.CompletedSegments())
	for idx := range sess.CompletedIndexes() {
		alreadyComplete[idx] = struct{}{}
	}

	driver := fetch.NewDriver(s.segments, s.sandbox, s.maxConcurrentSegments, s.logger)
	onSegmentDone := func(seg models.HLSSegment) error {
		_, err := s.store.Update(id, func(sess *models.DownloadSession) error {
			sess.MarkSegmentComplete(seg.Index)
			return nil
		})
		return err
	}

	if err := driver.Run(ctx, sessionDir, resolved.Segments, alreadyComplete, onSegmentDone); err != nil {
		return err
	}

	if err := s.ensureRetention(id, sess.CreatedAt); err != nil {
		return err
	}

	sess, err = s.store.Get(id)
	if err != nil {
		return err
	}

	finalPath, err := s.sandbox.ResolvePath(path.Join(sessionDir, sess.Filename))
	if err != nil {
		return models.NewDownloadError(models.ErrorKindIO, "resolving final output path", err)
	}

	return s.remuxer.Run(ctx, s.sandbox, sessionDir, hasInit, sess.TotalSegments, finalPath)
}

func (s *Scheduler) fetchInitSegment(ctx context.Context, sessionDir, initURL string, hasInit bool) error {
	if !hasInit {
		return nil
	}
	initPath := path.Join(sessionDir, "init.mp4")
	exists, err := s.sandbox.Exists(initPath)
	if err != nil {
		return models.NewDownloadError(models.ErrorKindIO, "checking init segment", err)
	}
	if exists {
		return nil
	}
	return s.segments.Fetch(ctx, s.sandbox, initURL, initPath)
}

func (s *Scheduler) ensureRetention(id models.ULID, downloadedAt models.Time) error {
	meta, err := s.store.GetRetention(id)
	if err != nil {
		return models.NewDownloadError(models.ErrorKindIO, "reading retention metadata", err)
	}
	if meta != nil {
		return nil
	}
	newMeta := models.NewRetentionMeta(id, downloadedAt, nil, s.defaultRetentionDays)
	if err := s.store.PutRetention(newMeta); err != nil {
		return models.NewDownloadError(models.ErrorKindIO, "persisting retention metadata", err)
	}
	return nil
}
