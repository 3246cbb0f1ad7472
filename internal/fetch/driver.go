package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"

	"github.com/jmylchreest/hlsvault/internal/models"
	"github.com/jmylchreest/hlsvault/internal/storage"
)

// Driver fans a segment list out across a bounded worker pool,
// skipping segments already marked complete and stopping all workers
// as soon as one segment fails permanently.
type Driver struct {
	fetcher     *SegmentFetcher
	sandbox     *storage.Sandbox
	concurrency int
	logger      *slog.Logger
}

// NewDriver builds a Driver. concurrency is clamped to at least 1.
func NewDriver(fetcher *SegmentFetcher, sandbox *storage.Sandbox, concurrency int, logger *slog.Logger) *Driver {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{fetcher: fetcher, sandbox: sandbox, concurrency: concurrency, logger: logger}
}

// segmentPath is the path, relative to the session directory, that a
// segment's body is written to.
func segmentPath(sessionDir string, index uint32) string {
	return path.Join(sessionDir, fmt.Sprintf("%d.mp4", index))
}

// Run fetches every segment not present in alreadyComplete, invoking
// onSegmentDone once each succeeds. onSegmentDone is called from
// worker goroutines and must be safe for concurrent use; it is
// typically a closure over store.Store.Update for the owning session.
// Run returns the first fatal error encountered (from a fetch or from
// onSegmentDone itself) or ctx.Err() if cancelled, and nil if every
// segment completed.
func (d *Driver) Run(ctx context.Context, sessionDir string, segments []models.HLSSegment, alreadyComplete map[uint32]struct{}, onSegmentDone func(models.HLSSegment) error) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pending := make(chan models.HLSSegment)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
	}

	for i := 0; i < d.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seg := range pending {
				outPath := segmentPath(sessionDir, seg.Index)
				if err := d.fetcher.Fetch(runCtx, d.sandbox, seg.URL, outPath); err != nil {
					fail(fmt.Errorf("segment %d: %w", seg.Index, err))
					continue
				}
				if err := onSegmentDone(seg); err != nil {
					fail(fmt.Errorf("recording segment %d complete: %w", seg.Index, err))
				}
			}
		}()
	}

feed:
	for _, seg := range segments {
		if _, done := alreadyComplete[seg.Index]; done {
			continue
		}
		select {
		case pending <- seg:
		case <-runCtx.Done():
			break feed
		}
	}
	close(pending)
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}
