// Package fetch downloads individual HLS media segments and drives a
// worker pool across an entire segment list.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	mp4 "github.com/abema/go-mp4"

	"github.com/jmylchreest/hlsvault/internal/models"
	"github.com/jmylchreest/hlsvault/internal/storage"
	"github.com/jmylchreest/hlsvault/pkg/httpclient"
)

const (
	maxAttempts       = 8
	perAttemptTimeout = 60 * time.Second
	maxSegmentBytes   = 64 * 1024 * 1024
)

// SegmentFetcher downloads one HLS segment body at a time, validating
// and atomically persisting it.
type SegmentFetcher struct {
	client *httpclient.Client
	logger *slog.Logger
}

// NewSegmentFetcher builds a SegmentFetcher around client, an existing
// resilient HTTP client. The fetcher owns its own fixed retry schedule
// rather than the client's exponential one, so callers should give it
// a client configured with RetryAttempts: 0.
func NewSegmentFetcher(client *httpclient.Client, logger *slog.Logger) *SegmentFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SegmentFetcher{client: client, logger: logger}
}

// Fetch retrieves url and writes it atomically to relPath under
// sandbox, retrying up to maxAttempts times with a fixed, capped
// backoff between attempts. A non-2xx response is retryable on every
// attempt — the upstream transcoder produces segments just-in-time, so
// a 404 or 5xx frequently just means "not ready yet" — and only once
// the attempt budget is exhausted is the failure reclassified into a
// terminal kind (AuthExpired for 401, PermanentUpstream for other 4xx
// outside 401/404) for the caller.
func (f *SegmentFetcher) Fetch(ctx context.Context, sandbox *storage.Sandbox, url, relPath string) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoff(attempt)):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, perAttemptTimeout)
		err := f.fetchOnce(attemptCtx, sandbox, url, relPath)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		var derr *models.DownloadError
		if errors.As(err, &derr) && !derr.Kind.Retryable() {
			return err
		}
		f.logger.Warn("segment fetch attempt failed",
			slog.String("url", url),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return f.terminalError(url, lastErr)
}

// terminalError reclassifies a retry-budget-exhausted failure into the
// final kind the rest of the system sees. A 401 becomes AuthExpired; a
// 4xx other than 401/404 becomes PermanentUpstream, per spec.md §7. A
// 404 or 5xx that never resolved keeps the retryable kind it already
// carries, since the upstream may simply still be catching up.
func (f *SegmentFetcher) terminalError(url string, lastErr error) error {
	var hse *httpStatusError
	if errors.As(lastErr, &hse) {
		switch {
		case hse.status == http.StatusUnauthorized:
			return models.NewDownloadError(models.ErrorKindAuthExpired,
				fmt.Sprintf("segment %s: upstream returned 401 after %d attempts", url, maxAttempts), lastErr)
		case hse.status >= 400 && hse.status < 500 && hse.status != http.StatusNotFound:
			return models.NewDownloadError(models.ErrorKindPermanentUpstream,
				fmt.Sprintf("segment %s: upstream returned %d after %d attempts", url, hse.status, maxAttempts), lastErr)
		}
	}
	return fmt.Errorf("fetching segment %s after %d attempts: %w", url, maxAttempts, lastErr)
}

// retryBackoff returns a fixed, linearly increasing delay capped at 15s:
// attempt 1 waits 3s, attempt 2 waits 6s, ... attempt 5+ waits 15s.
func retryBackoff(attempt int) time.Duration {
	d := time.Duration(attempt) * 3 * time.Second
	if d > 15*time.Second {
		return 15 * time.Second
	}
	return d
}

// httpStatusError carries the raw HTTP status code of a non-2xx
// segment response through the retry loop, so terminalError can
// reclassify it once the attempt budget is exhausted without having
// to re-parse the DownloadError's message string.
type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.status)
}

func (f *SegmentFetcher) fetchOnce(ctx context.Context, sandbox *storage.Sandbox, url, relPath string) error {
	resp, err := f.client.Get(ctx, url)
	if err != nil {
		return models.NewDownloadError(models.ErrorKindTransientNetwork, "requesting segment", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		kind := models.ErrorKindUpstreamNotReady
		if resp.StatusCode >= 500 {
			kind = models.ErrorKindTransientNetwork
		}
		return models.NewDownloadError(kind,
			fmt.Sprintf("unexpected status %d", resp.StatusCode),
			&httpStatusError{status: resp.StatusCode})
	}

	if ct := resp.Header.Get("Content-Type"); strings.Contains(strings.ToLower(ct), "json") {
		return models.NewDownloadError(models.ErrorKindUpstreamNotReady,
			"upstream returned JSON instead of a media segment", nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSegmentBytes))
	if err != nil {
		return models.NewDownloadError(models.ErrorKindTransientNetwork, "reading segment body", err)
	}

	if len(data) < models.MinSegmentBytes {
		return models.NewDownloadError(models.ErrorKindUpstreamNotReady,
			fmt.Sprintf("segment body too small (%d bytes)", len(data)), nil)
	}

	if !looksLikeMP4(data) {
		return models.NewDownloadError(models.ErrorKindCorruptSegment,
			"segment body is not a recognizable MP4 fragment", nil)
	}

	if err := sandbox.AtomicWrite(relPath, data); err != nil {
		return models.NewDownloadError(models.ErrorKindIO, "writing segment to disk", err)
	}
	return nil
}

// looksLikeMP4 reports whether data begins with at least one
// recognizable ISO base media file format box, as used by fMP4 init
// segments (ftyp, moov) and media segments (moof, mdat, styp, sidx).
func looksLikeMP4(data []byte) bool {
	var found bool
	_, _ = mp4.ReadBoxStructure(bytes.NewReader(data), func(h *mp4.ReadHandle) (interface{}, error) {
		switch h.BoxInfo.Type.String() {
		case "ftyp", "styp", "moov", "moof", "mdat", "sidx", "free":
			found = true
		}
		return nil, nil
	})
	return found
}
