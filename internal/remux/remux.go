// Package remux binary-concatenates a download's init segment and
// ordered media segments, then invokes ffmpeg to relocate the moov
// atom to the front of the resulting file (faststart).
package remux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jmylchreest/hlsvault/internal/ffmpeg"
	"github.com/jmylchreest/hlsvault/internal/models"
	"github.com/jmylchreest/hlsvault/internal/storage"
)

// copyChunkSize is the minimum read size used while concatenating
// segment bodies; fMP4 segments are byte-concatenable so no parsing
// is needed, only a large enough buffer to avoid excessive syscalls.
const copyChunkSize = 1 << 20 // 1 MiB

// stderrTailLimit bounds how much of a failed ffmpeg invocation's
// stderr is attached to the returned error.
const stderrTailLimit = 500

// Remuxer concatenates a session's segment files and remuxes them into
// a single faststart MP4.
type Remuxer struct {
	detector *ffmpeg.BinaryDetector
	logger   *slog.Logger
}

// New builds a Remuxer around an ffmpeg binary detector.
func New(detector *ffmpeg.BinaryDetector, logger *slog.Logger) *Remuxer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Remuxer{detector: detector, logger: logger}
}

// Run concatenates hasInit (if true) init.mp4 followed by 0.mp4 through
// (segmentCount-1).mp4, all found relative to sessionDir within
// sandbox, into a concat.mp4 scratch file, then remuxes that into
// finalPath with ffmpeg. On success, concat.mp4 and every segment file
// are removed. On failure, all scratch files are left in place for a
// retry.
func (r *Remuxer) Run(ctx context.Context, sandbox *storage.Sandbox, sessionDir string, hasInit bool, segmentCount int, finalPath string) error {
	concatRel := filepath.Join(sessionDir, "concat.mp4")

	if err := r.concatenate(sandbox, sessionDir, hasInit, segmentCount, concatRel); err != nil {
		return err
	}

	concatAbs, err := sandbox.ResolvePath(concatRel)
	if err != nil {
		return models.NewDownloadError(models.ErrorKindIO, "resolving concat scratch path", err)
	}

	if err := r.faststart(ctx, concatAbs, finalPath); err != nil {
		return err
	}

	r.cleanup(sandbox, sessionDir, hasInit, segmentCount)
	return nil
}

func (r *Remuxer) concatenate(sandbox *storage.Sandbox, sessionDir string, hasInit bool, segmentCount int, concatRel string) error {
	out, err := sandbox.OpenFile(concatRel, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		return models.NewDownloadError(models.ErrorKindIO, "creating concat scratch file", err)
	}
	defer out.Close()

	buf := make([]byte, copyChunkSize)

	appendPart := func(relPath string) error {
		in, err := sandbox.OpenFile(relPath, os.O_RDONLY, 0)
		if err != nil {
			return models.NewDownloadError(models.ErrorKindIO, fmt.Sprintf("opening %s", relPath), err)
		}
		defer in.Close()

		if _, err := io.CopyBuffer(out, in, buf); err != nil {
			return models.NewDownloadError(models.ErrorKindIO, fmt.Sprintf("appending %s", relPath), err)
		}
		return nil
	}

	if hasInit {
		if err := appendPart(filepath.Join(sessionDir, "init.mp4")); err != nil {
			return err
		}
	}
	for i := 0; i < segmentCount; i++ {
		if err := appendPart(filepath.Join(sessionDir, fmt.Sprintf("%d.mp4", i))); err != nil {
			return err
		}
	}

	if err := out.Sync(); err != nil {
		return models.NewDownloadError(models.ErrorKindIO, "syncing concat scratch file", err)
	}
	return nil
}

func (r *Remuxer) faststart(ctx context.Context, concatPath, finalPath string) error {
	info, err := r.detector.Detect(ctx)
	if err != nil {
		if errors.Is(err, ffmpeg.ErrFFmpegNotFound) {
			return models.NewDownloadError(models.ErrorKindFfmpegMissing, "ffmpeg not found on PATH", err)
		}
		return models.NewDownloadError(models.ErrorKindFfmpegMissing, "detecting ffmpeg", err)
	}

	cmd := ffmpeg.NewCommandBuilder(info.FFmpegPath).
		HideBanner().
		Overwrite().
		Input(concatPath).
		OutputArgs("-c", "copy", "-movflags", "+faststart").
		Output(finalPath).
		Build()

	r.logger.Debug("running faststart remux", slog.String("command", cmd.String()))

	if err := cmd.Run(ctx); err != nil {
		tail := cmd.StderrTail()
		if len(tail) > stderrTailLimit {
			tail = tail[len(tail)-stderrTailLimit:]
		}
		return models.NewDownloadError(models.ErrorKindRemuxFailed,
			fmt.Sprintf("ffmpeg exited with error: %v, stderr: %s", err, tail), err)
	}
	return nil
}

func (r *Remuxer) cleanup(sandbox *storage.Sandbox, sessionDir string, hasInit bool, segmentCount int) {
	remove := func(relPath string) {
		if err := sandbox.Remove(relPath); err != nil {
			r.logger.Warn("failed to remove remux scratch file", slog.String("path", relPath), slog.String("error", err.Error()))
		}
	}

	remove(filepath.Join(sessionDir, "concat.mp4"))
	if hasInit {
		remove(filepath.Join(sessionDir, "init.mp4"))
	}
	for i := 0; i < segmentCount; i++ {
		remove(filepath.Join(sessionDir, fmt.Sprintf("%d.mp4", i)))
	}
}
