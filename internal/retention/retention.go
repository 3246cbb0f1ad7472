// Package retention periodically deletes download sessions whose
// retention window has expired.
package retention

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/hlsvault/internal/models"
	"github.com/jmylchreest/hlsvault/internal/queue"
	"github.com/jmylchreest/hlsvault/internal/store"
)

// NormalizeCronExpression normalizes a retention cron expression to the
// 5-field format robfig/cron's standard parser expects. Accepts a bare
// 5-field expression, a 6-field expression with a trailing year field
// (validated then stripped), or an "@every"/"@hourly"-style descriptor
// passed through unchanged.
func NormalizeCronExpression(expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return "", fmt.Errorf("empty cron expression")
	}
	if strings.HasPrefix(expr, "@") {
		return expr, nil
	}

	fields := strings.Fields(expr)
	switch len(fields) {
	case 5:
		return expr, nil
	case 6:
		yearField := fields[5]
		if !isValidYearField(yearField) {
			return "", fmt.Errorf("invalid year field %q: must be * or a valid year/range", yearField)
		}
		return strings.Join(fields[:5], " "), nil
	default:
		return "", fmt.Errorf("invalid cron expression: expected 5 or 6 fields, got %d", len(fields))
	}
}

// isValidYearField validates a cron year field.
// Accepts: *, specific years (2024), ranges (2024-2030), lists
// (2024,2025), step values (*/2, 2024/1).
func isValidYearField(field string) bool {
	if field == "" {
		return false
	}
	for _, r := range field {
		if !((r >= '0' && r <= '9') || r == ',' || r == '-' || r == '/' || r == '*') {
			return false
		}
	}
	return true
}

// Sweeper periodically removes sessions whose retention window has
// expired. A session is only ever deleted if it is Completed and its
// RetentionMeta.ExpiresAt has passed; no expiry (nil) means forever.
type Sweeper struct {
	store     *store.Store
	scheduler *queue.Scheduler
	logger    *slog.Logger

	defaultRetentionDays *int
	cronScheduler        *cron.Cron
}

// New builds a Sweeper. sweepCron is normalized with
// NormalizeCronExpression before being handed to robfig/cron.
func New(sweepCron string, defaultRetentionDays *int, st *store.Store, scheduler *queue.Scheduler, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	normalized, err := NormalizeCronExpression(sweepCron)
	if err != nil {
		return nil, fmt.Errorf("normalizing retention.sweep_cron: %w", err)
	}

	s := &Sweeper{
		store:                st,
		scheduler:            scheduler,
		logger:               logger,
		defaultRetentionDays: defaultRetentionDays,
		cronScheduler:        cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger))),
	}

	if _, err := s.cronScheduler.AddFunc(normalized, s.sweepOnce); err != nil {
		return nil, fmt.Errorf("scheduling retention sweep %q: %w", normalized, err)
	}
	return s, nil
}

// Start begins the cron scheduler. Non-blocking.
func (s *Sweeper) Start() {
	s.cronScheduler.Start()
}

// Stop stops the cron scheduler, waiting for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cronScheduler.Stop()
	<-ctx.Done()
}

// SweepNow runs one sweep pass immediately, outside the cron schedule.
// Exposed for tests and for an operator-triggered manual sweep.
func (s *Sweeper) SweepNow() int {
	return s.sweepOnce()
}

func (s *Sweeper) sweepOnce() int {
	now := models.Now()
	deleted := 0

	for _, sess := range s.store.List() {
		if sess.Status != models.StatusCompleted {
			continue
		}

		meta, err := s.store.GetRetention(sess.ID)
		if err != nil {
			s.logger.Warn("failed to read retention metadata during sweep",
				slog.String("id", sess.ID.String()), slog.String("error", err.Error()))
			continue
		}
		if meta == nil {
			continue
		}
		if meta.RetentionDays == nil && s.defaultRetentionDays != nil {
			// Metadata predates a default being configured; recompute
			// before evaluating expiry rather than treating it as
			// permanently retained.
			meta.Recompute(s.defaultRetentionDays)
			if err := s.store.PutRetention(*meta); err != nil {
				s.logger.Warn("failed to refresh retention metadata during sweep",
					slog.String("id", sess.ID.String()), slog.String("error", err.Error()))
			}
		}
		if !meta.IsExpired(now) {
			continue
		}

		if err := s.scheduler.RemoveDownload(sess.ID); err != nil {
			s.logger.Warn("failed to remove expired session",
				slog.String("id", sess.ID.String()), slog.String("error", err.Error()))
			continue
		}
		s.logger.Info("removed expired session", slog.String("id", sess.ID.String()))
		deleted++
	}

	return deleted
}
