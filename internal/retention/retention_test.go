package retention

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/hlsvault/internal/models"
	"github.com/jmylchreest/hlsvault/internal/queue"
	"github.com/jmylchreest/hlsvault/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNormalizeCronExpression(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"hourly descriptor", "@hourly", "@hourly", false},
		{"every descriptor", "@every 30m", "@every 30m", false},
		{"five field passthrough", "0 * * * *", "0 * * * *", false},
		{"six field strips valid year", "0 * * * * 2030", "0 * * * *", false},
		{"six field strips wildcard year", "0 * * * * *", "0 * * * *", false},
		{"six field rejects invalid year", "0 * * * * abc", "", true},
		{"empty expression", "", "", true},
		{"wrong field count", "0 * *", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeCronExpression(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func newTestSweeper(t *testing.T, defaultDays *int) (*Sweeper, *store.Store, *queue.Scheduler) {
	t.Helper()
	st, err := store.New(t.TempDir(), discardLogger())
	require.NoError(t, err)

	sched, err := queue.New(queue.Config{MaxConcurrentDownloads: 1, DefaultRetentionDays: defaultDays}, st, nil, nil, nil, discardLogger())
	require.NoError(t, err)

	sweeper, err := New("@every 1h", defaultDays, st, sched, discardLogger())
	require.NoError(t, err)
	return sweeper, st, sched
}

func completedSession(t *testing.T, st *store.Store, createdAt models.Time) *models.DownloadSession {
	t.Helper()
	sess := models.NewDownloadSession("item-1", "src-1", "Show", "show.mp4", "http://example.com/1.m3u8", 60)
	sess.CreatedAt = createdAt
	sess.Status = models.StatusCompleted
	require.NoError(t, st.Create(sess))
	return sess
}

func TestSweepNow_RemovesExpiredSession(t *testing.T) {
	sweeper, st, _ := newTestSweeper(t, nil)

	old := models.Now().Add(-48 * time.Hour)
	sess := completedSession(t, st, old)

	days := 1
	meta := models.NewRetentionMeta(sess.ID, old, &days, nil)
	require.NoError(t, st.PutRetention(meta))

	deleted := sweeper.SweepNow()
	assert.Equal(t, 1, deleted)

	_, err := st.Get(sess.ID)
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestSweepNow_KeepsUnexpiredSession(t *testing.T) {
	sweeper, st, _ := newTestSweeper(t, nil)

	sess := completedSession(t, st, models.Now())

	days := 30
	meta := models.NewRetentionMeta(sess.ID, models.Now(), &days, nil)
	require.NoError(t, st.PutRetention(meta))

	deleted := sweeper.SweepNow()
	assert.Equal(t, 0, deleted)

	_, err := st.Get(sess.ID)
	assert.NoError(t, err)
}

func TestSweepNow_KeepsSessionWithNoRetentionMetadata(t *testing.T) {
	sweeper, st, _ := newTestSweeper(t, nil)
	completedSession(t, st, models.Now().Add(-1000*time.Hour))

	deleted := sweeper.SweepNow()
	assert.Equal(t, 0, deleted)
}

func TestSweepNow_SkipsNonCompletedSessions(t *testing.T) {
	sweeper, st, _ := newTestSweeper(t, nil)

	old := models.Now().Add(-48 * time.Hour)
	sess := models.NewDownloadSession("item-1", "src-1", "Show", "show.mp4", "http://example.com/1.m3u8", 60)
	sess.CreatedAt = old
	sess.Status = models.StatusFailed
	require.NoError(t, st.Create(sess))

	days := 1
	meta := models.NewRetentionMeta(sess.ID, old, &days, nil)
	require.NoError(t, st.PutRetention(meta))

	deleted := sweeper.SweepNow()
	assert.Equal(t, 0, deleted)

	_, err := st.Get(sess.ID)
	assert.NoError(t, err)
}

func TestSweepNow_AppliesDefaultRetentionRetroactively(t *testing.T) {
	days := 1
	sweeper, st, _ := newTestSweeper(t, &days)

	old := models.Now().Add(-48 * time.Hour)
	sess := completedSession(t, st, old)

	// Retention metadata persisted before a default was configured:
	// no per-file override recorded.
	meta := models.NewRetentionMeta(sess.ID, old, nil, nil)
	require.NoError(t, st.PutRetention(meta))

	deleted := sweeper.SweepNow()
	assert.Equal(t, 1, deleted)
}

func TestNew_RejectsInvalidCronExpression(t *testing.T) {
	st, err := store.New(t.TempDir(), discardLogger())
	require.NoError(t, err)
	sched, err := queue.New(queue.Config{MaxConcurrentDownloads: 1}, st, nil, nil, nil, discardLogger())
	require.NoError(t, err)

	_, err = New("not a cron expression", nil, st, sched, discardLogger())
	assert.Error(t, err)
}
