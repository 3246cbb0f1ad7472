package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmylchreest/hlsvault/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionIndex is the queryable read-model row for one DownloadSession.
// It carries only the fields GET /list and queue inspection need; the
// segment-level completedIndexes set is never indexed here.
type SessionIndex struct {
	ID                string `gorm:"primaryKey;size:26"`
	ItemID            string `gorm:"index"`
	MediaSourceID     string
	Title             string
	Filename          string
	Status            string `gorm:"index"`
	TotalSegments     int
	CompletedSegments int
	Error             string
	CreatedAt         time.Time `gorm:"index"`
	StartedAt         *time.Time
	CompletedAt       *time.Time
	QueuePosition     int
}

// TableName overrides GORM's pluralization so the table name stays
// stable across future model field renames.
func (SessionIndex) TableName() string {
	return "session_index"
}

func toSessionIndex(s *models.DownloadSession) SessionIndex {
	return SessionIndex{
		ID:                s.ID.String(),
		ItemID:            s.ItemID,
		MediaSourceID:     s.MediaSourceID,
		Title:             s.Title,
		Filename:          s.Filename,
		Status:            string(s.Status),
		TotalSegments:     s.TotalSegments,
		CompletedSegments: s.CompletedSegments(),
		Error:             s.Error,
		CreatedAt:         s.CreatedAt,
		StartedAt:         s.StartedAt,
		CompletedAt:       s.CompletedAt,
		QueuePosition:     s.QueuePosition,
	}
}

// sessionIndexRepo implements SessionIndexRepository using GORM.
type sessionIndexRepo struct {
	db *gorm.DB
}

// NewSessionIndexRepository creates a new SessionIndexRepository.
func NewSessionIndexRepository(db *gorm.DB) *sessionIndexRepo {
	return &sessionIndexRepo{db: db}
}

// Migrate creates or updates the session_index table schema.
func (r *sessionIndexRepo) Migrate() error {
	if err := r.db.AutoMigrate(&SessionIndex{}); err != nil {
		return fmt.Errorf("migrating session index: %w", err)
	}
	return nil
}

// Upsert writes or updates the indexed row for a session.
func (r *sessionIndexRepo) Upsert(ctx context.Context, session *models.DownloadSession) error {
	row := toSessionIndex(session)
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"item_id", "media_source_id", "title", "filename", "status",
			"total_segments", "completed_segments", "error",
			"started_at", "completed_at", "queue_position",
		}),
	}).Create(&row).Error; err != nil {
		return fmt.Errorf("upserting session index row %s: %w", session.ID, err)
	}
	return nil
}

// Delete removes the indexed row for a session.
func (r *sessionIndexRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Delete(&SessionIndex{}, "id = ?", id.String()).Error; err != nil {
		return fmt.Errorf("deleting session index row %s: %w", id, err)
	}
	return nil
}

// List returns every indexed row, oldest first.
func (r *sessionIndexRepo) List(ctx context.Context) ([]SessionIndex, error) {
	var rows []SessionIndex
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing session index: %w", err)
	}
	return rows, nil
}

// Rebuild truncates the index and repopulates it from sessions.
func (r *sessionIndexRepo) Rebuild(ctx context.Context, sessions []*models.DownloadSession) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM session_index").Error; err != nil {
			return fmt.Errorf("clearing session index: %w", err)
		}
		for _, s := range sessions {
			row := toSessionIndex(s)
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("rebuilding session index row %s: %w", s.ID, err)
			}
		}
		return nil
	})
}
