package models

import (
	"encoding/json"
	"sort"
)

// Status represents the current state of a DownloadSession.
type Status string

const (
	// StatusQueued indicates the session is waiting for a worker slot.
	StatusQueued Status = "queued"
	// StatusDownloading indicates a worker is actively fetching segments
	// or remuxing the final file.
	StatusDownloading Status = "downloading"
	// StatusPaused indicates the session was paused by the caller; files
	// already on disk are retained.
	StatusPaused Status = "paused"
	// StatusCompleted indicates the final faststart file exists.
	StatusCompleted Status = "completed"
	// StatusFailed indicates a fatal error ended the session; Error holds
	// the human-readable reason.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the user cancelled the session; its
	// directory has been removed.
	StatusCancelled Status = "cancelled"
)

// HLSSegment is one media segment in playlist order.
type HLSSegment struct {
	Index uint32 `json:"index"`
	URL   string `json:"url"`
}

// MinSegmentBytes is the minimum acceptable size, in bytes, for a
// segment body to be considered valid rather than an upstream
// not-ready response. Used uniformly by the fetcher's validation and
// the session store's lazy resume-time fsck.
const MinSegmentBytes = 1024

// DownloadSession is the persisted, authoritative record for one
// download. It is serialized to <downloadsDir>/<id>/session.json via
// atomic write-then-rename.
type DownloadSession struct {
	ID              ULID    `json:"id"`
	ItemID          string  `json:"itemId"`
	MediaSourceID   string  `json:"mediaSourceId"`
	Title           string  `json:"title"`
	Filename        string  `json:"filename"`
	HLSURL          string  `json:"hlsUrl"`
	DurationSeconds float64 `json:"durationSeconds"`

	Status Status `json:"status"`

	TotalSegments int `json:"totalSegments"`

	// completedIndexes is the authoritative resume state. CompletedSegments
	// is never stored independently; it is always len(completedIndexes),
	// computed by CompletedSegments() and derived fresh on every marshal.
	completedIndexes map[uint32]struct{}

	Error string `json:"error,omitempty"`

	CreatedAt   Time  `json:"createdAt"`
	StartedAt   *Time `json:"startedAt,omitempty"`
	CompletedAt *Time `json:"completedAt,omitempty"`

	QueuePosition int `json:"queuePosition,omitempty"`
}

// NewDownloadSession creates a fresh Queued session with a new ID.
func NewDownloadSession(itemID, mediaSourceID, title, filename, hlsURL string, durationSeconds float64) *DownloadSession {
	return &DownloadSession{
		ID:               NewULID(),
		ItemID:           itemID,
		MediaSourceID:    mediaSourceID,
		Title:            title,
		Filename:         filename,
		HLSURL:           hlsURL,
		DurationSeconds:  durationSeconds,
		Status:           StatusQueued,
		completedIndexes: make(map[uint32]struct{}),
		CreatedAt:        Now(),
	}
}

// CompletedIndexes returns the set of segment indices already on disk.
func (s *DownloadSession) CompletedIndexes() map[uint32]struct{} {
	if s.completedIndexes == nil {
		s.completedIndexes = make(map[uint32]struct{})
	}
	return s.completedIndexes
}

// CompletedSegments returns len(completedIndexes), the only place this
// count is ever computed.
func (s *DownloadSession) CompletedSegments() int {
	return len(s.CompletedIndexes())
}

// MarkSegmentComplete records index as done. Idempotent.
func (s *DownloadSession) MarkSegmentComplete(index uint32) {
	s.CompletedIndexes()[index] = struct{}{}
}

// IsSegmentComplete reports whether index is already on disk per the
// persisted record.
func (s *DownloadSession) IsSegmentComplete(index uint32) bool {
	_, ok := s.CompletedIndexes()[index]
	return ok
}

// SortedCompletedIndexes returns the completed indexes in ascending order.
func (s *DownloadSession) SortedCompletedIndexes() []uint32 {
	out := make([]uint32, 0, len(s.completedIndexes))
	for idx := range s.completedIndexes {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsActive reports whether a worker currently owns this session.
func (s *DownloadSession) IsActive() bool {
	return s.Status == StatusDownloading
}

// IsTerminal reports whether no further state transition is expected
// without explicit caller action (resume/unpause).
func (s *DownloadSession) IsTerminal() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// sessionJSON mirrors DownloadSession's exported shape for JSON
// (de)serialization, substituting a sorted slice for the unexported map.
type sessionJSON struct {
	ID                ULID     `json:"id"`
	ItemID            string   `json:"itemId"`
	MediaSourceID     string   `json:"mediaSourceId"`
	Title             string   `json:"title"`
	Filename          string   `json:"filename"`
	HLSURL            string   `json:"hlsUrl"`
	DurationSeconds   float64  `json:"durationSeconds"`
	Status            Status   `json:"status"`
	TotalSegments     int      `json:"totalSegments"`
	CompletedSegments int      `json:"completedSegments"`
	CompletedIndexes  []uint32 `json:"completedIndexes"`
	Error             string   `json:"error,omitempty"`
	CreatedAt         Time     `json:"createdAt"`
	StartedAt         *Time    `json:"startedAt,omitempty"`
	CompletedAt       *Time    `json:"completedAt,omitempty"`
	QueuePosition     int      `json:"queuePosition,omitempty"`
}

// MarshalJSON implements json.Marshaler, deriving completedSegments from
// completedIndexes and flattening the index set into a sorted slice.
func (s *DownloadSession) MarshalJSON() ([]byte, error) {
	sorted := s.SortedCompletedIndexes()
	out := sessionJSON{
		ID:                s.ID,
		ItemID:            s.ItemID,
		MediaSourceID:     s.MediaSourceID,
		Title:             s.Title,
		Filename:          s.Filename,
		HLSURL:            s.HLSURL,
		DurationSeconds:   s.DurationSeconds,
		Status:            s.Status,
		TotalSegments:     s.TotalSegments,
		CompletedSegments: len(sorted),
		CompletedIndexes:  sorted,
		Error:             s.Error,
		CreatedAt:         s.CreatedAt,
		StartedAt:         s.StartedAt,
		CompletedAt:       s.CompletedAt,
		QueuePosition:     s.QueuePosition,
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler, rebuilding the index set
// from the persisted slice and ignoring any standalone segment counter.
func (s *DownloadSession) UnmarshalJSON(data []byte) error {
	var in sessionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	s.ID = in.ID
	s.ItemID = in.ItemID
	s.MediaSourceID = in.MediaSourceID
	s.Title = in.Title
	s.Filename = in.Filename
	s.HLSURL = in.HLSURL
	s.DurationSeconds = in.DurationSeconds
	s.Status = in.Status
	s.TotalSegments = in.TotalSegments
	s.Error = in.Error
	s.CreatedAt = in.CreatedAt
	s.StartedAt = in.StartedAt
	s.CompletedAt = in.CompletedAt
	s.QueuePosition = in.QueuePosition

	s.completedIndexes = make(map[uint32]struct{}, len(in.CompletedIndexes))
	for _, idx := range in.CompletedIndexes {
		s.completedIndexes[idx] = struct{}{}
	}
	return nil
}

// RetentionMeta is the persisted retention policy for one session,
// stored at <downloadsDir>/<id>/retention.json.
type RetentionMeta struct {
	SessionID     ULID  `json:"sessionId"`
	DownloadedAt  Time  `json:"downloadedAt"`
	RetentionDays *int  `json:"retentionDays"`
	ExpiresAt     *Time `json:"expiresAt"`
}

// NewRetentionMeta computes ExpiresAt from downloadedAt and the
// effective retention (per-file override if non-nil, else globalDefault).
// A nil effective retention means "forever" and ExpiresAt stays nil.
func NewRetentionMeta(sessionID ULID, downloadedAt Time, perFileDays, globalDefaultDays *int) RetentionMeta {
	meta := RetentionMeta{
		SessionID:     sessionID,
		DownloadedAt:  downloadedAt,
		RetentionDays: perFileDays,
	}
	meta.ExpiresAt = computeExpiry(downloadedAt, meta.EffectiveDays(globalDefaultDays))
	return meta
}

// EffectiveDays returns the per-file override if set, else globalDefaultDays.
func (r RetentionMeta) EffectiveDays(globalDefaultDays *int) *int {
	if r.RetentionDays != nil {
		return r.RetentionDays
	}
	return globalDefaultDays
}

// Recompute refreshes ExpiresAt from DownloadedAt (never from "now")
// using the supplied effective retention.
func (r *RetentionMeta) Recompute(globalDefaultDays *int) {
	r.ExpiresAt = computeExpiry(r.DownloadedAt, r.EffectiveDays(globalDefaultDays))
}

func computeExpiry(from Time, days *int) *Time {
	if days == nil {
		return nil
	}
	exp := from.AddDate(0, 0, *days)
	return &exp
}

// IsExpired reports whether ExpiresAt is set and in the past.
func (r RetentionMeta) IsExpired(now Time) bool {
	return r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}
