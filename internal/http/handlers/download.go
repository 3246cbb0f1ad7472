package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/hlsvault/internal/models"
	"github.com/jmylchreest/hlsvault/internal/queue"
)

// DownloadHandler exposes the scheduler's operations over HTTP.
type DownloadHandler struct {
	scheduler *queue.Scheduler
	logger    *slog.Logger
}

// NewDownloadHandler creates a new download handler around scheduler.
func NewDownloadHandler(scheduler *queue.Scheduler, logger *slog.Logger) *DownloadHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DownloadHandler{scheduler: scheduler, logger: logger}
}

// Register registers every download route with the API.
func (h *DownloadHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "startDownload",
		Method:      http.MethodPost,
		Path:        "/downloads",
		Summary:     "Queue a new download",
		Tags:        []string{"Downloads"},
	}, h.StartDownload)

	huma.Register(api, huma.Operation{
		OperationID: "listDownloads",
		Method:      http.MethodGet,
		Path:        "/downloads",
		Summary:     "List every download session",
		Tags:        []string{"Downloads"},
	}, h.ListDownloads)

	huma.Register(api, huma.Operation{
		OperationID: "getDownloadProgress",
		Method:      http.MethodGet,
		Path:        "/downloads/{id}",
		Summary:     "Get a single download's progress",
		Tags:        []string{"Downloads"},
	}, h.GetProgress)

	huma.Register(api, huma.Operation{
		OperationID: "cancelDownload",
		Method:      http.MethodDelete,
		Path:        "/downloads/{id}",
		Summary:     "Cancel a download and delete its files",
		Tags:        []string{"Downloads"},
	}, h.CancelDownload)

	huma.Register(api, huma.Operation{
		OperationID: "removeDownload",
		Method:      http.MethodDelete,
		Path:        "/downloads/{id}/remove",
		Summary:     "Remove a terminal download's record and files",
		Tags:        []string{"Downloads"},
	}, h.RemoveDownload)

	huma.Register(api, huma.Operation{
		OperationID: "pauseDownload",
		Method:      http.MethodPost,
		Path:        "/downloads/{id}/pause",
		Summary:     "Pause an active or queued download",
		Tags:        []string{"Downloads"},
	}, h.PauseDownload)

	huma.Register(api, huma.Operation{
		OperationID: "unpauseDownload",
		Method:      http.MethodPost,
		Path:        "/downloads/{id}/unpause",
		Summary:     "Return a paused download to the queue",
		Tags:        []string{"Downloads"},
	}, h.UnpauseDownload)

	huma.Register(api, huma.Operation{
		OperationID: "resumeDownload",
		Method:      http.MethodPost,
		Path:        "/downloads/{id}/resume",
		Summary:     "Retry a failed download",
		Tags:        []string{"Downloads"},
	}, h.ResumeDownload)

	huma.Register(api, huma.Operation{
		OperationID: "moveDownloadToFront",
		Method:      http.MethodPost,
		Path:        "/downloads/{id}/move-to-front",
		Summary:     "Move a queued download to the front of the queue",
		Tags:        []string{"Downloads"},
	}, h.MoveToFront)

	huma.Register(api, huma.Operation{
		OperationID: "setDownloadPosition",
		Method:      http.MethodPut,
		Path:        "/downloads/{id}/position",
		Summary:     "Move a queued download to a specific position",
		Tags:        []string{"Downloads"},
	}, h.SetPosition)

	huma.Register(api, huma.Operation{
		OperationID: "getQueueInfo",
		Method:      http.MethodGet,
		Path:        "/downloads/queue/info",
		Summary:     "Get current queue occupancy",
		Tags:        []string{"Downloads"},
	}, h.GetQueueInfo)
}

// StartDownloadRequest is the request body for queueing a download.
type StartDownloadRequest struct {
	ItemID          string  `json:"itemId" required:"true"`
	MediaSourceID   string  `json:"mediaSourceId" required:"true"`
	Title           string  `json:"title" required:"true"`
	HLSURL          string  `json:"hlsUrl" required:"true"`
	DurationSeconds float64 `json:"durationSeconds"`
	RetentionDays   *int    `json:"retentionDays,omitempty"`
}

// StartDownloadInput wraps StartDownloadRequest for huma.
type StartDownloadInput struct {
	Body StartDownloadRequest
}

// SessionOutput wraps a single DownloadSession for huma.
type SessionOutput struct {
	Body *models.DownloadSession
}

// StartDownload queues a new session and returns its initial state.
func (h *DownloadHandler) StartDownload(_ context.Context, input *StartDownloadInput) (*SessionOutput, error) {
	sess, err := h.scheduler.StartDownload(
		input.Body.ItemID,
		input.Body.MediaSourceID,
		input.Body.Title,
		input.Body.HLSURL,
		input.Body.DurationSeconds,
		input.Body.RetentionDays,
	)
	if err != nil {
		return nil, huma.Error500InternalServerError("starting download", err)
	}
	return &SessionOutput{Body: sess}, nil
}

// ListDownloadsInput has no parameters.
type ListDownloadsInput struct{}

// ListDownloadsOutput wraps every session for huma.
type ListDownloadsOutput struct {
	Body []*models.DownloadSession
}

// ListDownloads returns every session, oldest first.
func (h *DownloadHandler) ListDownloads(_ context.Context, _ *ListDownloadsInput) (*ListDownloadsOutput, error) {
	return &ListDownloadsOutput{Body: h.scheduler.GetAllDownloads()}, nil
}

// SessionIDInput identifies a session by path parameter.
type SessionIDInput struct {
	ID string `path:"id"`
}

func parseSessionID(raw string) (models.ULID, error) {
	id, err := models.ParseULID(raw)
	if err != nil {
		return models.ULID{}, huma.Error400BadRequest("invalid session id", err)
	}
	return id, nil
}

// GetProgress returns one session's current state.
func (h *DownloadHandler) GetProgress(_ context.Context, input *SessionIDInput) (*SessionOutput, error) {
	id, err := parseSessionID(input.ID)
	if err != nil {
		return nil, err
	}
	sess, err := h.scheduler.GetProgress(id)
	if errors.Is(err, models.ErrSessionNotFound) {
		return nil, huma.Error404NotFound("session not found", err)
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("reading session", err)
	}
	return &SessionOutput{Body: sess}, nil
}

// EmptyOutput is returned by operations with no response body.
type EmptyOutput struct{}

// CancelDownload stops an active worker and deletes the session.
func (h *DownloadHandler) CancelDownload(_ context.Context, input *SessionIDInput) (*EmptyOutput, error) {
	id, err := parseSessionID(input.ID)
	if err != nil {
		return nil, err
	}
	if err := h.scheduler.CancelDownload(id); err != nil {
		return nil, translateSchedulerError(err)
	}
	return &EmptyOutput{}, nil
}

// RemoveDownload deletes a terminal session's record and files.
func (h *DownloadHandler) RemoveDownload(_ context.Context, input *SessionIDInput) (*EmptyOutput, error) {
	id, err := parseSessionID(input.ID)
	if err != nil {
		return nil, err
	}
	if err := h.scheduler.RemoveDownload(id); err != nil {
		return nil, translateSchedulerError(err)
	}
	return &EmptyOutput{}, nil
}

// PauseDownload pauses a queued or active session.
func (h *DownloadHandler) PauseDownload(_ context.Context, input *SessionIDInput) (*EmptyOutput, error) {
	id, err := parseSessionID(input.ID)
	if err != nil {
		return nil, err
	}
	if err := h.scheduler.PauseDownload(id); err != nil {
		return nil, translateSchedulerError(err)
	}
	return &EmptyOutput{}, nil
}

// UnpauseDownload requeues a paused session.
func (h *DownloadHandler) UnpauseDownload(_ context.Context, input *SessionIDInput) (*EmptyOutput, error) {
	id, err := parseSessionID(input.ID)
	if err != nil {
		return nil, err
	}
	if err := h.scheduler.ResumePausedDownload(id); err != nil {
		return nil, translateSchedulerError(err)
	}
	return &EmptyOutput{}, nil
}

// ResumeDownload retries a failed session.
func (h *DownloadHandler) ResumeDownload(_ context.Context, input *SessionIDInput) (*EmptyOutput, error) {
	id, err := parseSessionID(input.ID)
	if err != nil {
		return nil, err
	}
	if err := h.scheduler.ResumeDownload(id); err != nil {
		return nil, translateSchedulerError(err)
	}
	return &EmptyOutput{}, nil
}

// MoveToFront moves a queued session to the front of the queue.
func (h *DownloadHandler) MoveToFront(_ context.Context, input *SessionIDInput) (*EmptyOutput, error) {
	id, err := parseSessionID(input.ID)
	if err != nil {
		return nil, err
	}
	if err := h.scheduler.MoveToFront(id); err != nil {
		return nil, translateSchedulerError(err)
	}
	return &EmptyOutput{}, nil
}

// SetPositionRequest is the request body for reordering a queued download.
type SetPositionRequest struct {
	Position int `json:"position" required:"true"`
}

// SetPositionInput combines the path parameter and request body.
type SetPositionInput struct {
	ID   string `path:"id"`
	Body SetPositionRequest
}

// SetPosition moves a queued session to an explicit 1-based position.
func (h *DownloadHandler) SetPosition(_ context.Context, input *SetPositionInput) (*EmptyOutput, error) {
	id, err := parseSessionID(input.ID)
	if err != nil {
		return nil, err
	}
	if err := h.scheduler.ReorderQueue(id, input.Body.Position); err != nil {
		return nil, translateSchedulerError(err)
	}
	return &EmptyOutput{}, nil
}

// GetQueueInfoInput has no parameters.
type GetQueueInfoInput struct{}

// QueueInfoOutput wraps queue.QueueInfo for huma.
type QueueInfoOutput struct {
	Body queue.QueueInfo
}

// GetQueueInfo reports current scheduler occupancy.
func (h *DownloadHandler) GetQueueInfo(_ context.Context, _ *GetQueueInfoInput) (*QueueInfoOutput, error) {
	return &QueueInfoOutput{Body: h.scheduler.GetQueueInfo()}, nil
}

// translateSchedulerError maps scheduler sentinel errors to HTTP status
// codes; anything unrecognized becomes a 500.
func translateSchedulerError(err error) error {
	switch {
	case errors.Is(err, models.ErrSessionNotFound):
		return huma.Error404NotFound("session not found", err)
	case errors.Is(err, models.ErrSessionActive):
		return huma.Error409Conflict("session is active", err)
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrInvalidPosition):
		return huma.Error400BadRequest("invalid request", err)
	default:
		return huma.Error500InternalServerError("scheduler operation failed", err)
	}
}
