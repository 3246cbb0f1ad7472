package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/hlsvault/internal/models"
	"github.com/jmylchreest/hlsvault/internal/queue"
)

// StreamHandler serves a completed download's final file with HTTP
// Range support. Registered as a raw chi route rather than a huma
// operation: Range handling is delegated wholesale to
// http.ServeContent, which writes status codes and Content-Range
// headers directly to the ResponseWriter in a way a typed JSON-body
// huma operation cannot express.
type StreamHandler struct {
	scheduler *queue.Scheduler
	store     sessionDirer
	logger    *slog.Logger
}

// sessionDirer is the subset of *store.Store StreamHandler needs,
// kept narrow so tests can fake it without a real Store.
type sessionDirer interface {
	BaseDir() string
	SessionDir(id models.ULID) string
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(scheduler *queue.Scheduler, store sessionDirer, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{scheduler: scheduler, store: store, logger: logger}
}

// Register mounts GET /stream/{id} on router.
func (h *StreamHandler) Register(router chi.Router) {
	router.Get("/stream/{id}", h.ServeHTTP)
}

// ServeHTTP streams a completed session's output file, refusing
// anything not yet Completed.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := models.ParseULID(raw)
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	sess, err := h.scheduler.GetProgress(id)
	if errors.Is(err, models.ErrSessionNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		h.logger.Error("failed to read session for streaming", slog.String("id", id.String()), slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if sess.Status != models.StatusCompleted {
		http.Error(w, "download is not yet complete", http.StatusConflict)
		return
	}

	fullPath := filepath.Join(h.store.BaseDir(), h.store.SessionDir(id), sess.Filename)
	file, err := os.Open(fullPath) //nolint:gosec // path is built from a resolved session dir + stored filename, not request input
	if err != nil {
		h.logger.Error("failed to open session output for streaming", slog.String("id", id.String()), slog.String("error", err.Error()))
		http.Error(w, "file unavailable", http.StatusInternalServerError)
		return
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		http.Error(w, "file unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentTypeForFilename(sess.Filename))
	w.Header().Set("Accept-Ranges", "bytes")
	http.ServeContent(w, r, "", stat.ModTime(), file)
}

func contentTypeForFilename(name string) string {
	if strings.HasSuffix(strings.ToLower(name), ".mp4") {
		return "video/mp4"
	}
	return "application/octet-stream"
}
