package models

import (
	"errors"
	"fmt"
)

// ErrValidation represents a validation error with field and message.
type ErrValidation struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ErrValidation) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

// ErrorKind classifies why a download failed, driving retry and HTTP
// translation decisions.
type ErrorKind string

const (
	// ErrorKindTransientNetwork covers 5xx, timeouts, and connection resets.
	// Retried within the fetcher's own budget.
	ErrorKindTransientNetwork ErrorKind = "transient_network"
	// ErrorKindUpstreamNotReady covers a JSON error body or an empty segment,
	// meaning the upstream transcoder has not produced the segment yet.
	ErrorKindUpstreamNotReady ErrorKind = "upstream_not_ready"
	// ErrorKindPermanentUpstream covers 4xx responses (other than 401/404)
	// surviving the final retry attempt.
	ErrorKindPermanentUpstream ErrorKind = "permanent_upstream"
	// ErrorKindAuthExpired covers a 401 from the upstream.
	ErrorKindAuthExpired ErrorKind = "auth_expired"
	// ErrorKindRemuxFailed covers a nonzero ffmpeg exit code.
	ErrorKindRemuxFailed ErrorKind = "remux_failed"
	// ErrorKindFfmpegMissing covers a failure to spawn ffmpeg at all.
	ErrorKindFfmpegMissing ErrorKind = "ffmpeg_missing"
	// ErrorKindCorruptSegment covers a segment failing MP4 box-type validation.
	ErrorKindCorruptSegment ErrorKind = "corrupt_segment"
	// ErrorKindDiskFull covers ENOSPC and related write failures.
	ErrorKindDiskFull ErrorKind = "disk_full"
	// ErrorKindIO covers any other file I/O failure.
	ErrorKindIO ErrorKind = "io"
	// ErrorKindInterrupted covers a Downloading session found orphaned at startup.
	ErrorKindInterrupted ErrorKind = "interrupted"
	// ErrorKindCancelled covers a user-initiated cancel.
	ErrorKindCancelled ErrorKind = "cancelled"
)

// Retryable reports whether this kind should be absorbed by the
// fetcher's own retry budget rather than failing the session outright.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindTransientNetwork, ErrorKindUpstreamNotReady, ErrorKindCorruptSegment:
		return true
	default:
		return false
	}
}

// DownloadError is a fatal, typed error carrying the kind that caused a
// session to fail. Only DownloadError values ever escape a worker;
// everything else is absorbed by the fetcher's retry loop.
type DownloadError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// NewDownloadError builds a DownloadError, formatting Message from cause
// when Message is empty.
func NewDownloadError(kind ErrorKind, message string, cause error) *DownloadError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &DownloadError{Kind: kind, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *DownloadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *DownloadError) Unwrap() error {
	return e.Cause
}

// AsDownloadError extracts a *DownloadError from err, if any is in its chain.
func AsDownloadError(err error) (*DownloadError, bool) {
	var de *DownloadError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// Sentinel validation errors shared across request types.
var (
	ErrItemIDRequired     = errors.New("itemId is required")
	ErrPresetRequired     = errors.New("preset is required")
	ErrUnknownPreset      = errors.New("unknown preset")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionNotActive   = errors.New("session is not active")
	ErrSessionActive      = errors.New("session is active and cannot be removed")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrInvalidPosition    = errors.New("invalid queue position")
	ErrSessionNotComplete = errors.New("session is not completed")
)
