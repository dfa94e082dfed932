package pipeline

import "errors"

var (
	// ErrFrameUnavailable means the frame's pixels could not be obtained.
	// The cycle is skipped.
	ErrFrameUnavailable = errors.New("frame buffer unavailable")
	// ErrModelUnavailable means the inference engine could not be opened.
	// It is fatal for the session.
	ErrModelUnavailable = errors.New("inference engine unavailable")
	// ErrRecognition wraps OCR failures. The session continues.
	ErrRecognition = errors.New("text recognition failed")

	ErrPermissionDenied  = errors.New("camera permission denied")
	ErrInvalidTransition = errors.New("invalid session state transition")
)
