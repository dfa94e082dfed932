package detections

import (
	"errors"
	"fmt"
)

var (
	ErrResize      = errors.New("resized image has unexpected dimensions")
	ErrOutputShape = errors.New("unexpected model output shape")
)

type ProcessingError struct {
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}
