package ocr

import (
	"context"
	"errors"
	"image"
)

// Recognizer reads the text in a cropped plate image.
type Recognizer interface {
	Recognize(ctx context.Context, img image.Image) (string, error)
}

// Func adapts a plain function to Recognizer.
type Func func(ctx context.Context, img image.Image) (string, error)

func (f Func) Recognize(ctx context.Context, img image.Image) (string, error) {
	return f(ctx, img)
}

// ErrDisabled is returned by Disabled for every call.
var ErrDisabled = errors.New("ocr disabled")

// Disabled is used when no OCR provider is configured. Sessions keep
// detecting and drawing the overlay but can never match.
type Disabled struct{}

func (Disabled) Recognize(context.Context, image.Image) (string, error) {
	return "", ErrDisabled
}
