package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"sync"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// Frame is one captured image. The pipeline owns a frame from the moment it
// is offered and calls Release exactly once on every path.
type Frame interface {
	Image() (image.Image, error)
	Release()
}

type imageFrame struct {
	img     image.Image
	once    sync.Once
	release func()
}

// NewImageFrame wraps a decoded image. release may be nil.
func NewImageFrame(img image.Image, release func()) Frame {
	return &imageFrame{img: img, release: release}
}

func (f *imageFrame) Image() (image.Image, error) {
	if f.img == nil {
		return nil, ErrFrameUnavailable
	}
	return f.img, nil
}

func (f *imageFrame) Release() {
	f.once.Do(func() {
		f.img = nil
		if f.release != nil {
			f.release()
		}
	})
}

type encodedFrame struct {
	data    []byte
	once    sync.Once
	release func()
}

// NewEncodedFrame wraps a JPEG, PNG or WebP payload. Decoding is deferred
// to the analysis cycle, so frames that get dropped are never decoded.
func NewEncodedFrame(data []byte, release func()) Frame {
	return &encodedFrame{data: data, release: release}
}

func (f *encodedFrame) Image() (image.Image, error) {
	if len(f.data) == 0 {
		return nil, ErrFrameUnavailable
	}
	img, err := imaging.Decode(bytes.NewReader(f.data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameUnavailable, err)
	}
	return img, nil
}

func (f *encodedFrame) Release() {
	f.once.Do(func() {
		f.data = nil
		if f.release != nil {
			f.release()
		}
	})
}
