package detections

import (
	"fmt"
	"image"
	"runtime"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"golang.org/x/sys/cpu"
)

// Preprocessor resizes frames and lays them out as planar float tensors.
type Preprocessor struct {
	size       int
	numWorkers int
	bufferPool *sync.Pool
}

func NewPreprocessor(size int) *Preprocessor {
	return &Preprocessor{
		size:       size,
		numWorkers: runtime.GOMAXPROCS(0),
		bufferPool: &sync.Pool{
			New: func() interface{} {
				return make([]float32, size*size*3)
			},
		},
	}
}

func (p *Preprocessor) Size() int { return p.size }

// Process returns a [3,size,size] tensor for img. The buffer may be handed
// back with Recycle once the inference call that consumed it returns.
func (p *Preprocessor) Process(img image.Image) ([]float32, error) {
	resized := imaging.Resize(img, p.size, p.size, imaging.Linear)
	b := resized.Bounds()
	if b.Dx() != p.size || b.Dy() != p.size {
		return nil, &ProcessingError{
			Message: "preprocess",
			Cause:   fmt.Errorf("%w: got %dx%d, want %dx%d", ErrResize, b.Dx(), b.Dy(), p.size, p.size),
		}
	}

	buffer := p.bufferPool.Get().([]float32)
	fillPlanar(buffer, resized, p.size, p.size, p.numWorkers)
	return buffer, nil
}

func (p *Preprocessor) Recycle(buffer []float32) {
	if len(buffer) != p.size*p.size*3 {
		return
	}
	p.bufferPool.Put(buffer)
}

var preprocessors sync.Map

// Preprocess resizes img to targetSize x targetSize and returns the
// channel-planar RGB tensor with values in [0,1].
func Preprocess(img image.Image, targetSize int) ([]float32, error) {
	if targetSize <= 0 {
		return nil, &ProcessingError{Message: "preprocess", Cause: fmt.Errorf("%w: target size %d", ErrResize, targetSize)}
	}
	v, _ := preprocessors.LoadOrStore(targetSize, NewPreprocessor(targetSize))
	return v.(*Preprocessor).Process(img)
}

// Features lists the CPU features relevant to tensor preparation, for the
// startup log.
func Features() string {
	var f []string
	switch runtime.GOARCH {
	case "amd64":
		if cpu.X86.HasAVX512F {
			f = append(f, "avx512f")
		}
		if cpu.X86.HasAVX2 {
			f = append(f, "avx2")
		}
		if cpu.X86.HasSSE41 {
			f = append(f, "sse4.1")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			f = append(f, "asimd")
		}
		if cpu.ARM64.HasFP {
			f = append(f, "fp")
		}
	}
	if len(f) == 0 {
		return "generic"
	}
	return strings.Join(f, ",")
}
