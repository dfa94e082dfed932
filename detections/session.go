package detections

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

type SessionOptions struct {
	ModelPath  string
	InputName  string
	OutputName string
	Threads    int
}

// ModelSession is one ONNX Runtime session with its pre-allocated input and
// output tensors. The session holds no per-cycle state, but the tensors are
// shared, so Run calls on the same ModelSession are serialized.
type ModelSession struct {
	mu      sync.Mutex
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
}

func NewModelSession(opts SessionOptions) (*ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if opts.Threads > 0 {
		options.SetIntraOpNumThreads(opts.Threads)
		options.SetInterOpNumThreads(opts.Threads)
	}

	inputShape := ort.NewShape(1, 3, InputHeight, InputWidth)
	outputShape := ort.NewShape(OutputShape...)

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		opts.ModelPath,
		[]string{opts.InputName},
		[]string{opts.OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &ModelSession{
		Session: session,
		Input:   inputTensor,
		Output:  outputTensor,
	}, nil
}

// Run copies input into the session's input tensor, runs the model and
// returns a copy of the output so the caller never aliases ORT memory.
func (m *ModelSession) Run(ctx context.Context, input []float32) (RawOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return RawOutput{}, err
	}

	dst := m.Input.GetData()
	if len(input) != len(dst) {
		return RawOutput{}, &ProcessingError{
			Message: "model input",
			Cause:   fmt.Errorf("tensor has %d values, want %d", len(input), len(dst)),
		}
	}
	copy(dst, input)

	if err := m.Session.Run(); err != nil {
		return RawOutput{}, fmt.Errorf("model inference: %w", err)
	}

	data := m.Output.GetData()
	out := RawOutput{
		Data:  make([]float32, len(data)),
		Shape: append([]int64(nil), m.Output.GetShape()...),
	}
	copy(out.Data, data)
	return out, nil
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.Input != nil {
		m.Input.Destroy()
	}
	if m.Output != nil {
		m.Output.Destroy()
	}
}
