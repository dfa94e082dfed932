package detections

import (
	"fmt"

	"github.com/Tutortoise/plate-checkin-service/models"
)

// RawOutput is the detector's native output buffer with its declared shape.
type RawOutput struct {
	Data  []float32
	Shape []int64
}

// OutputShape is the shape the plate detector must produce: one batch,
// cx/cy/w/h/conf channels over every anchor.
var OutputShape = []int64{1, NumChannels, NumPredictions}

// Reshape validates out against OutputShape and returns per-channel views
// into its data, [channels][predictions]. No data is copied.
func Reshape(out RawOutput) ([][]float32, error) {
	if len(out.Shape) != len(OutputShape) {
		return nil, fmt.Errorf("%w: got %v, want %v", ErrOutputShape, out.Shape, OutputShape)
	}
	for i := range OutputShape {
		if out.Shape[i] != OutputShape[i] {
			return nil, fmt.Errorf("%w: got %v, want %v", ErrOutputShape, out.Shape, OutputShape)
		}
	}
	if len(out.Data) != NumChannels*NumPredictions {
		return nil, fmt.Errorf("%w: got %d values, want %d", ErrOutputShape, len(out.Data), NumChannels*NumPredictions)
	}

	feat := make([][]float32, NumChannels)
	for c := 0; c < NumChannels; c++ {
		feat[c] = out.Data[c*NumPredictions : (c+1)*NumPredictions : (c+1)*NumPredictions]
	}
	return feat, nil
}

// Postprocess transposes raw [5][N] detector output into N candidates.
// Nothing is filtered here.
func Postprocess(raw [][]float32) ([]models.Detection, error) {
	if len(raw) != NumChannels {
		return nil, fmt.Errorf("%w: %d channels, want %d", ErrOutputShape, len(raw), NumChannels)
	}
	numPreds := len(raw[0])
	for c := 1; c < NumChannels; c++ {
		if len(raw[c]) != numPreds {
			return nil, fmt.Errorf("%w: channel %d has %d predictions, want %d", ErrOutputShape, c, len(raw[c]), numPreds)
		}
	}

	dets := make([]models.Detection, numPreds)
	for i := 0; i < numPreds; i++ {
		dets[i] = models.Detection{
			CenterX:    raw[0][i],
			CenterY:    raw[1][i],
			Width:      raw[2][i],
			Height:     raw[3][i],
			Confidence: raw[4][i],
		}
	}
	return dets, nil
}
