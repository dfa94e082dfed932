package detections

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReshape(t *testing.T) {
	t.Run("valid output", func(t *testing.T) {
		data := make([]float32, NumChannels*NumPredictions)
		for c := 0; c < NumChannels; c++ {
			data[c*NumPredictions] = float32(c + 1)
		}
		feat, err := Reshape(RawOutput{Data: data, Shape: []int64{1, 5, 8400}})
		require.NoError(t, err)
		require.Len(t, feat, NumChannels)
		for c := 0; c < NumChannels; c++ {
			assert.Len(t, feat[c], NumPredictions)
			assert.Equal(t, float32(c+1), feat[c][0])
		}
	})

	t.Run("wrong shape", func(t *testing.T) {
		_, err := Reshape(RawOutput{Data: make([]float32, 6*8400), Shape: []int64{1, 6, 8400}})
		assert.True(t, errors.Is(err, ErrOutputShape))
	})

	t.Run("wrong rank", func(t *testing.T) {
		_, err := Reshape(RawOutput{Data: make([]float32, 5*8400), Shape: []int64{5, 8400}})
		assert.ErrorIs(t, err, ErrOutputShape)
	})

	t.Run("short data", func(t *testing.T) {
		_, err := Reshape(RawOutput{Data: make([]float32, 10), Shape: []int64{1, 5, 8400}})
		assert.ErrorIs(t, err, ErrOutputShape)
	})
}

func TestPostprocessTransposes(t *testing.T) {
	raw := [][]float32{
		{1, 2, 3},
		{4, 5, 6},
		{7, 8, 9},
		{10, 11, 12},
		{0.1, 0.2, 0.3},
	}
	dets, err := Postprocess(raw)
	require.NoError(t, err)
	require.Len(t, dets, 3)

	for i, d := range dets {
		assert.Equal(t, raw[0][i], d.CenterX)
		assert.Equal(t, raw[1][i], d.CenterY)
		assert.Equal(t, raw[2][i], d.Width)
		assert.Equal(t, raw[3][i], d.Height)
		assert.Equal(t, raw[4][i], d.Confidence)
	}
}

func TestPostprocessKeepsLowConfidence(t *testing.T) {
	raw := make([][]float32, NumChannels)
	for c := range raw {
		raw[c] = make([]float32, NumPredictions)
	}
	dets, err := Postprocess(raw)
	require.NoError(t, err)
	assert.Len(t, dets, NumPredictions)
}

func TestPostprocessRejectsBadInput(t *testing.T) {
	_, err := Postprocess([][]float32{{1}, {2}})
	assert.ErrorIs(t, err, ErrOutputShape)

	_, err = Postprocess([][]float32{{1, 2}, {1, 2}, {1}, {1, 2}, {1, 2}})
	assert.ErrorIs(t, err, ErrOutputShape)
}
