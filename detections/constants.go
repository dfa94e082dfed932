package detections

const (
	InputSize      = 640
	InputWidth     = InputSize
	InputHeight    = InputSize
	NumChannels    = 5
	NumPredictions = 8400
	ConfThreshold  = 0.4
)
