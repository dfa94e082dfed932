package models

import "time"

// Detection is one raw detector candidate in model input space (640x640).
type Detection struct {
	CenterX    float32
	CenterY    float32
	Width      float32
	Height     float32
	Confidence float32
}

// BestBox is the selected detection in original frame pixels.
type BestBox struct {
	Left       int
	Top        int
	Right      int
	Bottom     int
	Confidence float32
}

func (b BestBox) Dx() int { return b.Right - b.Left }
func (b BestBox) Dy() int { return b.Bottom - b.Top }

// DisplayBox is a BestBox rotated and scaled into overlay coordinates.
type DisplayBox struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

type MatchResult struct {
	Matched       bool   `json:"matched"`
	Mode          string `json:"mode"`
	ReservationID int    `json:"reservation_id"`
}

type ProcessingTimings struct {
	SessionID   string
	Cycle       uint64
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Selection   time.Duration
	Crop        time.Duration
	Total       time.Duration
}
