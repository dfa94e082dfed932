package overlay

import (
	"github.com/Tutortoise/plate-checkin-service/models"
)

// Map converts a box in sensor frame pixels into display coordinates for a
// preview that shows the frame rotated 90 degrees clockwise. The rotation
// happens first, in source-frame units, and the scale uses swapped axes
// because the rotated frame is imgH wide and imgW tall.
func Map(box models.BestBox, imgW, imgH, viewW, viewH int) models.DisplayBox {
	rotLeft := box.Top
	rotTop := imgW - box.Right
	rotRight := box.Bottom
	rotBottom := imgW - box.Left

	scaleX := float32(viewW) / float32(imgH)
	scaleY := float32(viewH) / float32(imgW)

	return models.DisplayBox{
		Left:   int(float32(rotLeft) * scaleX),
		Top:    int(float32(rotTop) * scaleY),
		Right:  int(float32(rotRight) * scaleX),
		Bottom: int(float32(rotBottom) * scaleY),
	}
}
