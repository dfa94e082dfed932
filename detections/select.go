package detections

import (
	"github.com/Tutortoise/plate-checkin-service/models"
)

// Select picks the single highest-confidence detection that survives the
// threshold and clamping, mapped into imgW x imgH pixels. Boxes are not
// suppressed against each other; ties keep the earliest candidate.
func Select(dets []models.Detection, imgW, imgH int, threshold float32) (models.BestBox, bool) {
	var (
		best      models.BestBox
		bestScore float32
		found     bool
	)

	scaleX := float32(imgW) / InputWidth
	scaleY := float32(imgH) / InputHeight

	for _, d := range dets {
		// Written as a negation so NaN scores are dropped too.
		if !(d.Confidence >= threshold) {
			continue
		}

		cx := d.CenterX * scaleX
		cy := d.CenterY * scaleY
		w := d.Width * scaleX
		h := d.Height * scaleY

		left := clampTrunc(cx-w/2, imgW-1)
		top := clampTrunc(cy-h/2, imgH-1)
		right := clampTrunc(cx+w/2, imgW-1)
		bottom := clampTrunc(cy+h/2, imgH-1)

		if right <= left || bottom <= top {
			continue
		}

		if !found || d.Confidence > bestScore {
			bestScore = d.Confidence
			best = models.BestBox{Left: left, Top: top, Right: right, Bottom: bottom, Confidence: d.Confidence}
			found = true
		}
	}

	return best, found
}

// clampTrunc truncates v toward zero and clamps it into [0, hi]. NaN maps
// to 0 so a corrupt anchor can never produce an out-of-frame box.
func clampTrunc(v float32, hi int) int {
	switch {
	case v != v:
		return 0
	case v >= float32(hi):
		return max(hi, 0)
	case v <= 0:
		return 0
	}
	return min(int(v), hi)
}
