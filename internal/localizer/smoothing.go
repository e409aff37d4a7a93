package localizer

import (
	"math"

	"github.com/book-expert/lipsync-service/internal/core"
)

// DefaultSmoothingWindow is the number of boxes averaged per output box.
const DefaultSmoothingWindow = 5

// Smooth replaces every box with the mean of the window boxes starting at it;
// windows that would run past the end use the last window boxes instead.
// Confidence is left untouched. Averages are taken over the unsmoothed input.
// A window of 0 or 1 leaves boxes unchanged.
func Smooth(boxes []core.FaceBox, window int) {
	if window <= 1 || len(boxes) == 0 {
		return
	}

	window = min(window, len(boxes))
	original := make([]core.FaceBox, len(boxes))
	copy(original, boxes)

	for i := range boxes {
		start := i
		if i+window > len(original) {
			start = len(original) - window
		}

		var sumX1, sumY1, sumX2, sumY2 float64
		for _, box := range original[start : start+window] {
			sumX1 += float64(box.X1)
			sumY1 += float64(box.Y1)
			sumX2 += float64(box.X2)
			sumY2 += float64(box.Y2)
		}

		n := float64(window)
		boxes[i].X1 = int(math.Round(sumX1 / n))
		boxes[i].Y1 = int(math.Round(sumY1 / n))
		boxes[i].X2 = int(math.Round(sumX2 / n))
		boxes[i].Y2 = int(math.Round(sumY2 / n))
	}
}
