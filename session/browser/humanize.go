package browser

import (
	"math"
	"math/rand"
	"time"
)

const (
	dragStepsMin = 18
	dragStepsMax = 23
	dragTotalMin = 400 * time.Millisecond
	dragTotalMax = 900 * time.Millisecond
)

// HumanDragPath builds a randomized press-move-release path from start to
// target that resembles a human slider pull: roughly twenty movement
// events spread over 400 to 900 milliseconds, an ease-out horizontal
// profile, and a little vertical wobble. The release lands within a pixel
// or two of the target, inside the tolerance sliders allow.
// 模拟人手拖动滑块：先快后慢，路径带轻微抖动。
func HumanDragPath(start, target Point, rng *rand.Rand) DragPath {
	steps := dragStepsMin + rng.Intn(dragStepsMax-dragStepsMin+1)
	total := dragTotalMin + time.Duration(rng.Int63n(int64(dragTotalMax-dragTotalMin)+1))

	// Random per-step weights scaled so the pauses sum to the total.
	weights := make([]float64, steps)
	var weightSum float64
	for i := range weights {
		weights[i] = 0.5 + rng.Float64()
		weightSum += weights[i]
	}

	endX := target.X + (rng.Float64()*2-1)*1.5
	endY := target.Y + (rng.Float64()*2-1)*1.0

	path := DragPath{Start: start, Steps: make([]DragStep, 0, steps)}
	wobble := 0.0
	for i := 1; i <= steps; i++ {
		t := float64(i) / float64(steps)
		// Ease-out: most of the distance early, settling near the target.
		progress := 1 - math.Pow(1-t, 2)
		wobble += (rng.Float64()*2 - 1) * 0.8
		if wobble > 3 {
			wobble = 3
		} else if wobble < -3 {
			wobble = -3
		}
		pt := Point{
			X: start.X + (endX-start.X)*progress,
			Y: start.Y + (endY-start.Y)*progress + wobble,
		}
		if i == steps {
			pt = Point{X: endX, Y: endY}
		}
		pause := time.Duration(float64(total) * weights[i-1] / weightSum)
		path.Steps = append(path.Steps, DragStep{To: pt, Pause: pause})
	}
	return path
}
