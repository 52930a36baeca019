package browser

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestHumanDragPath_Envelope(t *testing.T) {
	start := Point{X: 120, Y: 310}
	target := Point{X: 372, Y: 310}

	for seed := int64(0); seed < 200; seed++ {
		rng := rand.New(rand.NewSource(seed))
		path := HumanDragPath(start, target, rng)

		require.GreaterOrEqual(t, len(path.Steps), dragStepsMin, "seed %d", seed)
		require.LessOrEqual(t, len(path.Steps), dragStepsMax, "seed %d", seed)

		var total time.Duration
		prevX := start.X
		for _, step := range path.Steps {
			total += step.Pause
			assert.GreaterOrEqual(t, step.To.X, prevX, "seed %d: x must not move backwards", seed)
			prevX = step.To.X
		}
		// Per-step truncation can shave at most one nanosecond per step.
		assert.GreaterOrEqual(t, total, dragTotalMin-time.Duration(len(path.Steps)))
		assert.LessOrEqual(t, total, dragTotalMax)

		end := path.End()
		assert.LessOrEqual(t, math.Abs(end.X-target.X), 1.5, "seed %d", seed)
		assert.LessOrEqual(t, math.Abs(end.Y-target.Y), 1.0, "seed %d", seed)
	}
}

func TestHumanDragPath_DeterministicPerSeed(t *testing.T) {
	start := Point{X: 50, Y: 200}
	target := Point{X: 260, Y: 204}

	a := HumanDragPath(start, target, rand.New(rand.NewSource(7)))
	b := HumanDragPath(start, target, rand.New(rand.NewSource(7)))
	require.Equal(t, a, b)

	c := HumanDragPath(start, target, rand.New(rand.NewSource(8)))
	assert.NotEqual(t, a, c, "different seeds should vary the gesture")
}

func TestHumanDragPath_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		startX := rapid.Float64Range(0, 500).Draw(t, "start_x")
		y := rapid.Float64Range(50, 800).Draw(t, "y")
		dist := rapid.Float64Range(40, 600).Draw(t, "dist")
		seed := rapid.Int64().Draw(t, "seed")

		start := Point{X: startX, Y: y}
		target := Point{X: startX + dist, Y: y}
		path := HumanDragPath(start, target, rand.New(rand.NewSource(seed)))

		if len(path.Steps) < dragStepsMin || len(path.Steps) > dragStepsMax {
			t.Fatalf("step count %d out of range", len(path.Steps))
		}
		for _, step := range path.Steps {
			if step.Pause < 0 {
				t.Fatalf("negative pause %v", step.Pause)
			}
			if math.Abs(step.To.Y-y) > 5 {
				t.Fatalf("wobble %v strayed too far from row %v", step.To.Y, y)
			}
		}
		if math.Abs(path.End().X-target.X) > 1.5 {
			t.Fatalf("release x %v too far from target %v", path.End().X, target.X)
		}
	})
}
