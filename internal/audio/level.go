package audio

import "math"

// levelScale maps the L2 norm of a 20 ms frame onto the meter range. Normal
// speech lands around 0.1-0.5; a frame of full-scale samples saturates.
const levelScale = 50000.0

// Level returns the meter amplitude of a block of samples, clamped to [0,1].
func Level(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	level := math.Sqrt(sum) / levelScale
	if level > 1 || math.IsInf(level, 1) {
		return 1
	}
	if level < 0 || math.IsNaN(level) {
		return 0
	}
	return level
}
