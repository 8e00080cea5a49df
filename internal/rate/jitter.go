package rate

import (
	"math/rand"
	"sync"
	"time"

	"github.com/aquilax/go-perlin"
)

// Standard Perlin parameters, matching the noise shaping used elsewhere in
// the pipeline for human-plausible motion.
const (
	perlinAlpha = 2.0
	perlinBeta  = 2.0
	perlinN     = int32(3)

	// perlinStep is how far the sample cursor advances per draw. Small steps
	// keep successive jitter values correlated, so inter-request spacing
	// drifts smoothly instead of flickering like white noise.
	perlinStep = 0.17
)

// jitterSource produces bounded symmetric noise in [-1, 1] from a 1D Perlin
// field. Successive samples are correlated: request spacing wanders rather
// than jumping, which reads as organic pacing instead of a randomized timer.
type jitterSource struct {
	mu     sync.Mutex
	noise  *perlin.Perlin
	cursor float64
}

func newJitterSource(seed int64) *jitterSource {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &jitterSource{
		noise: perlin.NewPerlin(perlinAlpha, perlinBeta, perlinN, seed),
		// Start the cursor at a random phase so controllers seeded close
		// together do not pace in lockstep.
		cursor: rand.New(rand.NewSource(seed)).Float64() * 1000,
	}
}

// Sample returns the next noise value, clamped to [-1, 1].
func (j *jitterSource) Sample() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	v := j.noise.Noise1D(j.cursor)
	j.cursor += perlinStep

	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
