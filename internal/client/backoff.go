package client

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig shapes the wait between connect attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Jitter scales each delay by a random factor in [0.5, 1.5).
	Jitter bool
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
}

// Delay is the wait after failed attempt n (1-based). It never exceeds
// MaxDelay when one is set, jitter included.
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	limit := float64(math.MaxInt64)
	if b.MaxDelay > 0 {
		limit = float64(b.MaxDelay)
	}

	d := float64(b.InitialDelay)
	for i := 1; i < attempt && d < limit && b.Multiplier > 1; i++ {
		d *= b.Multiplier
	}
	if b.Jitter && rng != nil {
		d *= 0.5 + rng.Float64()
	}
	if d >= limit {
		if b.MaxDelay > 0 {
			return b.MaxDelay
		}
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
