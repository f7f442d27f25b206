package transport

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff is a capped exponential reconnect policy with proportional jitter.
// Multiplier 1 with zero jitter gives a flat delay of Base.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // fraction of the delay, 0..1
}

// DefaultBackoff starts at the 2s flat delay the stream has always used and
// doubles up to 30s.
var DefaultBackoff = Backoff{
	Base:       2 * time.Second,
	Max:        30 * time.Second,
	Multiplier: 2,
	Jitter:     0.2,
}

// Delay returns the wait before reconnect attempt n (0-based).
func (b Backoff) Delay(n int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	if n < 0 {
		n = 0
	}
	// cap exponent, 2^62ns is already far beyond any sane Max
	if n > 62 {
		n = 62
	}

	d := float64(b.Base) * math.Pow(mult, float64(n))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		j := math.Min(b.Jitter, 1)
		d = d * (1 - j + rand.Float64()*2*j)
		if b.Max > 0 && d > float64(b.Max) {
			d = float64(b.Max)
		}
	}
	return time.Duration(d)
}
