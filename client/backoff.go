package client

import (
	"math/rand"
	"time"
)

// backoff computes the delay before reconnection attempt n (1-based):
// base doubled per attempt, capped at max, then spread by factor.
type backoff struct {
	base   time.Duration
	max    time.Duration
	factor float64
	rand   func() float64
}

func (b backoff) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := b.base

	for i := 1; i < attempt && d < b.max; i++ {
		d *= 2
	}

	if d > b.max {
		d = b.max
	}

	if b.factor > 0 {
		r := rand.Float64
		if b.rand != nil {
			r = b.rand
		}

		deviation := time.Duration(r() * b.factor * float64(d))

		if r() < 0.5 {
			d -= deviation
		} else {
			d += deviation
		}

		if d > b.max {
			d = b.max
		}
	}

	if d < 0 {
		d = 0
	}

	return d
}
