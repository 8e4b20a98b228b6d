package session

import (
	"math/rand"
	"time"
)

// backoff is an exponential reconnection schedule: delay doubles with
// each attempt up to max, randomized by up to jitter either way.
type backoff struct {
	attempts int
	delay    time.Duration
	max      time.Duration
	jitter   float64
}

// duration returns the wait before attempt, counting from 1.
func (b backoff) duration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := b.delay
	for i := 1; i < attempt && d < b.max; i++ {
		d *= 2
	}

	if b.jitter > 0 {
		deviation := time.Duration(rand.Float64() * b.jitter * float64(d))
		if rand.Intn(2) == 0 {
			d -= deviation
		} else {
			d += deviation
		}
	}

	if d > b.max {
		d = b.max
	}
	return d
}
