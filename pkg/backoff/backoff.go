// Package backoff computes capped exponential retry delays.
package backoff

import "time"

type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns Base*2^(attempt-1), capped at Max. Attempts start at 1.
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := e.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if e.Max > 0 && d >= e.Max {
			return e.Max
		}
	}
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}
