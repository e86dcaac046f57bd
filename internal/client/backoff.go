// ABOUTME: Exponential backoff with jitter for reconnecting push channels
// ABOUTME: Next grows the interval up to a ceiling; Reset returns to the start after a success

package client

import (
	"math/rand/v2"
	"time"
)

// Backoff yields growing wait intervals. Not safe for concurrent use.
type Backoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	current         time.Duration
}

// NewBackoff creates a Backoff starting at initial and capped at max.
func NewBackoff(initial, max time.Duration, multiplier float64) *Backoff {
	if multiplier < 1 {
		multiplier = 1
	}
	return &Backoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
	}
}

// Next returns the next wait, with up to 10% jitter either way.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.InitialInterval
	} else {
		b.current = time.Duration(float64(b.current) * b.Multiplier)
	}
	if b.current > b.MaxInterval {
		b.current = b.MaxInterval
	}

	jitter := time.Duration((rand.Float64()*0.2 - 0.1) * float64(b.current))
	return b.current + jitter
}

// Reset starts the sequence over.
func (b *Backoff) Reset() {
	b.current = 0
}
