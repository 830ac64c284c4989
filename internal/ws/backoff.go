package ws

import "time"

const (
	DefaultRetryDelay    = 1000 * time.Millisecond
	DefaultRetryAttempts = 5
)

// Backoff is a fixed-delay, bounded retry budget. The budget refills after
// every successful connect.
type Backoff struct {
	Delay       time.Duration
	MaxAttempts int
	attempt     int
}

func NewBackoff(delay time.Duration, maxAttempts int) *Backoff {
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	return &Backoff{Delay: delay, MaxAttempts: maxAttempts}
}

// Next returns the delay before the next attempt, or false once the budget is spent.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.attempt >= b.MaxAttempts {
		return 0, false
	}
	b.attempt++
	return b.Delay, true
}

// Attempts returns how many retries have been handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
