package client

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Reconnect policy defaults: 1s base delay, 1.5x growth, give up after 10
// attempts.
const (
	DefaultReconnectBaseDelay   = time.Second
	DefaultReconnectFactor      = 1.5
	DefaultReconnectMaxAttempts = 10
)

// reconnectBackoff produces the delay before each reconnection attempt and
// caps the total number of attempts.
type reconnectBackoff struct {
	mu          sync.Mutex
	exp         *backoff.ExponentialBackOff
	maxAttempts int
	attempts    int
}

func newReconnectBackoff(base time.Duration, factor float64, maxAttempts int) *reconnectBackoff {
	if base <= 0 {
		base = DefaultReconnectBaseDelay
	}
	if factor <= 1 {
		factor = DefaultReconnectFactor
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultReconnectMaxAttempts
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.Multiplier = factor
	exp.RandomizationFactor = 0
	exp.MaxInterval = 5 * time.Minute
	exp.MaxElapsedTime = 0
	exp.Reset()

	return &reconnectBackoff{exp: exp, maxAttempts: maxAttempts}
}

// next returns the delay before the next attempt, or false once the attempt
// budget is spent.
func (r *reconnectBackoff) next() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.attempts >= r.maxAttempts {
		return 0, false
	}
	r.attempts++
	return r.exp.NextBackOff(), true
}

// reset restarts the schedule after a successful connection.
func (r *reconnectBackoff) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = 0
	r.exp.Reset()
}

func (r *reconnectBackoff) attemptCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}
