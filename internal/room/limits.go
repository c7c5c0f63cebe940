package room

import (
	"regexp"
	"sync"
	"time"
)

const maxMessagesPerMinute = 500

// documentIDPattern validates document identifiers taken from the URL path.
var documentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_:-]+$`)

// ValidDocumentID reports whether an identifier is acceptable as a room key.
func ValidDocumentID(id string) bool {
	return id != "" && len(id) <= 256 && documentIDPattern.MatchString(id)
}

// messageLimiter is a sliding-window rate limiter for one connection.
type messageLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	times  []time.Time
}

func newMessageLimiter(limit int) *messageLimiter {
	return &messageLimiter{limit: limit, window: time.Minute}
}

// allow records an event and reports whether it fits the window.
func (l *messageLimiter) allow() bool {
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.times[:0]
	for _, t := range l.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.times = kept

	if len(l.times) >= l.limit {
		return false
	}
	l.times = append(l.times, now)
	return true
}
