package multimcp

import (
	"math/rand"
	"sync"
	"time"
)

// restartBackoff tracks one backend's consecutive restart failures and
// derives the delay before the next attempt. It is a fixed-size record per
// backend: memory stays bounded no matter how often the backend crashes.
type restartBackoff struct {
	mu           sync.Mutex
	failureCount int
	lastFailTime time.Time
	maxFailures  int
	baseDelay    time.Duration
	maxDelay     time.Duration
}

func newRestartBackoff(maxFailures int, baseDelay, maxDelay time.Duration) *restartBackoff {
	return &restartBackoff{
		maxFailures: maxFailures,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

func (b *restartBackoff) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailTime = time.Now()
}

func (b *restartBackoff) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
}

// Exhausted reports whether the attempt budget is spent and the backend
// should be given up on.
func (b *restartBackoff) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.failureCount >= b.maxFailures
}

// Delay returns the jittered exponential delay for the current failure
// streak: base, 2*base, 4*base, ... capped at maxDelay, each halved and
// topped up with a random share so synchronized restarts spread out.
func (b *restartBackoff) Delay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.baseDelay
	for i := 1; i < b.failureCount; i++ {
		delay *= 2
		if delay >= b.maxDelay {
			delay = b.maxDelay
			break
		}
	}

	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func (b *restartBackoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.failureCount
}
