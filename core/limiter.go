package core

import (
	"fmt"
	"sync"
)

// RunLimiter enforces a maximum number of runs streaming at the same time
// across all conversations.
type RunLimiter struct {
	max    int
	active int
	mu     sync.Mutex
}

// NewRunLimiter creates a new limiter with a max number of concurrent runs.
// If max == 0, unlimited runs are allowed.
func NewRunLimiter(max int) *RunLimiter {
	return &RunLimiter{max: max}
}

// Acquire takes a slot and returns an error wrapping ErrTooManyRuns if the
// limit is reached. Every successful Acquire must be paired with Release.
func (rl *RunLimiter) Acquire() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.max > 0 && rl.active >= rl.max {
		return fmt.Errorf("%w: limit is %d", ErrTooManyRuns, rl.max)
	}
	rl.active++

	return nil
}

// Release returns a slot.
func (rl *RunLimiter) Release() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.active > 0 {
		rl.active--
	}
}

// Active returns the number of slots currently held.
func (rl *RunLimiter) Active() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return rl.active
}

// Remaining returns how many runs may still start before hitting the limit.
func (rl *RunLimiter) Remaining() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.max == 0 {
		return -1 // unlimited
	}

	return rl.max - rl.active
}
