package raft

import (
	"math/rand"
	"time"
)

// ElectionTimer is a single-shot countdown with a randomized duration. Only
// the channel of the last armed timer is ever selected on, so a timer which
// fires after being replaced has no effect.
type ElectionTimer struct {
	minTimeout time.Duration
	maxTimeout time.Duration

	randGenerator *rand.Rand

	timer *time.Timer
}

func NewElectionTimer(minTimeout, maxTimeout time.Duration, randGenerator *rand.Rand) *ElectionTimer {
	return &ElectionTimer{
		minTimeout: minTimeout,
		maxTimeout: maxTimeout,

		randGenerator: randGenerator,
	}
}

// Reset cancels the pending countdown if there is one and arms a new one.
func (t *ElectionTimer) Reset() time.Duration {
	t.Stop()

	timeout := t.Timeout()
	t.timer = time.NewTimer(timeout)

	return timeout
}

func (t *ElectionTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// C returns a nil channel when the timer is not armed.
func (t *ElectionTimer) C() <-chan time.Time {
	if t.timer == nil {
		return nil
	}

	return t.timer.C
}

func (t *ElectionTimer) Timeout() time.Duration {
	minTimeoutMs := t.minTimeout.Milliseconds()
	maxTimeoutMs := t.maxTimeout.Milliseconds()

	jitter := t.randGenerator.Int63n(maxTimeoutMs - minTimeoutMs + 1)
	timeoutMs := minTimeoutMs + jitter

	return time.Duration(timeoutMs) * time.Millisecond
}
