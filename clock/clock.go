// Package clock provides the monotonic time source and the cancellable
// one-shot timer primitive the engine uses for election timeouts,
// heartbeats, and RPC deadlines (spec §2, component 1).
package clock

import (
	"math/rand"
	"sync"
	"time"
)

// Source is the monotonic time source. The default is the real wall clock;
// tests substitute a fake to drive the engine deterministically without
// sleeping.
type Source interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable one-shot alarm. Stop is idempotent and safe to
// call after the timer has already fired.
type Timer interface {
	// Stop cancels the timer. It returns true if it stopped the timer
	// before it fired.
	Stop() bool
	// Reset reschedules the timer to fire after d, as if freshly created.
	Reset(d time.Duration)
}

// Real is the production Source, backed by time.AfterFunc.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return &realTimer{t: time.AfterFunc(d, f)}
}

type realTimer struct {
	t *time.Timer
}

func (r *realTimer) Stop() bool { return r.t.Stop() }

func (r *realTimer) Reset(d time.Duration) { r.t.Reset(d) }

// RandomDuration returns a value drawn uniformly from [lo, 2*lo), the
// randomized election-timeout window required by §4.1. It is safe for
// concurrent use.
func RandomDuration(lo time.Duration) time.Duration {
	if lo <= 0 {
		return 0
	}
	jitterMu.Lock()
	defer jitterMu.Unlock()
	return lo + time.Duration(jitterRand.Int63n(int64(lo)))
}

var (
	jitterMu   sync.Mutex
	jitterRand = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Backoff computes a capped exponential backoff with jitter for attempt
// number n (0-based), used by the replicator's transport-failure path
// (§4.3).
func Backoff(base time.Duration, n int, cap time.Duration) time.Duration {
	if n > 20 {
		n = 20 // avoid overflow; 2^20 * base is already far past cap
	}
	d := base << n
	if d <= 0 || d > cap {
		d = cap
	}
	jitterMu.Lock()
	defer jitterMu.Unlock()
	return d/2 + time.Duration(jitterRand.Int63n(int64(d/2+1)))
}
