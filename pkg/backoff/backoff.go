// Copyright 2023 CeresDB Project Authors. Licensed under Apache-2.0.

package backoff

import (
	"math"
	"math/rand"
	"time"
)

const minDelay = time.Millisecond * 100

// Policy bounds a retry loop: how long to wait between attempts and how many
// attempts are permitted before the error is surfaced to the caller.
// MaxAttempts <= 0 means the loop retries until its context is cancelled.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// NewMutationPolicy returns the bounded policy used on caller-blocking remote
// round-trips (create/drop/alter and resolve-on-miss checks).
func NewMutationPolicy() Policy {
	return Policy{
		BaseDelay:   time.Second,
		MaxDelay:    time.Second * 10,
		MaxAttempts: 3,
	}
}

// NewSyncPolicy returns the unbounded policy used by background sync passes.
func NewSyncPolicy() Policy {
	return Policy{
		BaseDelay:   time.Second,
		MaxDelay:    time.Second * 32,
		MaxAttempts: 0,
	}
}

// Permit reports whether another attempt is allowed after `attempt` failed
// ones.
func (p Policy) Permit(attempt int) bool {
	return p.MaxAttempts <= 0 || attempt < p.MaxAttempts
}

// Delay returns an exponential delay with full jitter for the given attempt:
//
//	delay = max(minDelay, rand(0, min(MaxDelay, BaseDelay * 2^attempt)))
//
// A non-positive MaxDelay caps at minDelay, so Delay never panics on a
// half-filled policy.
func (p Policy) Delay(attempt int) time.Duration {
	ceiling := float64(p.MaxDelay)
	if ceiling < float64(minDelay) {
		ceiling = float64(minDelay)
	}
	exp := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if exp > ceiling || exp <= 0 {
		exp = ceiling
	}
	jitter := time.Duration(rand.Int63n(int64(exp)))
	if jitter < minDelay {
		jitter = minDelay
	}
	return jitter
}

// Wait sleeps for the attempt's delay or until done is closed/cancelled.
// Returns false if the wait was interrupted.
func (p Policy) Wait(done <-chan struct{}, attempt int) bool {
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-done:
		return false
	}
}
