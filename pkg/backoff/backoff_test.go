// Copyright 2023 CeresDB Project Authors. Licensed under Apache-2.0.

package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelayExponentialGrowth(t *testing.T) {
	r := require.New(t)
	p := Policy{BaseDelay: time.Second, MaxDelay: time.Second * 32, MaxAttempts: 0}

	for _, tc := range []struct {
		attempt int
		maxCap  time.Duration
	}{
		{0, time.Second},
		{1, time.Second * 2},
		{2, time.Second * 4},
		{3, time.Second * 8},
		{5, time.Second * 32},
		{10, time.Second * 32},
	} {
		for i := 0; i < 1000; i++ {
			d := p.Delay(tc.attempt)
			r.LessOrEqual(d, tc.maxCap, "attempt:%d", tc.attempt)
			r.GreaterOrEqual(d, minDelay, "attempt:%d", tc.attempt)
		}
	}
}

func TestDelayWithoutCap(t *testing.T) {
	r := require.New(t)

	// A policy with no cap set must still produce a usable delay instead of
	// panicking once the exponential term exceeds the zero cap.
	p := Policy{BaseDelay: time.Second, MaxDelay: 0, MaxAttempts: 0}
	for attempt := 0; attempt < 64; attempt++ {
		r.Equal(minDelay, p.Delay(attempt), "attempt:%d", attempt)
	}

	// Same for a zero-value policy.
	var zero Policy
	r.Equal(minDelay, zero.Delay(0))
}

func TestDelayHugeAttemptDoesNotOverflow(t *testing.T) {
	r := require.New(t)
	p := Policy{BaseDelay: time.Second, MaxDelay: time.Second * 32, MaxAttempts: 0}

	// 2^1000 overflows float64 into +Inf; the cap must still hold.
	d := p.Delay(1000)
	r.GreaterOrEqual(d, minDelay)
	r.LessOrEqual(d, time.Second*32)
}

func TestPermit(t *testing.T) {
	r := require.New(t)

	bounded := NewMutationPolicy()
	r.True(bounded.Permit(0))
	r.True(bounded.Permit(2))
	r.False(bounded.Permit(3))

	unbounded := NewSyncPolicy()
	r.True(unbounded.Permit(0))
	r.True(unbounded.Permit(1 << 20))
}

func TestWaitInterrupted(t *testing.T) {
	r := require.New(t)
	p := Policy{BaseDelay: time.Hour, MaxDelay: time.Hour, MaxAttempts: 0}

	done := make(chan struct{})
	close(done)
	start := time.Now()
	r.False(p.Wait(done, 8))
	r.Less(time.Since(start), time.Second)
}
