// Copyright 2023 CeresDB Project Authors. Licensed under Apache-2.0.

package id

import (
	"context"
	"testing"
	"time"

	"github.com/CeresDB/ceresdb-catalog/server/etcdutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = time.Second * 10
	testAllocStep         = 20
)

func TestAlloc(t *testing.T) {
	re := require.New(t)
	_, client, closeSrv := etcdutil.PrepareEtcdServerAndClient(t)
	defer closeSrv()

	alloc := NewAllocatorImpl(zap.NewNop(), client, "/alloc-test/id", testAllocStep)
	ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()

	// Crosses several batch boundaries, so the fast rebase path runs too.
	for i := 0; i < testAllocStep*5+5; i++ {
		value, err := alloc.Alloc(ctx)
		re.NoError(err)
		re.Equal(uint64(i), value)
	}
}

func TestAllocDisjointAcrossAllocators(t *testing.T) {
	re := require.New(t)
	_, client, closeSrv := etcdutil.PrepareEtcdServerAndClient(t)
	defer closeSrv()

	ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()

	// Two allocators on one counter key model two processes sharing the
	// authority. Interleaved allocation must never hand out the same id: the
	// fast rebase CAS fails when the other side moved the counter, and the
	// slow rebase re-reads it.
	alloc1 := NewAllocatorImpl(zap.NewNop(), client, "/alloc-test/shared", testAllocStep)
	alloc2 := NewAllocatorImpl(zap.NewNop(), client, "/alloc-test/shared", testAllocStep)

	seen := make(map[uint64]struct{})
	for i := 0; i < testAllocStep*3; i++ {
		for _, alloc := range []Allocator{alloc1, alloc2} {
			value, err := alloc.Alloc(ctx)
			re.NoError(err)
			_, dup := seen[value]
			re.False(dup, "id allocated twice:%d", value)
			seen[value] = struct{}{}
		}
	}
	re.Len(seen, testAllocStep*3*2)
}
