// Copyright 2023 CeresDB Project Authors. Licensed under Apache-2.0.

package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPathLock(t *testing.T) {
	re := require.New(t)

	lock := NewPathLock(3)

	path1 := []string{"analytics/public/events"}
	result := lock.TryLock(path1)
	re.Equal(true, result)
	result = lock.TryLock(path1)
	re.Equal(false, result)
	lock.UnLock(path1)
	result = lock.TryLock(path1)
	re.Equal(true, result)
	lock.UnLock(path1)

	path2 := []string{"a", "b", "c"}
	path3 := []string{"b", "c", "d"}
	result = lock.TryLock(path2)
	re.Equal(true, result)
	result = lock.TryLock(path2)
	re.Equal(false, result)
	result = lock.TryLock(path3)
	re.Equal(false, result)
	lock.UnLock(path2)
	result = lock.TryLock(path2)
	re.Equal(true, result)
	lock.UnLock(path2)

	re.Panics(func() {
		lock.UnLock(path2)
	}, "this function did not panic")
}

func TestPathLockBlockingLock(t *testing.T) {
	re := require.New(t)

	lock := NewPathLock(1)
	path := []string{"analytics/public/events"}
	re.True(lock.TryLock(path))

	acquired := make(chan struct{})
	go func() {
		lock.Lock(path)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(time.Millisecond * 50):
	}

	lock.UnLock(path)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock never acquired after release")
	}
	lock.UnLock(path)
}
