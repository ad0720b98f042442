// Copyright 2023 CeresDB Project Authors. Licensed under Apache-2.0.

package catalog

import (
	"fmt"
	"sync"
)

// PathLock provides mutual exclusion over sets of namespace paths. Mutations
// on the same path serialize; disjoint paths proceed concurrently.
type PathLock struct {
	lock      sync.Mutex
	cond      *sync.Cond
	pathLocks map[string]struct{}
}

func NewPathLock(initCapacity int) *PathLock {
	l := &PathLock{
		lock:      sync.Mutex{},
		cond:      nil,
		pathLocks: make(map[string]struct{}, initCapacity),
	}
	l.cond = sync.NewCond(&l.lock)
	return l
}

// TryLock acquires all the given paths or none of them.
func (l *PathLock) TryLock(paths []string) bool {
	l.lock.Lock()
	defer l.lock.Unlock()

	return l.tryLockLocked(paths)
}

// Lock blocks until all the given paths are acquired.
func (l *PathLock) Lock(paths []string) {
	l.lock.Lock()
	defer l.lock.Unlock()

	for !l.tryLockLocked(paths) {
		l.cond.Wait()
	}
}

func (l *PathLock) tryLockLocked(paths []string) bool {
	for _, path := range paths {
		if _, exists := l.pathLocks[path]; exists {
			return false
		}
	}

	for _, path := range paths {
		l.pathLocks[path] = struct{}{}
	}

	return true
}

func (l *PathLock) UnLock(paths []string) {
	l.lock.Lock()
	defer l.lock.Unlock()

	for _, path := range paths {
		if _, exists := l.pathLocks[path]; !exists {
			panic(fmt.Sprintf("try to unlock nonexistent lock, exists locks:%v, unlock locks:%v", l.pathLocks, paths))
		}
	}

	for _, path := range paths {
		delete(l.pathLocks, path)
	}

	l.cond.Broadcast()
}
