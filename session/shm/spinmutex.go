// Package shm implements the shared-memory transport (C6): two lock-free
// SPSC ring buffers in a POSIX shm segment, bridged by an AdaptiveSpinMutex
// when contention is detected, per spec.md §4.7/§5.
/*
 * Copyright (c) 2024-2026, nprpc authors.
 */
package shm

import (
	"runtime"
	"sync"
	"sync/atomic"
)

const spinLimit = 40

// AdaptiveSpinMutex tries to take the lock up to spinLimit times, yielding
// the processor (runtime.Gosched) between attempts, before falling back to
// an OS mutex that queues the slow-path waiters, so the common uncontended
// fast path never pays a syscall, per spec.md §5. The locked flag is the
// only ownership token: a slow-path waiter still has to win it.
type AdaptiveSpinMutex struct {
	locked atomic.Bool
	fall   sync.Mutex
}

func (m *AdaptiveSpinMutex) Lock() {
	for i := 0; i < spinLimit; i++ {
		if m.locked.CompareAndSwap(false, true) {
			return
		}
		runtime.Gosched()
	}
	m.fall.Lock()
	for !m.locked.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
	m.fall.Unlock()
}

func (m *AdaptiveSpinMutex) Unlock() {
	m.locked.Store(false)
}
