/*
 * Copyright (c) 2024-2026, nprpc authors.
 */
package hk_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/nprpc/nprpc/hk"
)

func TestRegFiresAndReschedules(t *testing.T) {
	var calls int32
	hk.DefaultHK.Reg("test.reschedule", func() time.Duration {
		atomic.AddInt32(&calls, 1)
		return 20 * time.Millisecond
	}, 0)
	defer hk.DefaultHK.Unreg("test.reschedule")

	go hk.Run()
	defer hk.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&calls) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("callback fired %d times, want at least 3", atomic.LoadInt32(&calls))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCallbackReturningZeroUnregisters(t *testing.T) {
	var calls int32
	hk.DefaultHK.Reg("test.oneshot", func() time.Duration {
		atomic.AddInt32(&calls, 1)
		return 0
	}, 0)

	go hk.Run()
	defer hk.Stop()

	time.Sleep(700 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want exactly 1", got)
	}
}
