package shm

import (
	"sync"
	"testing"
)

func TestRingSendReceiveRoundTrip(t *testing.T) {
	r := newRing(make([]byte, 64))
	if err := r.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !r.HasData() {
		t.Fatal("expected HasData after Send")
	}
	got, ok := r.TryReceive()
	if !ok {
		t.Fatal("expected TryReceive to succeed")
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
	if r.HasData() {
		t.Fatal("expected empty ring after TryReceive")
	}
}

func TestRingRejectsOversizedFrame(t *testing.T) {
	r := newRing(make([]byte, 8))
	if err := r.Send([]byte("way too big for this ring")); err == nil {
		t.Fatal("expected error for oversized frame")
	}
}

func TestRingWrapsAroundCapacity(t *testing.T) {
	r := newRing(make([]byte, 16))
	for i := 0; i < 20; i++ {
		if err := r.Send([]byte{byte(i)}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		got, ok := r.TryReceive()
		if !ok || got[0] != byte(i) {
			t.Fatalf("iteration %d: got %v, ok=%v", i, got, ok)
		}
	}
}

func TestAdaptiveSpinMutexExcludesConcurrentAccess(t *testing.T) {
	var m AdaptiveSpinMutex
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Lock()
				counter++
				m.Unlock()
			}
		}()
	}
	wg.Wait()
	if counter != 5000 {
		t.Fatalf("got %d, want 5000", counter)
	}
}
