// Package hk provides a mechanism for registering cleanup/idle-sweep
// functions invoked at specified intervals, mirroring aistore's hk package.
// The session idle-checker registers here instead of rolling its own
// time.Ticker loop.
/*
 * Copyright (c) 2024-2026, nprpc authors.
 */
package hk

import (
	"sync"
	"time"

	"github.com/nprpc/nprpc/nlog"
)

// CleanupFunc returns the duration to wait before it runs again; returning
// zero unregisters it.
type CleanupFunc func() time.Duration

type request struct {
	name string
	f    CleanupFunc
	due  time.Time
}

type houseKeeper struct {
	mu      sync.Mutex
	items   map[string]*request
	stop    chan struct{}
	started bool
}

var DefaultHK = &houseKeeper{items: make(map[string]*request)}

const tick = 500 * time.Millisecond

// Reg registers a named callback to run after initTime, then again after
// whatever duration it returns each time, until it returns zero.
func (hk *houseKeeper) Reg(name string, f CleanupFunc, initTime time.Duration) {
	hk.mu.Lock()
	defer hk.mu.Unlock()
	hk.items[name] = &request{name: name, f: f, due: time.Now().Add(initTime)}
}

func (hk *houseKeeper) Unreg(name string) {
	hk.mu.Lock()
	defer hk.mu.Unlock()
	delete(hk.items, name)
}

func Reg(name string, f CleanupFunc, initTime time.Duration) { DefaultHK.Reg(name, f, initTime) }
func Unreg(name string)                                      { DefaultHK.Unreg(name) }

// Run starts the housekeeper's ticker loop; it blocks until Stop is called.
func (hk *houseKeeper) Run() {
	hk.mu.Lock()
	if hk.started {
		hk.mu.Unlock()
		return
	}
	hk.started = true
	hk.stop = make(chan struct{})
	hk.mu.Unlock()

	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			hk.fire(now)
		case <-hk.stop:
			return
		}
	}
}

func (hk *houseKeeper) fire(now time.Time) {
	hk.mu.Lock()
	due := make([]*request, 0, len(hk.items))
	for _, r := range hk.items {
		if !now.Before(r.due) {
			due = append(due, r)
		}
	}
	hk.mu.Unlock()

	for _, r := range due {
		next := r.f()
		if next <= 0 {
			hk.Unreg(r.name)
			continue
		}
		hk.mu.Lock()
		if cur, ok := hk.items[r.name]; ok && cur == r {
			r.due = now.Add(next)
		}
		hk.mu.Unlock()
	}
}

func (hk *houseKeeper) Stop() {
	hk.mu.Lock()
	if !hk.started {
		hk.mu.Unlock()
		return
	}
	hk.started = false
	close(hk.stop)
	hk.mu.Unlock()
	nlog.Infoln("hk: stopped")
}

func Run()  { DefaultHK.Run() }
func Stop() { DefaultHK.Stop() }
