// Package reflist implements the per-session ReferenceList (C4): the set
// of OIDs a peer currently holds, driving distributed reference counting
// per spec.md §4.4/§4.5.
/*
 * Copyright (c) 2024-2026, nprpc authors.
 */
package reflist

import (
	"sync"

	"github.com/nprpc/nprpc/nlog"
)

// Key is the local (poa_idx, object_id) pair a ReferenceList tracks; object
// identity across sessions is resolved by the POA, not here.
type Key struct {
	PoaIdx   uint16
	ObjectId uint64
}

// Refcounter is the subset of poa.Poa a ReferenceList needs: incrementing
// and decrementing a servant's external refcount, and deactivating it when
// the count reaches zero on a Transient POA. Declaring it here rather than
// importing package poa keeps the dependency direction pointing outward,
// matching spec.md §1's layering (C4 sits below C7).
type Refcounter interface {
	AddRef(objectId uint64)
	Release(objectId uint64)
}

// List is the per-session set of objects the remote peer currently
// references. It is not safe to share across sessions; each Session owns
// exactly one.
type List struct {
	mu    sync.Mutex
	held  map[Key]int
	poas  map[uint16]Refcounter
}

func New() *List {
	return &List{held: make(map[Key]int), poas: make(map[uint16]Refcounter)}
}

// BindPoa associates a poa_idx with the Refcounter that owns it, so Add/
// Release can route to the right POA. A Session binds each poa_idx
// lazily, the first time its peer references an object in that POA.
func (l *List) BindPoa(poaIdx uint16, rc Refcounter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.poas[poaIdx] = rc
}

// Add records an AddReference for key and forwards it to the owning POA's
// external refcount. Safe to call more than once for the same key; each
// call must be matched by a Release (spec.md Testable Property: refcount
// safety).
func (l *List) Add(key Key) {
	l.mu.Lock()
	l.held[key]++
	rc := l.poas[key.PoaIdx]
	l.mu.Unlock()

	if rc != nil {
		rc.AddRef(key.ObjectId)
	} else {
		nlog.Warningf("reflist: AddReference for unknown poa_idx %d", key.PoaIdx)
	}
}

// Release records a ReleaseObject for key and forwards it to the owning
// POA.
func (l *List) Release(key Key) {
	l.mu.Lock()
	if l.held[key] > 0 {
		l.held[key]--
		if l.held[key] == 0 {
			delete(l.held, key)
		}
	}
	rc := l.poas[key.PoaIdx]
	l.mu.Unlock()

	if rc != nil {
		rc.Release(key.ObjectId)
	} else {
		nlog.Warningf("reflist: ReleaseObject for unknown poa_idx %d", key.PoaIdx)
	}
}

// ReleaseAll is invoked once, when the owning session terminates: every
// outstanding reference is released atomically so no servant is pinned by
// a dead peer (spec.md §4.3 "ReferenceList").
func (l *List) ReleaseAll() {
	l.mu.Lock()
	held := l.held
	l.held = make(map[Key]int)
	poas := l.poas
	l.mu.Unlock()

	for key, count := range held {
		rc := poas[key.PoaIdx]
		if rc == nil {
			continue
		}
		for i := 0; i < count; i++ {
			rc.Release(key.ObjectId)
		}
	}
}

// Len reports how many distinct objects are currently held, for
// diagnostics.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
