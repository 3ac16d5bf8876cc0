// Package poa implements the Portable Object Adapter (C7): a servant
// registry with policy-driven object-id assignment and lifespan, which
// activates/deactivates objects and dispatches inbound calls, per
// spec.md §4.8. Policy values, the POA manager state machine, and the
// servant-locator hooks below are additive, mirrored from the CORBA prior
// art (ifabos/go-corba) to round the registry out into a complete POA.
/*
 * Copyright (c) 2024-2026, nprpc authors.
 */
package poa

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/nprpc/nprpc/callctx"
	"github.com/nprpc/nprpc/debug"
	"github.com/nprpc/nprpc/nlog"
	"github.com/nprpc/nprpc/objectid"
	"github.com/nprpc/nprpc/proto"
)

// ObjectIdPolicy chooses who assigns object ids on activation.
type ObjectIdPolicy uint8

const (
	SystemAssigned ObjectIdPolicy = iota
	UserSupplied
)

// Lifespan classifies whether a POA's objects survive only for the
// process's current run (Transient) or are expected stable across the
// Rpc instance's lifetime (Persistent).
type Lifespan uint8

const (
	Transient Lifespan = iota
	Persistent
)

// IdUniquenessPolicy mirrors go-corba's Unique/Multiple distinction: a
// Unique servant is reachable through exactly one active ObjectId at a
// time; Multiple permits re-activating the same servant under a second
// id. Additive to spec.md, which only ever needed Unique.
type IdUniquenessPolicy uint8

const (
	UniqueId IdUniquenessPolicy = iota
	MultipleId
)

// RequestProcessingPolicy selects how dispatch resolves a servant for an
// inbound object id when it's not already in the active map.
type RequestProcessingPolicy uint8

const (
	ActiveMapOnly RequestProcessingPolicy = iota
	UseDefaultServant
	UseServantManager
)

// Policy bundles the values above plus spec.md's required
// ObjectIdPolicy/Lifespan pair into a single builder-settable struct,
// matching the "POA ... policy-driven" language of spec.md §3.
type Policy struct {
	ObjectIdPolicy    ObjectIdPolicy
	Lifespan          Lifespan
	IdUniqueness      IdUniquenessPolicy
	RequestProcessing RequestProcessingPolicy
	MaxObjects        int
}

func DefaultPolicy() Policy {
	return Policy{
		ObjectIdPolicy:    SystemAssigned,
		Lifespan:          Transient,
		IdUniqueness:      UniqueId,
		RequestProcessing: ActiveMapOnly,
		MaxObjects:         4096,
	}
}

// Servant is the host-side object a POA activates; the generated dispatch
// vtable is reached through Dispatch, tagged by (interface_idx,
// function_idx) per spec.md §6's "Virtual dispatch for servants".
type Servant interface {
	ClassId() string
	Dispatch(interfaceIdx, functionIdx uint8, ctx *callctx.Context) error
}

// ServantActivator incarnates/etherealizes servants on demand, used by the
// UseServantManager request-processing policy. Mirrored from go-corba.
type ServantActivator interface {
	Incarnate(objectId uint64, p *Poa) (Servant, error)
	Etherealize(objectId uint64, p *Poa, servant Servant, cleanup bool)
}

// ServantLocator resolves a servant per-request instead of retaining it,
// used by UseServantManager when objects are too numerous to keep active
// simultaneously. Mirrored from go-corba.
type ServantLocator interface {
	Preinvoke(objectId uint64, p *Poa, op string) (Servant, error)
	Postinvoke(objectId uint64, p *Poa, op string, servant Servant)
}

// ManagerState gates whether a POA's dispatch accepts new calls. Mirrored
// from go-corba's POAManager. Active processes calls normally; Discarding
// and Inactive both reject them with BadAccess until SetManagerState moves
// the POA back to Active. Holding neither queues nor rejects calls:
// Dispatch treats it exactly like Active.
type ManagerState uint8

const (
	Holding ManagerState = iota
	Active
	Discarding
	Inactive
)

type entry struct {
	servant      Servant
	flags        objectid.ActivationFlag
	refcount     int
	localActive  bool
}

// Poa is a single Portable Object Adapter: a bounded, indexed servant
// registry. A Poa is addressed within its Rpc instance by PoaIdx and
// never moves once registered (spec.md §4.3 "local key").
type Poa struct {
	Name   string
	PoaIdx uint16
	Policy Policy

	origin uuid.UUID

	mu      sync.RWMutex
	state   ManagerState
	objects map[uint64]*entry
	nextId  uint64

	// classIndex is a secondary index from object id to class_id, kept
	// alongside objects so the class_id listing below doesn't need to
	// hold p.mu while walking every entry.
	classIndex *buntdb.DB

	parent   *Poa
	children map[string]*Poa

	activator ServantActivator
	locator   ServantLocator
}

// New constructs a root POA. Child POAs are created with CreatePOA.
func New(name string, poaIdx uint16, origin uuid.UUID, policy Policy) *Poa {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		// :memory: never fails to open; a non-nil error here means the
		// buntdb build itself is broken.
		panic(fmt.Sprintf("poa: buntdb open: %v", err))
	}
	return &Poa{
		Name:       name,
		PoaIdx:     poaIdx,
		Policy:     policy,
		origin:     origin,
		state:      Active,
		objects:    make(map[uint64]*entry),
		classIndex: db,
		children:   make(map[string]*Poa),
	}
}

// CreatePOA builds a child POA with the given policy (only the origin is
// taken from this POA), mirroring go-corba's CreatePOA. Child POAs still receive
// their own poa_idx from the caller (typically the Rpc core's next free
// slot), preserving spec.md §3's flat, index-addressed POA vector.
func (p *Poa) CreatePOA(name string, poaIdx uint16, policy Policy) (*Poa, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.children[name]; exists {
		return nil, fmt.Errorf("poa: child %q already exists under %q", name, p.Name)
	}
	child := New(name, poaIdx, p.origin, policy)
	child.parent = p
	p.children[name] = child
	return child, nil
}

// SetServantManager installs either a ServantActivator or a
// ServantLocator, used together with RequestProcessingPolicy ==
// UseServantManager.
func (p *Poa) SetServantManager(activator ServantActivator, locator ServantLocator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activator = activator
	p.locator = locator
}

// SetManagerState transitions the POA manager, per go-corba's
// POAManager.Activate/Hold/Discard/Deactivate.
func (p *Poa) SetManagerState(s ManagerState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

// ActivateObject assigns the next system id (System policy only) and
// stores the binding, returning the resulting ObjectId. Fails if capacity
// is exhausted, per spec.md §4.8.
func (p *Poa) ActivateObject(servant Servant, flags objectid.ActivationFlag, urls string) (objectid.ObjectId, error) {
	if p.Policy.ObjectIdPolicy != SystemAssigned {
		return objectid.ObjectId{}, errors.New("poa: ActivateObject requires SystemAssigned policy")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.objects) >= p.Policy.MaxObjects {
		return objectid.ObjectId{}, errors.Errorf("poa: %q at capacity (%d objects)", p.Name, p.Policy.MaxObjects)
	}
	p.nextId++
	id := p.nextId
	p.objects[id] = &entry{servant: servant, flags: flags, localActive: true}
	p.indexClass(id, servant.ClassId())

	return objectid.ObjectId{
		ObjectId: id,
		PoaIdx:   p.PoaIdx,
		Flags:    flags,
		Origin:   p.origin,
		ClassId:  servant.ClassId(),
		Urls:     urls,
	}, nil
}

// ActivateObjectWithId is ActivateObject's UserSupplied-policy twin: the
// caller names the id and collision is an error.
func (p *Poa) ActivateObjectWithId(id uint64, servant Servant, flags objectid.ActivationFlag, urls string) (objectid.ObjectId, error) {
	if p.Policy.ObjectIdPolicy != UserSupplied {
		return objectid.ObjectId{}, errors.New("poa: ActivateObjectWithId requires UserSupplied policy")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.objects[id]; exists {
		return objectid.ObjectId{}, errors.Errorf("poa: object id %d already active", id)
	}
	if len(p.objects) >= p.Policy.MaxObjects {
		return objectid.ObjectId{}, errors.Errorf("poa: %q at capacity (%d objects)", p.Name, p.Policy.MaxObjects)
	}
	p.objects[id] = &entry{servant: servant, flags: flags, localActive: true}
	p.indexClass(id, servant.ClassId())

	return objectid.ObjectId{
		ObjectId: id,
		PoaIdx:   p.PoaIdx,
		Flags:    flags,
		Origin:   p.origin,
		ClassId:  servant.ClassId(),
		Urls:     urls,
	}, nil
}

// DeactivateObject removes the local activation. The binding is only
// fully dropped once AddRef/Release brings the external refcount to zero
// too (spec.md §7 Testable Property 4).
func (p *Poa) DeactivateObject(objectId uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.objects[objectId]
	if !ok {
		return errors.Errorf("poa: object %d not active", objectId)
	}
	e.localActive = false
	if e.refcount <= 0 {
		delete(p.objects, objectId)
		p.unindexClass(objectId)
	}
	return nil
}

// AddRef implements reflist.Refcounter: it increments the external
// refcount recorded for objectId on AddReference.
func (p *Poa) AddRef(objectId uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.objects[objectId]; ok {
		e.refcount++
	}
}

// Release implements reflist.Refcounter: it decrements objectId's
// external refcount and, once the count reaches zero, deactivates the
// servant if no local activation remains OR the POA's lifespan is
// Transient (a Transient object is dropped at zero even while it is still
// locally active).
func (p *Poa) Release(objectId uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.objects[objectId]
	if !ok {
		return
	}
	e.refcount--
	if e.refcount <= 0 {
		e.refcount = 0
		if !e.localActive || p.Policy.Lifespan == Transient {
			delete(p.objects, objectId)
			p.unindexClass(objectId)
			if p.activator != nil {
				p.activator.Etherealize(objectId, p, e.servant, true)
			}
		}
	}
}

// Dispatch routes an inbound FunctionCall to the target servant. It
// validates the call's transport against the object's activation flags,
// resolves the servant (active map, then locator/activator per the
// request-processing policy), invokes its generated dispatch, and
// recovers panics into CommFailure, per spec.md §4.8 and §7 "Propagation
// policy".
func (p *Poa) Dispatch(call proto.CallHeader, transport objectid.ActivationFlag, ctx *callctx.Context) (err error) {
	p.mu.RLock()
	state := p.state
	p.mu.RUnlock()

	switch state {
	case Inactive, Discarding:
		return proto.NewSystemException(proto.BadAccess, "poa %q is not accepting calls", p.Name)
	}

	servant, flags, err := p.resolve(call.ObjectId)
	if err != nil {
		return err
	}
	if !flags.Allows(transport) {
		return proto.NewSystemException(proto.BadAccess, "transport not permitted for object %d", call.ObjectId)
	}

	defer func() {
		if r := recover(); r != nil {
			nlog.Errorf("poa %q: servant panic on object %d fn %d: %v", p.Name, call.ObjectId, call.FunctionIdx, r)
			err = proto.NewSystemException(proto.CommFailure, "servant panic: %v", r)
		}
	}()
	debug.Assert(servant != nil, "poa: resolved nil servant")
	return servant.Dispatch(call.InterfaceIdx, call.FunctionIdx, ctx)
}

func (p *Poa) resolve(objectId uint64) (Servant, objectid.ActivationFlag, error) {
	p.mu.RLock()
	e, ok := p.objects[objectId]
	p.mu.RUnlock()
	if ok {
		return e.servant, e.flags, nil
	}

	switch p.Policy.RequestProcessing {
	case UseServantManager:
		if p.locator != nil {
			s, err := p.locator.Preinvoke(objectId, p, "")
			if err != nil {
				return nil, 0, proto.NewSystemException(proto.ObjectNotExist, "%v", err)
			}
			return s, objectid.AllowTCP | objectid.AllowWebSocket | objectid.AllowHTTP | objectid.AllowSHM, nil
		}
		if p.activator != nil {
			s, err := p.activator.Incarnate(objectId, p)
			if err != nil {
				return nil, 0, proto.NewSystemException(proto.ObjectNotExist, "%v", err)
			}
			return s, objectid.AllowTCP | objectid.AllowWebSocket | objectid.AllowHTTP | objectid.AllowSHM, nil
		}
	}
	return nil, 0, proto.NewSystemException(proto.ObjectNotExist, "object %d not active in poa %q", objectId, p.Name)
}

// Len reports the number of active objects, for diagnostics and
// max_objects admission checks by the Rpc core.
func (p *Poa) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.objects)
}

// ClassShard hashes a class_id into a stable bucket; used by the Rpc core
// to stripe per-class metrics without a coordinating registry.
func ClassShard(classId string, buckets uint32) uint32 {
	return uint32(xxhash.Checksum64([]byte(classId)) % uint64(buckets))
}

func (p *Poa) indexClass(objectId uint64, classId string) {
	err := p.classIndex.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(strconv.FormatUint(objectId, 10), classId, nil)
		return err
	})
	if err != nil {
		nlog.Warningf("poa %q: index object %d: %v", p.Name, objectId, err)
	}
}

func (p *Poa) unindexClass(objectId uint64) {
	err := p.classIndex.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(strconv.FormatUint(objectId, 10))
		return err
	})
	if err != nil && err != buntdb.ErrNotFound {
		nlog.Warningf("poa %q: unindex object %d: %v", p.Name, objectId, err)
	}
}

// ListByClass returns the object ids currently activated under classId, for
// introspection/listing without walking the servant map under its lock.
func (p *Poa) ListByClass(classId string) ([]uint64, error) {
	var ids []uint64
	err := p.classIndex.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, value string) bool {
			if value == classId {
				if id, err := strconv.ParseUint(key, 10, 64); err == nil {
					ids = append(ids, id)
				}
			}
			return true
		})
	})
	return ids, err
}

// ClassOf returns the class_id of the servant activated under objectId, for
// the Rpc core to shard metrics by before it dispatches a call.
func (p *Poa) ClassOf(objectId uint64) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.objects[objectId]
	if !ok {
		return "", false
	}
	return e.servant.ClassId(), true
}
