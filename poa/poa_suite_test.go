// Package poa implements the Portable Object Adapter (C7).
/*
 * Copyright (c) 2024-2026, nprpc authors.
 */
package poa_test

import (
	"testing"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nprpc/nprpc/callctx"
	"github.com/nprpc/nprpc/objectid"
	"github.com/nprpc/nprpc/poa"
	"github.com/nprpc/nprpc/proto"
)

func TestPoa(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "POA lifecycle")
}

var _ = Describe("POA manager state", func() {
	var p *poa.Poa
	var oid objectid.ObjectId

	BeforeEach(func() {
		p = poa.New("lifecycle", 0, uuid.New(), poa.DefaultPolicy())
		var err error
		oid, err = p.ActivateObject(&echoServant{}, objectid.AllowTCP, "")
		Expect(err).NotTo(HaveOccurred())
	})

	It("defaults to Active and dispatches normally", func() {
		ctx := callctx.New(endpointZero(), nil, nil, nil)
		err := p.Dispatch(proto.CallHeader{ObjectId: oid.ObjectId}, objectid.AllowTCP, ctx)
		Expect(err).NotTo(HaveOccurred())
	})

	It("rejects calls while Discarding", func() {
		p.SetManagerState(poa.Discarding)
		ctx := callctx.New(endpointZero(), nil, nil, nil)
		err := p.Dispatch(proto.CallHeader{ObjectId: oid.ObjectId}, objectid.AllowTCP, ctx)
		Expect(err).To(HaveOccurred())
	})

	It("rejects calls while Inactive", func() {
		p.SetManagerState(poa.Inactive)
		ctx := callctx.New(endpointZero(), nil, nil, nil)
		err := p.Dispatch(proto.CallHeader{ObjectId: oid.ObjectId}, objectid.AllowTCP, ctx)
		Expect(err).To(HaveOccurred())
	})

	It("resumes dispatching once returned to Active", func() {
		p.SetManagerState(poa.Discarding)
		p.SetManagerState(poa.Active)
		ctx := callctx.New(endpointZero(), nil, nil, nil)
		err := p.Dispatch(proto.CallHeader{ObjectId: oid.ObjectId}, objectid.AllowTCP, ctx)
		Expect(err).NotTo(HaveOccurred())
	})
})

var _ = Describe("Servant lifecycle across refcount and local activation", func() {
	It("keeps a Persistent object alive after refcount reaches zero if still locally active", func() {
		policy := poa.DefaultPolicy()
		policy.Lifespan = poa.Persistent
		p := poa.New("persistent", 0, uuid.New(), policy)
		oid, err := p.ActivateObject(&echoServant{}, objectid.AllowTCP, "")
		Expect(err).NotTo(HaveOccurred())

		p.AddRef(oid.ObjectId)
		p.Release(oid.ObjectId)
		Expect(p.Len()).To(Equal(1), "persistent servant must survive refcount reaching zero while still locally active")
	})

	It("deactivates a Persistent object once DeactivateObject runs after refcount is already zero", func() {
		policy := poa.DefaultPolicy()
		policy.Lifespan = poa.Persistent
		p := poa.New("persistent", 0, uuid.New(), policy)
		oid, err := p.ActivateObject(&echoServant{}, objectid.AllowTCP, "")
		Expect(err).NotTo(HaveOccurred())

		Expect(p.DeactivateObject(oid.ObjectId)).To(Succeed())
		Expect(p.Len()).To(Equal(0))
	})

	It("creates a child POA that is independently addressable", func() {
		root := poa.New("root", 0, uuid.New(), poa.DefaultPolicy())
		child, err := root.CreatePOA("child", 1, poa.DefaultPolicy())
		Expect(err).NotTo(HaveOccurred())
		Expect(child.PoaIdx).To(BeEquivalentTo(1))

		_, err = child.ActivateObject(&echoServant{}, objectid.AllowTCP, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(child.Len()).To(Equal(1))
		Expect(root.Len()).To(Equal(0), "activating in a child POA must not affect the parent's object map")
	})
})

var _ = Describe("ServantManager-backed request processing", func() {
	It("incarnates a servant on demand via ServantActivator when UseServantManager is set", func() {
		policy := poa.DefaultPolicy()
		policy.RequestProcessing = poa.UseServantManager
		p := poa.New("on-demand", 0, uuid.New(), policy)

		activator := &recordingActivator{servant: &echoServant{}}
		p.SetServantManager(activator, nil)

		ctx := callctx.New(endpointZero(), nil, nil, nil)
		err := p.Dispatch(proto.CallHeader{ObjectId: 42}, objectid.AllowTCP, ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(activator.incarnated).To(BeTrue())
	})
})

type recordingActivator struct {
	servant    *echoServant
	incarnated bool
}

func (a *recordingActivator) Incarnate(objectId uint64, p *poa.Poa) (poa.Servant, error) {
	a.incarnated = true
	return a.servant, nil
}

func (a *recordingActivator) Etherealize(objectId uint64, p *poa.Poa, servant poa.Servant, cleanup bool) {}
