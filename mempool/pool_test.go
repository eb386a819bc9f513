// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package mempool

import (
	"bytes"
	"errors"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/gviegas/residency/driver"
	"github.com/gviegas/residency/driver/soft"
	"github.com/gviegas/residency/hostmem"
)

const testSize = 65536

var errFault = errors.New("injected fault")

// newDevice opens a soft device with the given layout.
func newDevice(t *testing.T, lay soft.Layout) *soft.Driver {
	t.Helper()
	d := soft.New(lay)
	if _, err := d.Open(); err != nil {
		t.Fatalf("soft.Driver.Open: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

// newHost allocates importable host memory.
func newHost(t *testing.T, size int64) *hostmem.Block {
	t.Helper()
	b, err := hostmem.Alloc(size, 4096)
	if err != nil {
		t.Fatalf("hostmem.Alloc: %v", err)
	}
	t.Cleanup(func() { b.Free() })
	return b
}

func newConfig(t *testing.T, prop driver.MemProp) *Config {
	t.Helper()
	return &Config{
		Size:   testSize,
		Prop:   prop,
		Host:   newHost(t, testSize).Pointer(),
		Name:   t.Name(),
		Logger: zap.NewNop(),
	}
}

// newRecording creates a command buffer that is recording.
func newRecording(t *testing.T, d *soft.Driver) driver.CmdBuffer {
	t.Helper()
	cb, err := d.NewCmdBuffer()
	if err != nil {
		t.Fatalf("NewCmdBuffer: %v", err)
	}
	t.Cleanup(cb.Destroy)
	if err := cb.Begin(); err != nil {
		t.Fatalf("CmdBuffer.Begin: %v", err)
	}
	return cb
}

// checkClean fails t if d has live objects or recorded
// any misuse.
func checkClean(t *testing.T, d *soft.Driver) {
	t.Helper()
	if err := d.Leaks(); err != nil {
		t.Errorf("soft.Driver.Leaks:\n%v", err)
	}
	if err := d.Violations(); err != nil {
		t.Errorf("soft.Driver.Violations:\n%v", err)
	}
}

func checkKind(t *testing.T, err error, k Kind) {
	t.Helper()
	switch {
	case err == nil:
		t.Fatalf("want %v error, have nil", k)
	case KindOf(err) != k:
		t.Fatalf("KindOf(%v)\nhave %v\nwant %v", err, KindOf(err), k)
	case !errors.Is(err, k.Sentinel()):
		t.Fatalf("errors.Is(%v, %v)\nhave false\nwant true", err, k.Sentinel())
	}
}

func TestInitializeStaged(t *testing.T) {
	d := newDevice(t, soft.Discrete())
	var p Pool
	if err := p.Initialize(d, newConfig(t, driver.MDeviceLocal)); err != nil {
		t.Fatalf("Pool.Initialize: unexpected error: %v", err)
	}
	if s := p.State(); s != PendingRelocation {
		t.Fatalf("Pool.State:\nhave %v\nwant %v", s, PendingRelocation)
	}
	if !p.RequiresRelocation() {
		t.Fatal("Pool.RequiresRelocation:\nhave false\nwant true")
	}
	m := p.GetDeviceMemory()
	if m == nil {
		t.Fatal("Pool.GetDeviceMemory: unexpected nil memory")
	}
	if m.Imported() || m.Size() != testSize {
		t.Fatalf("Pool.GetDeviceMemory: have imported=%t size=%d", m.Imported(), m.Size())
	}
	if prop := d.MemoryTypes()[m.Type()].Prop; !prop.Has(driver.MDeviceLocal) {
		t.Fatalf("Pool.GetDeviceMemory: memory type has prop %v", prop)
	}
	if n := d.Used(0); n != testSize {
		t.Fatalf("soft.Driver.Used(0):\nhave %d\nwant %d", n, testSize)
	}
	want := []soft.Call{
		{Op: soft.OpHostPointer, Size: 0, Type: -1},
		{Op: soft.OpNewMemory, Size: testSize, Type: 0},
		{Op: soft.OpImportMemory, Size: testSize, Type: 1},
	}
	if diff := cmp.Diff(want, d.Calls()); diff != "" {
		t.Fatalf("soft.Driver.Calls: mismatch (-want +have):\n%s", diff)
	}
	p.Finalize()
	checkClean(t, d)
}

func TestInitializeDirect(t *testing.T) {
	for _, x := range [...]struct {
		lay  soft.Layout
		prop driver.MemProp
		typ  int
	}{
		{soft.Discrete(), driver.MHostVisible | driver.MHostCoherent, 1},
		{soft.Discrete(), driver.MHostCached, 2},
		{soft.Discrete(), 0, 1},
		{soft.Unified(), driver.MDeviceLocal, 0},
		{soft.Unified(), driver.MDeviceLocal | driver.MHostVisible, 0},
	} {
		t.Run(x.lay.Name+"/"+x.prop.String(), func(t *testing.T) {
			d := newDevice(t, x.lay)
			var p Pool
			if err := p.Initialize(d, newConfig(t, x.prop)); err != nil {
				t.Fatalf("Pool.Initialize: unexpected error: %v", err)
			}
			if s := p.State(); s != DirectResident {
				t.Fatalf("Pool.State:\nhave %v\nwant %v", s, DirectResident)
			}
			if p.RequiresRelocation() {
				t.Fatal("Pool.RequiresRelocation:\nhave true\nwant false")
			}
			m := p.GetDeviceMemory()
			if !m.Imported() || m.Type() != x.typ {
				t.Fatalf("Pool.GetDeviceMemory: have imported=%t type=%d", m.Imported(), m.Type())
			}
			if n := d.Count(soft.OpNewMemory); n != 0 {
				t.Fatalf("soft.Driver.Count(OpNewMemory):\nhave %d\nwant 0", n)
			}

			// Relocate must be a no-op, even with
			// nil arguments.
			if err := p.Relocate(nil, nil); err != nil {
				t.Fatalf("Pool.Relocate: unexpected error: %v", err)
			}
			if n := d.Count(soft.OpNewBuffer); n != 0 {
				t.Fatalf("soft.Driver.Count(OpNewBuffer):\nhave %d\nwant 0", n)
			}
			p.Finalize()
			checkClean(t, d)
		})
	}
}

func TestInitializeIncoherent(t *testing.T) {
	d := newDevice(t, soft.Incoherent())
	var p Pool
	err := p.Initialize(d, newConfig(t, driver.MDeviceLocal))
	checkKind(t, err, PreconditionViolation)
	if s := p.State(); s != Unset {
		t.Fatalf("Pool.State:\nhave %v\nwant %v", s, Unset)
	}
	if p.GetDeviceMemory() != nil {
		t.Fatal("Pool.GetDeviceMemory: unexpected non-nil memory")
	}
	for _, op := range [...]soft.Op{soft.OpNewMemory, soft.OpImportMemory} {
		if n := d.Count(op); n != 0 {
			t.Fatalf("soft.Driver.Count(%v):\nhave %d\nwant 0", op, n)
		}
	}
	p.Finalize()
	checkClean(t, d)
}

func TestInitializeInvalid(t *testing.T) {
	d := newDevice(t, soft.Discrete())
	host := newHost(t, 2*testSize).Pointer()

	for _, x := range [...]struct {
		name string
		gpu  driver.GPU
		cfg  *Config
	}{
		{"nil GPU", nil, &Config{Size: testSize, Host: host}},
		{"nil config", d, nil},
		{"zero size", d, &Config{Size: 0, Host: host}},
		{"negative size", d, &Config{Size: -4096, Host: host}},
		{"nil host", d, &Config{Size: testSize}},
		{"misaligned host", d, &Config{Size: testSize, Host: unsafe.Add(host, 64)}},
		{"misaligned size", d, &Config{Size: testSize - 1, Host: host}},
	} {
		t.Run(x.name, func(t *testing.T) {
			var p Pool
			checkKind(t, p.Initialize(x.gpu, x.cfg), InvalidArgument)
			if s := p.State(); s != Unset {
				t.Fatalf("Pool.State:\nhave %v\nwant %v", s, Unset)
			}
		})
	}
	if n := len(d.Calls()); n != 0 {
		t.Fatalf("soft.Driver.Calls: have %d calls, want none", n)
	}
	checkClean(t, d)
}

func TestInitializeTwice(t *testing.T) {
	d := newDevice(t, soft.Discrete())
	var p Pool
	if err := p.Initialize(d, newConfig(t, driver.MDeviceLocal)); err != nil {
		t.Fatalf("Pool.Initialize: unexpected error: %v", err)
	}
	dm := p.GetDeviceMemory()
	checkKind(t, p.Initialize(d, newConfig(t, 0)), InvalidArgument)
	if p.GetDeviceMemory() != dm || p.State() != PendingRelocation {
		t.Fatal("Pool.Initialize: failed call changed the pool")
	}
	p.Finalize()

	// Finalized pools can be initialized again.
	if err := p.Initialize(d, newConfig(t, 0)); err != nil {
		t.Fatalf("Pool.Initialize: unexpected error: %v", err)
	}
	p.Finalize()
	checkClean(t, d)
}

func TestInitializeAlreadyImported(t *testing.T) {
	for _, prop := range [...]driver.MemProp{driver.MDeviceLocal, driver.MHostVisible | driver.MHostCoherent} {
		d := newDevice(t, soft.Discrete())
		cfg := newConfig(t, prop)
		var p, q Pool
		if err := p.Initialize(d, cfg); err != nil {
			t.Fatalf("Pool.Initialize: unexpected error: %v", err)
		}
		d.ResetCalls()
		err := q.Initialize(d, cfg)
		checkKind(t, err, InvalidArgument)
		if !errors.Is(err, driver.ErrAlreadyImported) {
			t.Fatalf("errors.Is(%v, driver.ErrAlreadyImported)\nhave false\nwant true", err)
		}
		if q.State() != Unset {
			t.Fatalf("Pool.State:\nhave %v\nwant %v", q.State(), Unset)
		}
		// Rejected by the query, so no shadow memory was
		// allocated.
		if calls := d.Calls(); len(calls) != 0 {
			t.Fatalf("soft.Driver.Calls:\nhave %v\nwant []", calls)
		}
		if n := d.Used(0); prop == driver.MDeviceLocal && n != testSize {
			t.Fatalf("soft.Driver.Used(0):\nhave %d\nwant %d", n, testSize)
		}

		// The pointer can be imported again once the
		// owner is finalized.
		p.Finalize()
		if err := q.Initialize(d, cfg); err != nil {
			t.Fatalf("Pool.Initialize: unexpected error: %v", err)
		}
		q.Finalize()
		checkClean(t, d)
	}
}

func TestInitializeFault(t *testing.T) {
	for _, x := range [...]struct {
		op   soft.Op
		prop driver.MemProp
		kind Kind
		// Memory objects that must be freed by the
		// failed call.
		freed int
	}{
		{soft.OpHostPointer, driver.MDeviceLocal, DeviceQueryFailed, 0},
		{soft.OpNewMemory, driver.MDeviceLocal, AllocationFailed, 0},
		{soft.OpImportMemory, driver.MDeviceLocal, ImportFailed, 1},
		{soft.OpImportMemory, 0, ImportFailed, 0},
	} {
		t.Run(x.op.String()+"/"+x.prop.String(), func(t *testing.T) {
			d := newDevice(t, soft.Discrete())
			d.FailNext(x.op, errFault)
			var p Pool
			err := p.Initialize(d, newConfig(t, x.prop))
			checkKind(t, err, x.kind)
			if !errors.Is(err, errFault) {
				t.Fatalf("errors.Is(%v, errFault)\nhave false\nwant true", err)
			}
			if p.State() != Unset {
				t.Fatalf("Pool.State:\nhave %v\nwant %v", p.State(), Unset)
			}
			if n := d.Count(soft.OpFreeMemory); n != x.freed {
				t.Fatalf("soft.Driver.Count(OpFreeMemory):\nhave %d\nwant %d", n, x.freed)
			}
			checkClean(t, d)
		})
	}
}

func TestInitializeOutOfMemory(t *testing.T) {
	lay := soft.Discrete()
	lay.Heaps[0].Size = testSize / 2
	d := newDevice(t, lay)
	var p Pool
	err := p.Initialize(d, newConfig(t, driver.MDeviceLocal))
	checkKind(t, err, AllocationFailed)
	if !errors.Is(err, driver.ErrNoDeviceMemory) {
		t.Fatalf("errors.Is(%v, driver.ErrNoDeviceMemory)\nhave false\nwant true", err)
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("errors.As(%v, *Error)\nhave false\nwant true", err)
	}
	if e.Op != "Initialize" || e.Call != "NewMemory" || e.Size != testSize || e.Type != 0 {
		t.Fatalf("Error: unexpected description: %+v", *e)
	}
	checkClean(t, d)
}

func TestInitializeNoMemoryType(t *testing.T) {
	d := newDevice(t, soft.Discrete())
	var p Pool
	checkKind(t, p.Initialize(d, newConfig(t, driver.MLazilyAllocated)), AllocationFailed)
	checkClean(t, d)
}

func TestRelocate(t *testing.T) {
	d := newDevice(t, soft.Discrete())
	host := newHost(t, testSize)
	for i := range host.Bytes() {
		host.Bytes()[i] = byte(i*7 + 1)
	}
	var p Pool
	err := p.Initialize(d, &Config{
		Size:   testSize,
		Prop:   driver.MDeviceLocal,
		Host:   host.Pointer(),
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("Pool.Initialize: unexpected error: %v", err)
	}
	dm := p.GetDeviceMemory()
	cb := newRecording(t, d)
	d.ResetCalls()

	if err := p.Relocate(d, cb); err != nil {
		t.Fatalf("Pool.Relocate: unexpected error: %v", err)
	}
	if s := p.State(); s != Relocated {
		t.Fatalf("Pool.State:\nhave %v\nwant %v", s, Relocated)
	}
	if p.RequiresRelocation() {
		t.Fatal("Pool.RequiresRelocation:\nhave true\nwant false")
	}
	if p.GetDeviceMemory() != dm {
		t.Fatal("Pool.GetDeviceMemory: memory changed after relocation")
	}
	want := []soft.Call{
		{Op: soft.OpNewBuffer, Size: testSize, Type: -1},
		{Op: soft.OpBind, Size: testSize, Type: 1},
		{Op: soft.OpNewBuffer, Size: testSize, Type: -1},
		{Op: soft.OpBind, Size: testSize, Type: 0},
		{Op: soft.OpCopyBuffer, Size: testSize, Type: -1},
	}
	if diff := cmp.Diff(want, d.Calls()); diff != "" {
		t.Fatalf("soft.Driver.Calls: mismatch (-want +have):\n%s", diff)
	}

	// Subsequent calls record nothing.
	for i := 0; i < 3; i++ {
		if err := p.Relocate(d, cb); err != nil {
			t.Fatalf("Pool.Relocate: unexpected error: %v", err)
		}
	}
	if n := soft.Copies(cb); n != 1 {
		t.Fatalf("soft.Copies:\nhave %d\nwant 1", n)
	}

	if err := cb.End(); err != nil {
		t.Fatalf("CmdBuffer.End: %v", err)
	}
	ch := make(chan error)
	d.Commit([]driver.CmdBuffer{cb}, ch)
	if err := <-ch; err != nil {
		t.Fatalf("soft.Driver.Commit: %v", err)
	}
	if !bytes.Equal(soft.Bytes(dm), host.Bytes()) {
		t.Fatal("device memory does not hold the imported data after commit")
	}

	d.ResetCalls()
	p.Finalize()
	want = []soft.Call{
		{Op: soft.OpDestroyBuffer, Size: testSize, Type: -1},
		{Op: soft.OpFreeMemory, Size: testSize, Type: 1},
		{Op: soft.OpDestroyBuffer, Size: testSize, Type: -1},
		{Op: soft.OpFreeMemory, Size: testSize, Type: 0},
	}
	if diff := cmp.Diff(want, d.Calls()); diff != "" {
		t.Fatalf("soft.Driver.Calls: mismatch (-want +have):\n%s", diff)
	}
	cb.Destroy()
	checkClean(t, d)
}

func TestRelocateInvalid(t *testing.T) {
	d := newDevice(t, soft.Discrete())
	var p Pool
	if err := p.Initialize(d, newConfig(t, driver.MDeviceLocal)); err != nil {
		t.Fatalf("Pool.Initialize: unexpected error: %v", err)
	}
	cb, err := d.NewCmdBuffer()
	if err != nil {
		t.Fatalf("NewCmdBuffer: %v", err)
	}
	defer cb.Destroy()

	checkKind(t, p.Relocate(nil, cb), InvalidArgument)
	checkKind(t, p.Relocate(d, nil), InvalidArgument)
	checkKind(t, p.Relocate(d, cb), InvalidArgument)
	if !p.RequiresRelocation() {
		t.Fatal("Pool.RequiresRelocation:\nhave false\nwant true")
	}
	if n := d.Count(soft.OpNewBuffer); n != 0 {
		t.Fatalf("soft.Driver.Count(OpNewBuffer):\nhave %d\nwant 0", n)
	}
	p.Finalize()
}

func TestRelocateFault(t *testing.T) {
	for _, x := range [...]struct {
		op        soft.Op
		destroyed int
	}{
		{soft.OpNewBuffer, 0},
		{soft.OpBind, 1},
	} {
		t.Run(x.op.String(), func(t *testing.T) {
			d := newDevice(t, soft.Discrete())
			var p Pool
			if err := p.Initialize(d, newConfig(t, driver.MDeviceLocal)); err != nil {
				t.Fatalf("Pool.Initialize: unexpected error: %v", err)
			}
			cb := newRecording(t, d)

			d.FailNext(x.op, errFault)
			err := p.Relocate(d, cb)
			checkKind(t, err, RelocationSetupFailed)
			if !errors.Is(err, errFault) {
				t.Fatalf("errors.Is(%v, errFault)\nhave false\nwant true", err)
			}
			if !p.RequiresRelocation() {
				t.Fatal("Pool.RequiresRelocation:\nhave false\nwant true")
			}
			if n := d.Count(soft.OpDestroyBuffer); n != x.destroyed {
				t.Fatalf("soft.Driver.Count(OpDestroyBuffer):\nhave %d\nwant %d", n, x.destroyed)
			}
			if n := soft.Copies(cb); n != 0 {
				t.Fatalf("soft.Copies:\nhave %d\nwant 0", n)
			}

			// Retrying succeeds.
			if err := p.Relocate(d, cb); err != nil {
				t.Fatalf("Pool.Relocate: unexpected error: %v", err)
			}
			if s := p.State(); s != Relocated {
				t.Fatalf("Pool.State:\nhave %v\nwant %v", s, Relocated)
			}
			p.Finalize()
			cb.Destroy()
			checkClean(t, d)
		})
	}
}

func TestFinalize(t *testing.T) {
	for _, want := range [...]State{Unset, DirectResident, PendingRelocation, Relocated} {
		t.Run(want.String(), func(t *testing.T) {
			d := newDevice(t, soft.Discrete())
			cb := newRecording(t, d)
			var p Pool
			switch want {
			case DirectResident:
				if err := p.Initialize(d, newConfig(t, driver.MHostCoherent)); err != nil {
					t.Fatalf("Pool.Initialize: unexpected error: %v", err)
				}
			case PendingRelocation, Relocated:
				if err := p.Initialize(d, newConfig(t, driver.MDeviceLocal)); err != nil {
					t.Fatalf("Pool.Initialize: unexpected error: %v", err)
				}
				if want == Relocated {
					if err := p.Relocate(d, cb); err != nil {
						t.Fatalf("Pool.Relocate: unexpected error: %v", err)
					}
				}
			}
			if s := p.State(); s != want {
				t.Fatalf("Pool.State:\nhave %v\nwant %v", s, want)
			}
			for i := 0; i < 3; i++ {
				p.Finalize()
				if s := p.State(); s != Unset {
					t.Fatalf("Pool.State:\nhave %v\nwant %v", s, Unset)
				}
				if p.GetDeviceMemory() != nil {
					t.Fatal("Pool.GetDeviceMemory: unexpected non-nil memory")
				}
			}
			cb.Destroy()
			checkClean(t, d)
		})
	}
}

func TestErrorString(t *testing.T) {
	err := &Error{
		Op:   "Initialize",
		Call: "NewMemory",
		Kind: AllocationFailed,
		Name: "vertices",
		Size: 4096,
		Prop: driver.MDeviceLocal,
		Type: 0,
		Err:  driver.ErrNoDeviceMemory,
	}
	want := `mempool: Initialize "vertices": AllocationFailed: NewMemory (size 4096, prop device-local, type 0): ` +
		driver.ErrNoDeviceMemory.Error()
	if s := err.Error(); s != want {
		t.Fatalf("Error.Error:\nhave %s\nwant %s", s, want)
	}
	err.Type = -1
	err.Name = ""
	err.Err = nil
	want = "mempool: Initialize: AllocationFailed: NewMemory (size 4096, prop device-local)"
	if s := err.Error(); s != want {
		t.Fatalf("Error.Error:\nhave %s\nwant %s", s, want)
	}
	if KindOf(errors.New("other")) != 0 {
		t.Fatal("KindOf: unexpected kind for foreign error")
	}
	if s := Kind(42).String(); s != "Kind(42)" {
		t.Fatalf("Kind.String:\nhave %s\nwant Kind(42)", s)
	}
}
