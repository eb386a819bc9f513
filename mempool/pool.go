// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package mempool keeps imported host memory resident on a
// GPU.
//
// A Pool imports one block of caller-allocated host memory
// and decides, once, whether the imported memory can serve
// the desired memory properties directly. If it cannot, the
// pool allocates a device memory object with the desired
// properties and relocates the data into it the first time
// the caller offers a command buffer.
//
// Pools are not safe for concurrent use. The copy recorded
// by Relocate must be ordered by the caller before any use
// of the device memory, and host writes to the imported
// memory must be ordered before the copy.
package mempool

import (
	"unsafe"

	"go.uber.org/zap"

	"github.com/gviegas/residency/driver"
	"github.com/gviegas/residency/internal/logger"
)

// Config describes the memory of a pool.
type Config struct {
	// Size of the memory in bytes.
	Size int64
	// Desired memory properties.
	Prop driver.MemProp
	// Host memory to import. It must remain valid until
	// the pool is finalized and must not be imported by
	// any other pool.
	Host unsafe.Pointer

	// Optional name used in errors, logs and metrics.
	Name string
	// Optional logger. Defaults to the package logger.
	Logger *zap.Logger
	// Optional metrics.
	Metrics *Metrics
}

// Pool owns an imported host memory and, if needed, the
// device memory it is relocated to.
// The zero value is an uninitialized pool.
type Pool struct {
	size int64
	prop driver.MemProp
	name string
	st   state
	log  *zap.Logger
	met  *Metrics
}

// Initialize imports cfg.Host and decides whether it needs
// relocation. gpu is borrowed for the duration of the call.
//
// If the memory types that cfg.Host can be imported as
// already include cfg.Prop, the imported memory is used
// directly. Otherwise, device memory with cfg.Prop is
// allocated and the pool requires relocation.
//
// Initialize fails if p is already initialized. On failure,
// p is left uninitialized and every native object created
// during the call is released.
func (p *Pool) Initialize(gpu driver.GPU, cfg *Config) error {
	const op = "Initialize"
	const failMsg = "initialization failed"
	if p.st != nil {
		return p.failed(failMsg, p.fail(op, "state check", InvalidArgument, -1, errAlreadyInitialized))
	}
	if cfg == nil {
		return p.failed(failMsg, p.fail(op, "argument check", InvalidArgument, -1, errNilArgument))
	}
	p.size = cfg.Size
	p.prop = cfg.Prop
	p.name = cfg.Name
	p.log = cfg.Logger
	if p.log == nil {
		p.log = logger.Get().Named("mempool")
	}
	p.met = cfg.Metrics
	if gpu == nil {
		return p.failed(failMsg, p.fail(op, "argument check", InvalidArgument, -1, errNilArgument))
	}

	if err := p.initialize(gpu, cfg.Host); err != nil {
		return p.failed(failMsg, err)
	}
	st := p.st.kind()
	p.met.initialized(st, p.size)
	p.log.Debug("pool initialized",
		zap.String("pool", p.name),
		zap.Int64("size", p.size),
		zap.Stringer("prop", p.prop),
		zap.Stringer("state", st),
		zap.Int("host_type", p.st.hostMemory().Type()),
	)
	return nil
}

// initialize implements Initialize.
func (p *Pool) initialize(gpu driver.GPU, host unsafe.Pointer) error {
	const op = "Initialize"
	switch {
	case p.size <= 0:
		return p.fail(op, "size check", InvalidArgument, -1, errSize)
	case host == nil:
		return p.fail(op, "host pointer check", InvalidArgument, -1, errNilHost)
	}
	if a := gpu.Limits().MinImportAlign; a > 0 {
		if uintptr(host)%uintptr(a) != 0 || p.size%a != 0 {
			return p.fail(op, "import alignment check", InvalidArgument, -1, errAlignment(a))
		}
	}

	// A pointer that is already imported is rejected by
	// the query, before any allocation.
	bits, err := gpu.HostPointerTypes(host)
	if err != nil {
		return p.fail(op, "HostPointerTypes", importKind(err, DeviceQueryFailed), -1, err)
	}
	if bits == 0 {
		return p.fail(op, "HostPointerTypes", DeviceQueryFailed, -1, errNoHostTypes)
	}

	// The imported memory must be coherent, host-visible
	// memory regardless of the desired properties.
	const hostProp = driver.MHostVisible | driver.MHostCoherent
	coherent := gpu.SelectMemory(bits, hostProp)
	if coherent == -1 {
		return p.fail(op, "host-visible|host-coherent check", PreconditionViolation, -1, errNotCoherent(bits))
	}

	var sc scope
	defer sc.release()

	var dev driver.Memory
	hostTyp := gpu.SelectMemory(bits, p.prop|hostProp)
	if hostTyp == -1 {
		hostTyp = coherent
		devTyp := gpu.SelectMemory(driver.TypeBits(len(gpu.MemoryTypes())), p.prop)
		if devTyp == -1 {
			return p.fail(op, "SelectMemory", AllocationFailed, -1, errNoMemoryType)
		}
		dev, err = gpu.NewMemory(p.size, devTyp)
		if err != nil {
			return p.fail(op, "NewMemory", AllocationFailed, devTyp, err)
		}
		sc.add(dev)
	}

	hmem, err := gpu.ImportMemory(host, p.size, hostTyp)
	if err != nil {
		return p.fail(op, "ImportMemory", importKind(err, ImportFailed), hostTyp, err)
	}
	sc.keep()

	if dev == nil {
		p.st = directResident{hmem}
	} else {
		p.st = pendingRelocation{hmem, dev}
	}
	return nil
}

// Relocate records the copy of the imported memory into
// the device memory, if the pool still requires it.
// cb must be recording. gpu is borrowed for the duration
// of the call.
//
// If the pool does not require relocation, Relocate does
// nothing and returns nil. Otherwise, it creates one buffer
// over each memory, records a single copy of the whole
// pool into cb and marks the pool as relocated. If any step
// fails, the buffers created in the call are destroyed and
// the pool still requires relocation, so the call can be
// retried with another command buffer.
func (p *Pool) Relocate(gpu driver.GPU, cb driver.CmdBuffer) error {
	const op = "Relocate"
	const failMsg = "relocation failed"
	pend, ok := p.st.(pendingRelocation)
	if !ok {
		return nil
	}
	if gpu == nil || cb == nil {
		return p.failed(failMsg, p.fail(op, "argument check", InvalidArgument, -1, errNilArgument))
	}
	if !cb.IsRecording() {
		return p.failed(failMsg, p.fail(op, "command buffer check", InvalidArgument, -1, errNotRecording))
	}
	if err := p.relocate(gpu, cb, pend); err != nil {
		return p.failed(failMsg, err)
	}
	p.met.relocated(p.size)
	p.log.Debug("relocation recorded",
		zap.String("pool", p.name),
		zap.Int64("size", p.size),
		zap.Int("host_type", pend.host.Type()),
		zap.Int("device_type", pend.dev.Type()),
	)
	return nil
}

// relocate implements Relocate.
func (p *Pool) relocate(gpu driver.GPU, cb driver.CmdBuffer, pend pendingRelocation) error {
	const op = "Relocate"
	var sc scope
	defer sc.release()

	hbuf, err := gpu.NewBuffer(p.size, driver.UCopySrc|driver.UHostImport)
	if err != nil {
		return p.fail(op, "NewBuffer (source)", RelocationSetupFailed, pend.host.Type(), err)
	}
	sc.add(hbuf)
	if err = hbuf.Bind(pend.host, 0); err != nil {
		return p.fail(op, "Bind (source)", RelocationSetupFailed, pend.host.Type(), err)
	}

	dbuf, err := gpu.NewBuffer(p.size, driver.UCopyDst)
	if err != nil {
		return p.fail(op, "NewBuffer (destination)", RelocationSetupFailed, pend.dev.Type(), err)
	}
	sc.add(dbuf)
	if err = dbuf.Bind(pend.dev, 0); err != nil {
		return p.fail(op, "Bind (destination)", RelocationSetupFailed, pend.dev.Type(), err)
	}

	cb.CopyBuffer(&driver.BufferCopy{
		From: hbuf,
		To:   dbuf,
		Size: p.size,
	})
	sc.keep()

	p.st = relocated{
		host:    pend.host,
		dev:     pend.dev,
		hostBuf: hbuf,
		devBuf:  dbuf,
	}
	p.met.transition(PendingRelocation, Relocated)
	return nil
}

// GetDeviceMemory returns the memory that resources must
// be bound to.
// If the pool requires (or required) relocation, this is
// the device memory, whose contents are undefined until
// the copy recorded by Relocate executes. Otherwise, it is
// the imported memory.
// It returns nil if the pool is not initialized.
func (p *Pool) GetDeviceMemory() driver.Memory {
	if p.st == nil {
		return nil
	}
	return p.st.deviceMemory()
}

// RequiresRelocation returns whether Relocate still has
// to record the copy into device memory.
func (p *Pool) RequiresRelocation() bool {
	_, ok := p.st.(pendingRelocation)
	return ok
}

// State returns the residency state of the pool.
func (p *Pool) State() State {
	if p.st == nil {
		return Unset
	}
	return p.st.kind()
}

// Size returns the size of the pool in bytes.
func (p *Pool) Size() int64 { return p.size }

// Prop returns the desired memory properties.
func (p *Pool) Prop() driver.MemProp { return p.prop }

// Name returns the name of the pool.
func (p *Pool) Name() string { return p.name }

// Finalize releases every native object owned by the pool.
// Buffers are destroyed before the memory they alias.
// Finalize can be called on pools that are uninitialized,
// failed to initialize or were already finalized, in which
// case it does nothing.
func (p *Pool) Finalize() {
	if p.st == nil {
		return
	}
	st := p.st
	p.st = nil
	for _, h := range st.handles() {
		if h != nil {
			h.Destroy()
		}
	}
	p.met.finalized(st.kind(), p.size)
	if p.log != nil {
		p.log.Debug("pool finalized", zap.String("pool", p.name), zap.Stringer("state", st.kind()))
	}
}
