// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package soft implements driver interfaces on the host.
// Device memory is backed by Go slices and imported memory
// aliases the caller's pointer, so copies recorded in soft
// command buffers really move data. Every native call is
// logged and can be made to fail, which makes the package
// suitable for testing code layered over package driver.
package soft

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/hashicorp/go-multierror"

	"github.com/gviegas/residency/driver"
)

const driverName = "soft"

// Op identifies a native operation of the soft device.
type Op int

// Operations.
const (
	OpHostPointer Op = iota
	OpNewMemory
	OpImportMemory
	OpFreeMemory
	OpNewBuffer
	OpBind
	OpDestroyBuffer
	OpNewCmdBuffer
	OpCopyBuffer
	OpCommit

	opN
)

var opNames = [opN]string{
	"HostPointer",
	"NewMemory",
	"ImportMemory",
	"FreeMemory",
	"NewBuffer",
	"Bind",
	"DestroyBuffer",
	"NewCmdBuffer",
	"CopyBuffer",
	"Commit",
}

func (op Op) String() string {
	if op < 0 || op >= opN {
		return fmt.Sprintf("Op(%d)", int(op))
	}
	return opNames[op]
}

// Call is an entry of the call log.
// Type is the memory type of the call, or -1 if the
// operation does not involve one.
type Call struct {
	Op   Op
	Size int64
	Type int
}

// Driver implements driver.Driver and driver.GPU.
type Driver struct {
	mu   sync.Mutex
	lay  Layout
	open bool

	types []driver.MemoryType
	heaps []driver.Heap
	lim   driver.Limits

	// Used device memory, indexed by heap indices.
	mused []int64
	// Number of live memory objects.
	nmem int

	// Live objects, for leak detection.
	live map[driver.Destroyer]struct{}
	// Imported memory, keyed by host address.
	imports map[uintptr]*memory

	calls  []Call
	faults [opN]error
	errs   *multierror.Error

	// Commits still executing.
	inflight sync.WaitGroup
}

func init() {
	driver.Register(New(Discrete()))
}

// New creates a new soft driver that will expose a device
// with the given layout once opened.
func New(lay Layout) *Driver { return &Driver{lay: lay} }

// Open initializes the driver.
func (d *Driver) Open() (driver.GPU, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return d, nil
	}
	if err := d.lay.Validate(); err != nil {
		return nil, err
	}
	d.types = make([]driver.MemoryType, len(d.lay.Types))
	for i, t := range d.lay.Types {
		d.types[i] = driver.MemoryType{Prop: t.Prop, Heap: t.Heap}
	}
	d.heaps = make([]driver.Heap, len(d.lay.Heaps))
	for i, h := range d.lay.Heaps {
		d.heaps[i] = driver.Heap{Size: h.Size, DeviceLocal: h.DeviceLocal}
	}
	d.lim = driver.Limits{
		MinImportAlign: d.lay.ImportAlign,
		MaxAllocations: d.lay.MaxAllocations,
	}
	d.mused = make([]int64, len(d.heaps))
	d.live = make(map[driver.Destroyer]struct{})
	d.imports = make(map[uintptr]*memory)
	d.open = true
	return d, nil
}

// Name returns the driver name.
func (d *Driver) Name() string { return driverName }

// Close deinitializes the driver.
// Objects that are still alive are destroyed.
func (d *Driver) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return
	}
	// Commit fails from now on, so no new executions
	// can start while we wait.
	d.open = false
	live := make([]driver.Destroyer, 0, len(d.live))
	for x := range d.live {
		live = append(live, x)
	}
	d.mu.Unlock()
	d.inflight.Wait()
	// Buffers first so memory is never freed while bound.
	for _, x := range live {
		if _, ok := x.(*memory); !ok {
			x.Destroy()
		}
	}
	for _, x := range live {
		if _, ok := x.(*memory); ok {
			x.Destroy()
		}
	}
	d.mu.Lock()
	d.types = nil
	d.heaps = nil
	d.lim = driver.Limits{}
	d.mused = nil
	d.nmem = 0
	d.live = nil
	d.imports = nil
	d.calls = nil
	d.faults = [opN]error{}
	d.errs = nil
	d.mu.Unlock()
}

// Driver returns the receiver (for driver.GPU conformance).
func (d *Driver) Driver() driver.Driver { return d }

// Layout returns the layout of the device.
func (d *Driver) Layout() Layout { return d.lay }

// MemoryTypes returns the memory types of the device.
func (d *Driver) MemoryTypes() []driver.MemoryType { return d.types }

// Heaps returns the memory heaps of the device.
func (d *Driver) Heaps() []driver.Heap { return d.heaps }

// SelectMemory selects a suitable memory type from the device.
func (d *Driver) SelectMemory(typeBits uint32, prop driver.MemProp) int {
	return driver.SelectMemory(d.types, typeBits, prop)
}

// QueueFamily returns the queue family index.
// The soft device has a single queue.
func (d *Driver) QueueFamily() int { return 0 }

// Limits returns the implementation limits.
func (d *Driver) Limits() driver.Limits { return d.lim }

// Used returns the number of bytes allocated from heap.
// Imported memory is not accounted for.
func (d *Driver) Used(heap int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if heap < 0 || heap >= len(d.mused) {
		return 0
	}
	return d.mused[heap]
}

// FailNext causes the next call of op to fail with err.
// A nil err clears a pending failure.
func (d *Driver) FailNext(op Op, err error) {
	d.mu.Lock()
	d.faults[op] = err
	d.mu.Unlock()
}

// Calls returns a copy of the call log.
func (d *Driver) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := make([]Call, len(d.calls))
	copy(c, d.calls)
	return c
}

// Count returns how many successful calls of op are in
// the call log.
func (d *Driver) Count(op Op) (n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.calls {
		if c.Op == op {
			n++
		}
	}
	return
}

// ResetCalls clears the call log.
func (d *Driver) ResetCalls() {
	d.mu.Lock()
	d.calls = d.calls[:0]
	d.mu.Unlock()
}

// Leaks returns an error describing every object that is
// still alive, or nil if there is none.
func (d *Driver) Leaks() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs *multierror.Error
	for x := range d.live {
		switch x := x.(type) {
		case *memory:
			errs = multierror.Append(errs, fmt.Errorf("soft: leaked memory (size %d, type %d, imported %t)", x.size, x.typ, x.imp))
		case *buffer:
			errs = multierror.Append(errs, fmt.Errorf("soft: leaked buffer (size %d)", x.size))
		case *cmdBuffer:
			errs = multierror.Append(errs, errors.New("soft: leaked command buffer"))
		}
	}
	return errs.ErrorOrNil()
}

// Violations returns an error describing every misuse of
// the device observed so far (e.g., freeing memory that
// is still bound to a buffer), or nil if there is none.
func (d *Driver) Violations() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errs.ErrorOrNil()
}

// Bytes returns the contents of a soft memory object.
// It returns nil if m was not created by a soft driver
// or was destroyed.
func Bytes(m driver.Memory) []byte {
	if m, ok := m.(*memory); ok && m != nil {
		return m.p
	}
	return nil
}

// fault returns and clears the pending failure of op.
// d.mu must be held.
func (d *Driver) fault(op Op) error {
	err := d.faults[op]
	d.faults[op] = nil
	return err
}

// record appends an entry to the call log.
// d.mu must be held.
func (d *Driver) record(op Op, size int64, typ int) {
	d.calls = append(d.calls, Call{op, size, typ})
}

// violate records a misuse of the device.
// d.mu must be held.
func (d *Driver) violate(format string, args ...any) {
	d.errs = multierror.Append(d.errs, fmt.Errorf("soft: "+format, args...))
}

var (
	errNotOpen        = errors.New("soft: driver not open")
	errMemoryType     = errors.New("soft: invalid memory type")
	errSize           = errors.New("soft: invalid size")
	errAlignment      = errors.New("soft: misaligned host pointer or size")
	errTooManyObjects = errors.New("soft: too many objects")
	errBound          = errors.New("soft: buffer already bound")
	errBindRange      = errors.New("soft: binding out of range")
	errForeign        = errors.New("soft: object not created by this driver")
	errRecording      = errors.New("soft: command buffer is recording")
	errNotRecording   = errors.New("soft: command buffer is not recording")
	errNotExecutable  = errors.New("soft: command buffer is not executable")
)

// memory implements driver.Memory.
type memory struct {
	d    *Driver
	size int64
	typ  int
	heap int
	imp  bool
	p    []byte
	// Number of buffers bound to this memory.
	nbuf int
}

// HostPointerTypes returns the memory types that p can be
// imported as.
func (d *Driver) HostPointerTypes(p unsafe.Pointer) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return 0, errNotOpen
	}
	if err := d.fault(OpHostPointer); err != nil {
		return 0, err
	}
	if p == nil {
		return 0, driver.ErrExternalHandle
	}
	if a := d.lim.MinImportAlign; a > 0 && uintptr(p)%uintptr(a) != 0 {
		return 0, errAlignment
	}
	if d.imported(uintptr(p), uintptr(p)+1) {
		return 0, driver.ErrAlreadyImported
	}
	d.record(OpHostPointer, 0, -1)
	return d.lay.importBits(), nil
}

// imported returns whether [start, end) overlaps an
// imported memory.
// d.mu must be held.
func (d *Driver) imported(start, end uintptr) bool {
	for addr, x := range d.imports {
		if start < addr+uintptr(x.size) && addr < end {
			return true
		}
	}
	return false
}

// NewMemory allocates device memory.
func (d *Driver) NewMemory(size int64, typ int) (driver.Memory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil, errNotOpen
	}
	if err := d.fault(OpNewMemory); err != nil {
		return nil, err
	}
	if typ < 0 || typ >= len(d.types) {
		return nil, errMemoryType
	}
	if size <= 0 {
		return nil, errSize
	}
	if d.lim.MaxAllocations > 0 && d.nmem >= d.lim.MaxAllocations {
		return nil, errTooManyObjects
	}
	heap := d.types[typ].Heap
	if d.mused[heap]+size > d.heaps[heap].Size {
		return nil, driver.ErrNoDeviceMemory
	}
	m := &memory{
		d:    d,
		size: size,
		typ:  typ,
		heap: heap,
		p:    make([]byte, size),
	}
	d.mused[heap] += size
	d.nmem++
	d.live[m] = struct{}{}
	d.record(OpNewMemory, size, typ)
	return m, nil
}

// ImportMemory imports host memory.
func (d *Driver) ImportMemory(p unsafe.Pointer, size int64, typ int) (driver.Memory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil, errNotOpen
	}
	if err := d.fault(OpImportMemory); err != nil {
		return nil, err
	}
	if typ < 0 || typ >= len(d.types) {
		return nil, errMemoryType
	}
	if p == nil || d.lay.importBits()&(1<<typ) == 0 {
		return nil, driver.ErrExternalHandle
	}
	if size <= 0 {
		return nil, errSize
	}
	if a := d.lim.MinImportAlign; a > 0 && (uintptr(p)%uintptr(a) != 0 || size%a != 0) {
		return nil, errAlignment
	}
	if d.lim.MaxAllocations > 0 && d.nmem >= d.lim.MaxAllocations {
		return nil, errTooManyObjects
	}
	start := uintptr(p)
	if d.imported(start, start+uintptr(size)) {
		return nil, driver.ErrAlreadyImported
	}
	m := &memory{
		d:    d,
		size: size,
		typ:  typ,
		heap: d.types[typ].Heap,
		imp:  true,
		p:    unsafe.Slice((*byte)(p), size),
	}
	d.imports[start] = m
	d.nmem++
	d.live[m] = struct{}{}
	d.record(OpImportMemory, size, typ)
	return m, nil
}

// Size returns the size of the memory in bytes.
func (m *memory) Size() int64 { return m.size }

// Type returns the memory type index.
func (m *memory) Type() int { return m.typ }

// Imported returns whether m aliases host memory.
func (m *memory) Imported() bool { return m.imp }

// Destroy frees the memory.
func (m *memory) Destroy() {
	if m == nil || m.d == nil {
		return
	}
	d := m.d
	d.mu.Lock()
	if m.nbuf > 0 {
		d.violate("memory (size %d, type %d) freed while bound to %d buffer(s)", m.size, m.typ, m.nbuf)
	}
	if m.imp {
		delete(d.imports, uintptr(unsafe.Pointer(unsafe.SliceData(m.p))))
	} else {
		d.mused[m.heap] -= m.size
	}
	d.nmem--
	delete(d.live, m)
	d.record(OpFreeMemory, m.size, m.typ)
	d.mu.Unlock()
	*m = memory{}
}

// buffer implements driver.Buffer.
type buffer struct {
	d    *Driver
	size int64
	usg  driver.Usage
	m    *memory
	off  int64
}

// NewBuffer creates a new unbound buffer.
func (d *Driver) NewBuffer(size int64, usg driver.Usage) (driver.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil, errNotOpen
	}
	if err := d.fault(OpNewBuffer); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, errSize
	}
	b := &buffer{
		d:    d,
		size: size,
		usg:  usg,
	}
	d.live[b] = struct{}{}
	d.record(OpNewBuffer, size, -1)
	return b, nil
}

// Bind binds the buffer to memory.
func (b *buffer) Bind(m driver.Memory, off int64) error {
	mem, ok := m.(*memory)
	if !ok || mem == nil || mem.d != b.d || b.d == nil {
		return errForeign
	}
	d := b.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpBind); err != nil {
		return err
	}
	if b.m != nil {
		return errBound
	}
	if off < 0 || off+b.size > mem.size {
		return errBindRange
	}
	if mem.imp && b.usg&driver.UHostImport == 0 {
		return driver.ErrExternalHandle
	}
	b.m = mem
	b.off = off
	mem.nbuf++
	d.record(OpBind, b.size, mem.typ)
	return nil
}

// Cap returns the capacity of the buffer in bytes.
func (b *buffer) Cap() int64 { return b.size }

// Destroy destroys the buffer.
func (b *buffer) Destroy() {
	if b == nil || b.d == nil {
		return
	}
	d := b.d
	d.mu.Lock()
	if b.m != nil {
		b.m.nbuf--
	}
	delete(d.live, b)
	d.record(OpDestroyBuffer, b.size, -1)
	d.mu.Unlock()
	*b = buffer{}
}
