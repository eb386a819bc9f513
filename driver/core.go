// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package driver

import (
	"unsafe"
)

// GPU is the main interface to an underlying driver
// implementation.
// It is used to query memory capabilities, to create
// memory objects and buffers, and to execute copy
// commands.
// A GPU is obtained from a call to Driver.Open.
type GPU interface {
	// Driver returns the Driver that owns the GPU.
	Driver() Driver

	// Commit commits a batch of command buffers to the GPU
	// for execution.
	// This method sends the result to ch when all commands
	// complete execution. Command buffers in cb cannot be
	// used for recording until then.
	Commit(cb []CmdBuffer, ch chan<- error)

	// NewCmdBuffer creates a new command buffer.
	NewCmdBuffer() (CmdBuffer, error)

	// NewMemory allocates size bytes of device memory
	// from the memory type identified by typ.
	NewMemory(size int64, typ int) (Memory, error)

	// ImportMemory creates a memory object that aliases
	// size bytes of host memory starting at p.
	// typ must be one of the memory types reported by
	// HostPointerTypes(p). The host memory must remain
	// valid until the returned Memory is destroyed.
	ImportMemory(p unsafe.Pointer, size int64, typ int) (Memory, error)

	// HostPointerTypes returns a bit mask identifying
	// which memory types p can be imported as.
	// Bit i refers to MemoryTypes()[i].
	HostPointerTypes(p unsafe.Pointer) (uint32, error)

	// NewBuffer creates a new buffer that is not bound
	// to any memory.
	NewBuffer(size int64, usg Usage) (Buffer, error)

	// MemoryTypes returns the memory types exposed by
	// the device, in order of preference.
	// It must not be changed by the caller.
	MemoryTypes() []MemoryType

	// Heaps returns the memory heaps exposed by the
	// device.
	// It must not be changed by the caller.
	Heaps() []Heap

	// SelectMemory returns the index of the first memory
	// type in typeBits whose properties include prop,
	// or -1 if there is no such memory type.
	SelectMemory(typeBits uint32, prop MemProp) int

	// QueueFamily returns the index of the queue family
	// used for command execution.
	QueueFamily() int

	// Limits returns the implementation limits.
	// They are immutable for the lifetime of the GPU.
	Limits() Limits
}

// Destroyer is the interface that wraps the Destroy method.
// Types that implement this interface may allocate external
// memory that is not managed by GC, so Destroy must be
// called explicitly to ensure such memory is deallocated.
// Calling Destroy more than once has no effect.
type Destroyer interface {
	Destroy()
}

// Memory is the interface that defines a device memory
// allocation.
type Memory interface {
	Destroyer

	// Size returns the size of the allocation in bytes.
	Size() int64

	// Type returns the index of the memory type the
	// allocation was made from.
	Type() int

	// Imported returns whether the memory aliases host
	// memory that was imported by GPU.ImportMemory.
	Imported() bool
}

// Buffer is the interface that defines a linear view of
// device memory.
// A buffer is created unbound and must be bound to a
// memory object before it is used in any command.
type Buffer interface {
	Destroyer

	// Bind binds the buffer to m at offset off.
	// A buffer can only be bound once. The memory must
	// not be destroyed while the buffer is alive.
	Bind(m Memory, off int64) error

	// Cap returns the capacity of the buffer in bytes.
	Cap() int64
}

// CmdBuffer is the interface that defines a command buffer.
// Commands are recorded into command buffers and later
// committed to the GPU for execution. The usage is as
// follows:
//
//	1. call Begin
//	2. call CopyBuffer as needed
//	3. call End and, if it succeeds, GPU.Commit
//
// Call Reset to discard recorded commands.
type CmdBuffer interface {
	Destroyer

	// Begin prepares the command buffer for recording.
	// This method must be called before any command
	// is recorded in the command buffer. It needs to
	// be called again if the command buffer is
	// executed or reset.
	Begin() error

	// CopyBuffer copies data between buffers.
	// It must only be called while recording.
	CopyBuffer(param *BufferCopy)

	// End ends command recording and prepares the
	// command buffer for execution.
	End() error

	// Reset discards all recorded commands.
	Reset() error

	// IsRecording returns whether the command buffer
	// is between calls to Begin and End.
	IsRecording() bool
}

// BufferCopy describes the parameters of a copy command
// that copies data from one buffer to another.
type BufferCopy struct {
	From    Buffer
	FromOff int64
	To      Buffer
	ToOff   int64
	Size    int64
}

// Usage is a mask indicating valid uses for a buffer.
type Usage int

// Buffer usage flags.
const (
	// The buffer can be the source of a copy.
	UCopySrc Usage = 1 << iota
	// The buffer can be the destination of a copy.
	UCopyDst
	// The buffer can be bound to imported host memory.
	UHostImport
)

// MemoryType describes a memory type exposed by the device.
type MemoryType struct {
	Prop MemProp
	Heap int
}

// Heap describes a memory heap exposed by the device.
type Heap struct {
	Size        int64
	DeviceLocal bool
}

// Limits describes implementation limits.
type Limits struct {
	// Required alignment of host pointers and sizes
	// given to GPU.ImportMemory.
	MinImportAlign int64
	// Maximum number of live memory objects.
	MaxAllocations int
}

// SelectMemory returns the index of the first memory type
// in types, restricted to typeBits, whose properties include
// prop. It returns -1 if no type qualifies.
// Implementations of GPU.SelectMemory can use this function.
func SelectMemory(types []MemoryType, typeBits uint32, prop MemProp) int {
	for i := range types {
		if i >= 32 {
			break
		}
		if 1<<i&typeBits != 0 && types[i].Prop&prop == prop {
			return i
		}
	}
	return -1
}

// TypeBits returns a mask with one bit set for each of
// the first n memory types.
func TypeBits(n int) uint32 {
	if n >= 32 {
		return ^uint32(0)
	}
	return 1<<n - 1
}
