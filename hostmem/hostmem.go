// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package hostmem allocates host memory that can be imported
// by a GPU as a host pointer.
//
// Blocks are anonymous mappings outside of the Go heap, so
// their addresses are stable and may be retained by C code.
package hostmem

import (
	"errors"
	"unsafe"
)

// ErrUnsupported means that the platform cannot allocate
// importable host memory.
var ErrUnsupported = errors.New("hostmem: unsupported platform")

var (
	errSize  = errors.New("hostmem: invalid size")
	errAlign = errors.New("hostmem: alignment is not a power of two")
)

// Block is a contiguous range of host memory.
type Block struct {
	// Whole mapping, as returned by the OS.
	m []byte
	// Aligned range within m.
	b []byte
}

// Alloc allocates a block of at least size bytes whose
// address and length are multiples of align.
// An align of zero uses the page size.
func Alloc(size, align int64) (*Block, error) {
	if size <= 0 {
		return nil, errSize
	}
	pg := int64(pageSize())
	if align <= 0 {
		align = pg
	}
	if align&(align-1) != 0 {
		return nil, errAlign
	}
	n := roundUp(size, align)
	// Mappings are page aligned. Larger alignments
	// need room to slide the block forward.
	extra := int64(0)
	if align > pg {
		extra = align - pg
	}
	m, err := mmap(int(roundUp(n+extra, pg)))
	if err != nil {
		return nil, err
	}
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(m)))
	off := roundUp(int64(addr), align) - int64(addr)
	return &Block{
		m: m,
		b: m[off : off+n : off+n],
	}, nil
}

// Bytes returns the block's memory.
func (b *Block) Bytes() []byte { return b.b }

// Pointer returns the address of the block, or nil if
// the block was freed.
func (b *Block) Pointer() unsafe.Pointer {
	if len(b.b) == 0 {
		return nil
	}
	return unsafe.Pointer(unsafe.SliceData(b.b))
}

// Len returns the length of the block in bytes.
func (b *Block) Len() int64 { return int64(len(b.b)) }

// Free releases the block.
// Calling Free more than once has no effect.
func (b *Block) Free() error {
	if b == nil || b.m == nil {
		return nil
	}
	err := munmap(b.m)
	*b = Block{}
	return err
}

func roundUp(n, align int64) int64 {
	return (n + align - 1) &^ (align - 1)
}
