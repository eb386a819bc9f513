// Copyright 2024 Gustavo C. Viegas. All rights reserved.

//go:build linux

package vk

// #cgo CFLAGS: -I${SRCDIR}
// #include <stdlib.h>
// #include "proc.h"
import "C"

import (
	"errors"
	"unsafe"

	"github.com/gviegas/residency/driver"
)

var (
	errMemoryType = errors.New("vk: invalid memory type")
	errSize       = errors.New("vk: invalid size")
	errAlignment  = errors.New("vk: misaligned host pointer or size")
)

// memory implements driver.Memory.
type memory struct {
	d    *Driver
	size int64
	typ  int
	heap int
	imp  bool
	addr uintptr // Host address if imp.
	mem  C.VkDeviceMemory
}

// imported returns whether [start, end) overlaps an
// imported host range.
// d.mu must be held.
func (d *Driver) imported(start, end uintptr) bool {
	for addr, n := range d.imports {
		if start < addr+uintptr(n) && addr < end {
			return true
		}
	}
	return false
}

// HostPointerTypes returns the memory types that p can be
// imported as.
func (d *Driver) HostPointerTypes(p unsafe.Pointer) (uint32, error) {
	if p == nil {
		return 0, driver.ErrExternalHandle
	}
	if a := d.lim.MinImportAlign; a > 0 && uintptr(p)%uintptr(a) != 0 {
		return 0, errAlignment
	}
	d.mu.Lock()
	dup := d.imported(uintptr(p), uintptr(p)+1)
	d.mu.Unlock()
	if dup {
		return 0, driver.ErrAlreadyImported
	}
	props := C.VkMemoryHostPointerPropertiesEXT{
		sType: C.VK_STRUCTURE_TYPE_MEMORY_HOST_POINTER_PROPERTIES_EXT,
	}
	err := checkResult(C.vkGetMemoryHostPointerPropertiesEXT(
		d.dev,
		C.VK_EXTERNAL_MEMORY_HANDLE_TYPE_HOST_ALLOCATION_BIT_EXT,
		p,
		&props,
	))
	if err != nil {
		return 0, err
	}
	return uint32(props.memoryTypeBits), nil
}

// NewMemory allocates device memory.
func (d *Driver) NewMemory(size int64, typ int) (driver.Memory, error) {
	if typ < 0 || typ >= len(d.types) {
		return nil, errMemoryType
	}
	if size <= 0 {
		return nil, errSize
	}
	info := C.VkMemoryAllocateInfo{
		sType:           C.VK_STRUCTURE_TYPE_MEMORY_ALLOCATE_INFO,
		allocationSize:  C.VkDeviceSize(size),
		memoryTypeIndex: C.uint32_t(typ),
	}
	var mem C.VkDeviceMemory
	if err := checkResult(C.vkAllocateMemory(d.dev, &info, nil, &mem)); err != nil {
		return nil, err
	}
	heap := d.types[typ].Heap
	d.mu.Lock()
	d.mused[heap] += size
	d.mu.Unlock()
	return &memory{
		d:    d,
		size: size,
		typ:  typ,
		heap: heap,
		mem:  mem,
	}, nil
}

// ImportMemory imports host memory.
// p must not point to memory managed by the Go runtime.
func (d *Driver) ImportMemory(p unsafe.Pointer, size int64, typ int) (driver.Memory, error) {
	if typ < 0 || typ >= len(d.types) {
		return nil, errMemoryType
	}
	if p == nil {
		return nil, driver.ErrExternalHandle
	}
	if size <= 0 {
		return nil, errSize
	}
	if a := d.lim.MinImportAlign; a > 0 && (uintptr(p)%uintptr(a) != 0 || size%a != 0) {
		return nil, errAlignment
	}
	start := uintptr(p)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.imported(start, start+uintptr(size)) {
		return nil, driver.ErrAlreadyImported
	}
	// The import info is chained from the allocate info,
	// so it must live in C memory.
	imp := (*C.VkImportMemoryHostPointerInfoEXT)(C.malloc(C.sizeof_VkImportMemoryHostPointerInfoEXT))
	defer C.free(unsafe.Pointer(imp))
	*imp = C.VkImportMemoryHostPointerInfoEXT{
		sType:        C.VK_STRUCTURE_TYPE_IMPORT_MEMORY_HOST_POINTER_INFO_EXT,
		handleType:   C.VK_EXTERNAL_MEMORY_HANDLE_TYPE_HOST_ALLOCATION_BIT_EXT,
		pHostPointer: p,
	}
	info := C.VkMemoryAllocateInfo{
		sType:           C.VK_STRUCTURE_TYPE_MEMORY_ALLOCATE_INFO,
		pNext:           unsafe.Pointer(imp),
		allocationSize:  C.VkDeviceSize(size),
		memoryTypeIndex: C.uint32_t(typ),
	}
	var mem C.VkDeviceMemory
	if err := checkResult(C.vkAllocateMemory(d.dev, &info, nil, &mem)); err != nil {
		return nil, err
	}
	d.imports[start] = size
	return &memory{
		d:    d,
		size: size,
		typ:  typ,
		heap: d.types[typ].Heap,
		imp:  true,
		addr: start,
		mem:  mem,
	}, nil
}

// Size returns the size of the memory in bytes.
func (m *memory) Size() int64 { return m.size }

// Type returns the memory type index.
func (m *memory) Type() int { return m.typ }

// Imported returns whether m aliases host memory.
func (m *memory) Imported() bool { return m.imp }

// Destroy frees the memory.
func (m *memory) Destroy() {
	if m == nil {
		return
	}
	if m.d != nil {
		C.vkFreeMemory(m.d.dev, m.mem, nil)
		m.d.mu.Lock()
		if m.imp {
			delete(m.d.imports, m.addr)
		} else {
			m.d.mused[m.heap] -= m.size
		}
		m.d.mu.Unlock()
	}
	*m = memory{}
}
