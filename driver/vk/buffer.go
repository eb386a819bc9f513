// Copyright 2022 Gustavo C. Viegas. All rights reserved.

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
	errBound     = errors.New("vk: buffer already bound")
	errBindRange = errors.New("vk: binding out of range or misaligned")
	errBindType  = errors.New("vk: memory type not allowed for buffer")
	errForeign   = errors.New("vk: object not created by this driver")
)

// buffer implements driver.Buffer.
type buffer struct {
	d    *Driver
	size int64
	usg  driver.Usage
	req  C.VkMemoryRequirements
	m    *memory
	buf  C.VkBuffer
}

// NewBuffer creates a new unbound buffer.
func (d *Driver) NewBuffer(size int64, usg driver.Usage) (driver.Buffer, error) {
	if size <= 0 {
		return nil, errSize
	}
	var u C.VkBufferUsageFlags
	if usg&driver.UCopySrc != 0 {
		u |= C.VK_BUFFER_USAGE_TRANSFER_SRC_BIT
	}
	if usg&driver.UCopyDst != 0 {
		u |= C.VK_BUFFER_USAGE_TRANSFER_DST_BIT
	}
	if u == 0 {
		u = C.VK_BUFFER_USAGE_TRANSFER_SRC_BIT | C.VK_BUFFER_USAGE_TRANSFER_DST_BIT
	}
	info := C.VkBufferCreateInfo{
		sType:       C.VK_STRUCTURE_TYPE_BUFFER_CREATE_INFO,
		size:        C.VkDeviceSize(size),
		usage:       u,
		sharingMode: C.VK_SHARING_MODE_EXCLUSIVE,
	}
	if usg&driver.UHostImport != 0 {
		// Buffers bound to imported memory must declare
		// the external handle type at creation.
		ext := (*C.VkExternalMemoryBufferCreateInfo)(C.malloc(C.sizeof_VkExternalMemoryBufferCreateInfo))
		defer C.free(unsafe.Pointer(ext))
		*ext = C.VkExternalMemoryBufferCreateInfo{
			sType:       C.VK_STRUCTURE_TYPE_EXTERNAL_MEMORY_BUFFER_CREATE_INFO,
			handleTypes: C.VK_EXTERNAL_MEMORY_HANDLE_TYPE_HOST_ALLOCATION_BIT_EXT,
		}
		info.pNext = unsafe.Pointer(ext)
	}
	var buf C.VkBuffer
	if err := checkResult(C.vkCreateBuffer(d.dev, &info, nil, &buf)); err != nil {
		return nil, err
	}
	b := &buffer{
		d:    d,
		size: size,
		usg:  usg,
		buf:  buf,
	}
	C.vkGetBufferMemoryRequirements(d.dev, buf, &b.req)
	return b, nil
}

// Bind binds the buffer to memory.
func (b *buffer) Bind(m driver.Memory, off int64) error {
	mem, ok := m.(*memory)
	if !ok || mem == nil || b.d == nil || mem.d != b.d {
		return errForeign
	}
	if b.m != nil {
		return errBound
	}
	if b.req.memoryTypeBits&(1<<mem.typ) == 0 {
		return errBindType
	}
	if mem.imp && b.usg&driver.UHostImport == 0 {
		return driver.ErrExternalHandle
	}
	align := int64(b.req.alignment)
	if off < 0 || (align > 0 && off%align != 0) || off+int64(b.req.size) > mem.size {
		return errBindRange
	}
	if err := checkResult(C.vkBindBufferMemory(b.d.dev, b.buf, mem.mem, C.VkDeviceSize(off))); err != nil {
		return err
	}
	b.m = mem
	return nil
}

// Cap returns the capacity of the buffer in bytes.
func (b *buffer) Cap() int64 { return b.size }

// Destroy destroys the buffer.
func (b *buffer) Destroy() {
	if b == nil {
		return
	}
	if b.d != nil {
		C.vkDestroyBuffer(b.d.dev, b.buf, nil)
	}
	*b = buffer{}
}
