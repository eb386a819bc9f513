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
	errRecording     = errors.New("vk: command buffer is recording")
	errNotRecording  = errors.New("vk: command buffer is not recording")
	errNotExecutable = errors.New("vk: command buffer is not executable")
)

// cmdBuffer implements driver.CmdBuffer.
type cmdBuffer struct {
	d     *Driver
	pool  C.VkCommandPool
	cb    C.VkCommandBuffer
	begun bool
}

// NewCmdBuffer creates a new command buffer.
// The command buffer handle is allocated from an exclusive
// command pool created using d.qfam.
func (d *Driver) NewCmdBuffer() (driver.CmdBuffer, error) {
	var pool C.VkCommandPool
	poolInfo := C.VkCommandPoolCreateInfo{
		sType:            C.VK_STRUCTURE_TYPE_COMMAND_POOL_CREATE_INFO,
		flags:            C.VK_COMMAND_POOL_CREATE_RESET_COMMAND_BUFFER_BIT,
		queueFamilyIndex: d.qfam,
	}
	err := checkResult(C.vkCreateCommandPool(d.dev, &poolInfo, nil, &pool))
	if err != nil {
		return nil, err
	}
	var cb C.VkCommandBuffer
	cbInfo := C.VkCommandBufferAllocateInfo{
		sType:              C.VK_STRUCTURE_TYPE_COMMAND_BUFFER_ALLOCATE_INFO,
		commandPool:        pool,
		level:              C.VK_COMMAND_BUFFER_LEVEL_PRIMARY,
		commandBufferCount: 1,
	}
	err = checkResult(C.vkAllocateCommandBuffers(d.dev, &cbInfo, &cb))
	if err != nil {
		C.vkDestroyCommandPool(d.dev, pool, nil)
		return nil, err
	}
	return &cmdBuffer{
		d:    d,
		pool: pool,
		cb:   cb,
	}, nil
}

// Begin puts the command buffer in the recording state.
func (cb *cmdBuffer) Begin() error {
	if cb.begun {
		return errRecording
	}
	info := C.VkCommandBufferBeginInfo{
		sType: C.VK_STRUCTURE_TYPE_COMMAND_BUFFER_BEGIN_INFO,
		flags: C.VK_COMMAND_BUFFER_USAGE_ONE_TIME_SUBMIT_BIT,
	}
	if err := checkResult(C.vkBeginCommandBuffer(cb.cb, &info)); err != nil {
		return err
	}
	cb.begun = true
	return nil
}

// CopyBuffer records a copy command.
func (cb *cmdBuffer) CopyBuffer(param *driver.BufferCopy) {
	if !cb.begun {
		panic("vk: CopyBuffer called while not recording")
	}
	from := param.From.(*buffer)
	to := param.To.(*buffer)
	region := C.VkBufferCopy{
		srcOffset: C.VkDeviceSize(param.FromOff),
		dstOffset: C.VkDeviceSize(param.ToOff),
		size:      C.VkDeviceSize(param.Size),
	}
	C.vkCmdCopyBuffer(cb.cb, from.buf, to.buf, 1, &region)
}

// End puts the command buffer in the executable state.
func (cb *cmdBuffer) End() error {
	if !cb.begun {
		return errNotRecording
	}
	cb.begun = false
	return checkResult(C.vkEndCommandBuffer(cb.cb))
}

// Reset puts the command buffer in the initial state.
func (cb *cmdBuffer) Reset() error {
	if err := checkResult(C.vkResetCommandBuffer(cb.cb, 0)); err != nil {
		return err
	}
	cb.begun = false
	return nil
}

// IsRecording returns whether the command buffer is
// recording.
func (cb *cmdBuffer) IsRecording() bool { return cb.begun }

// Destroy destroys the command buffer.
func (cb *cmdBuffer) Destroy() {
	if cb == nil {
		return
	}
	if cb.d != nil {
		cb.d.qmu.Lock()
		C.vkQueueWaitIdle(cb.d.que)
		cb.d.qmu.Unlock()
		C.vkDestroyCommandPool(cb.d.dev, cb.pool, nil)
	}
	*cb = cmdBuffer{}
}

// commitData contains common data used during a call to the
// Driver.Commit method.
// It is only safe to reuse the data after the Commit call
// writes to the provided channel.
type commitData struct {
	fence C.VkFence
	cb    []C.VkCommandBuffer // C memory.
}

// newCommitData creates new commit data.
func (d *Driver) newCommitData() (*commitData, error) {
	info := C.VkFenceCreateInfo{
		sType: C.VK_STRUCTURE_TYPE_FENCE_CREATE_INFO,
	}
	var fence C.VkFence
	err := checkResult(C.vkCreateFence(d.dev, &info, nil, &fence))
	if err != nil {
		return nil, err
	}
	const ncb = 4
	p := C.malloc(C.sizeof_VkCommandBuffer * ncb)
	return &commitData{
		fence: fence,
		cb:    unsafe.Slice((*C.VkCommandBuffer)(p), ncb),
	}, nil
}

// destroyCommitData destroys commit data.
func (d *Driver) destroyCommitData(cd *commitData) {
	if cd == nil {
		return
	}
	C.vkDestroyFence(d.dev, cd.fence, nil)
	C.free(unsafe.Pointer(&cd.cb[0]))
	*cd = commitData{}
}

// resizeCB resizes cd.cb.
func (cd *commitData) resizeCB(min int) {
	n := len(cd.cb)
	switch {
	case n < min:
		for n < min {
			n *= 2
		}
	case n >= 2*min:
		n = min
	default:
		return
	}
	p := C.realloc(unsafe.Pointer(&cd.cb[0]), C.sizeof_VkCommandBuffer*C.size_t(n))
	cd.cb = unsafe.Slice((*C.VkCommandBuffer)(p), n)
}

// Commit commits a batch of command buffers to the GPU for
// execution.
// Submission happens in the calling goroutine. Waiting for
// completion does not.
func (d *Driver) Commit(cb []driver.CmdBuffer, ch chan<- error) {
	send := func(err error) { go func() { ch <- err }() }
	if len(cb) == 0 {
		send(nil)
		return
	}
	// Take commit data from the driver and return it when
	// execution completes.
	// If too many calls to Commit were issued, we will
	// block here waiting for data to become available.
	cd := <-d.cdata
	err := checkResult(C.vkResetFences(d.dev, 1, &cd.fence))
	if err != nil {
		d.cdata <- cd
		send(err)
		return
	}
	cd.resizeCB(len(cb))
	for i := range cb {
		c, ok := cb[i].(*cmdBuffer)
		if !ok || c.d != d || c.begun {
			d.cdata <- cd
			send(errNotExecutable)
			return
		}
		cd.cb[i] = c.cb
	}
	info := C.VkSubmitInfo{
		sType:              C.VK_STRUCTURE_TYPE_SUBMIT_INFO,
		commandBufferCount: C.uint32_t(len(cb)),
		pCommandBuffers:    &cd.cb[0],
	}
	d.qmu.Lock()
	res := C.vkQueueSubmit(d.que, 1, &info, cd.fence)
	d.qmu.Unlock()
	if err = checkResult(res); err != nil {
		d.cdata <- cd
		send(err)
		return
	}

	go func() {
		var err error
	wait:
		for {
			res := C.vkWaitForFences(d.dev, 1, &cd.fence, C.VK_TRUE, C.UINT64_MAX)
			switch res {
			case C.VK_SUCCESS:
				break wait
			case C.VK_TIMEOUT:
			default:
				err = checkResult(res)
				break wait
			}
		}
		d.cdata <- cd
		ch <- err
	}()
}
