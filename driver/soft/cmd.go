// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package soft

import (
	"github.com/gviegas/residency/driver"
)

// cmdBuffer implements driver.CmdBuffer.
type cmdBuffer struct {
	d     *Driver
	begun bool
	ended bool
	cpy   []driver.BufferCopy
}

// NewCmdBuffer creates a new command buffer.
func (d *Driver) NewCmdBuffer() (driver.CmdBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil, errNotOpen
	}
	if err := d.fault(OpNewCmdBuffer); err != nil {
		return nil, err
	}
	cb := &cmdBuffer{d: d}
	d.live[cb] = struct{}{}
	d.record(OpNewCmdBuffer, 0, -1)
	return cb, nil
}

// Begin prepares the command buffer for recording.
func (cb *cmdBuffer) Begin() error {
	if cb.begun {
		return errRecording
	}
	cb.begun = true
	cb.ended = false
	cb.cpy = cb.cpy[:0]
	return nil
}

// CopyBuffer records a copy command.
func (cb *cmdBuffer) CopyBuffer(param *driver.BufferCopy) {
	if !cb.begun {
		panic("soft: CopyBuffer called while not recording")
	}
	d := cb.d
	d.mu.Lock()
	defer d.mu.Unlock()
	from, ok1 := param.From.(*buffer)
	to, ok2 := param.To.(*buffer)
	switch {
	case !ok1 || !ok2 || from.d != d || to.d != d:
		d.violate("copy between buffers not created by this driver")
		return
	case from.usg&driver.UCopySrc == 0:
		d.violate("copy source lacks UCopySrc usage")
	case to.usg&driver.UCopyDst == 0:
		d.violate("copy destination lacks UCopyDst usage")
	case param.Size <= 0 || param.FromOff < 0 || param.ToOff < 0 ||
		param.FromOff+param.Size > from.size || param.ToOff+param.Size > to.size:
		d.violate("copy of %d bytes out of range", param.Size)
	}
	cb.cpy = append(cb.cpy, *param)
	d.record(OpCopyBuffer, param.Size, -1)
}

// End ends command recording.
func (cb *cmdBuffer) End() error {
	if !cb.begun {
		return errNotRecording
	}
	cb.begun = false
	cb.ended = true
	return nil
}

// Reset discards all recorded commands.
func (cb *cmdBuffer) Reset() error {
	cb.begun = false
	cb.ended = false
	cb.cpy = cb.cpy[:0]
	return nil
}

// IsRecording returns whether the command buffer is
// recording.
func (cb *cmdBuffer) IsRecording() bool { return cb.begun }

// Copies returns the number of copies recorded in cb,
// which must be a soft command buffer.
func Copies(cb driver.CmdBuffer) int {
	if cb, ok := cb.(*cmdBuffer); ok && cb != nil {
		return len(cb.cpy)
	}
	return 0
}

// Destroy destroys the command buffer.
func (cb *cmdBuffer) Destroy() {
	if cb == nil || cb.d == nil {
		return
	}
	d := cb.d
	d.mu.Lock()
	delete(d.live, cb)
	d.mu.Unlock()
	*cb = cmdBuffer{}
}

// Commit executes the copies recorded in cb.
// Execution happens in a separate goroutine; the result
// is sent on ch.
func (d *Driver) Commit(cb []driver.CmdBuffer, ch chan<- error) {
	d.mu.Lock()
	err := d.fault(OpCommit)
	if err == nil && !d.open {
		err = errNotOpen
	}
	cbs := make([]*cmdBuffer, 0, len(cb))
	for _, x := range cb {
		if err != nil {
			break
		}
		c, ok := x.(*cmdBuffer)
		switch {
		case !ok || c.d != d:
			err = errForeign
		case !c.ended:
			err = errNotExecutable
		default:
			cbs = append(cbs, c)
		}
	}
	if err == nil {
		d.record(OpCommit, int64(len(cbs)), -1)
		d.inflight.Add(1)
	}
	d.mu.Unlock()
	if err != nil {
		go func() { ch <- err }()
		return
	}
	go func() {
		d.mu.Lock()
		for _, c := range cbs {
			for _, p := range c.cpy {
				d.execCopy(&p)
			}
			// Must be recorded again before
			// the next commit.
			c.ended = false
		}
		d.mu.Unlock()
		d.inflight.Done()
		ch <- nil
	}()
}

// execCopy performs a copy command.
// Invalid copies are recorded as violations and skipped.
// d.mu must be held.
func (d *Driver) execCopy(p *driver.BufferCopy) {
	from, _ := p.From.(*buffer)
	to, _ := p.To.(*buffer)
	if from == nil || to == nil || from.m == nil || to.m == nil || from.m.d == nil || to.m.d == nil {
		d.violate("executed copy references an unbound or destroyed buffer or memory")
		return
	}
	if p.Size <= 0 || p.FromOff < 0 || p.ToOff < 0 ||
		p.FromOff+p.Size > from.size || p.ToOff+p.Size > to.size {
		return
	}
	src := from.m.p[from.off+p.FromOff:][:p.Size]
	dst := to.m.p[to.off+p.ToOff:][:p.Size]
	copy(dst, src)
}
