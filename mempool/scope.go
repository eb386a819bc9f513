// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package mempool

import (
	"github.com/gviegas/residency/driver"
)

// scope tracks handles acquired during a multi-step
// operation. Unless keep is called, release destroys
// them in reverse order of acquisition.
//
// Usage:
//
//	var sc scope
//	defer sc.release()
//	x, err := acquire()
//	if err != nil {
//		return err
//	}
//	sc.add(x)
//	...
//	sc.keep()
type scope struct {
	h []driver.Destroyer
}

func (s *scope) add(x driver.Destroyer) { s.h = append(s.h, x) }

// keep transfers ownership of the acquired handles to
// the caller.
func (s *scope) keep() { s.h = nil }

func (s *scope) release() {
	for i := len(s.h) - 1; i >= 0; i-- {
		s.h[i].Destroy()
	}
	s.h = nil
}
