// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package mempool

import (
	"github.com/hashicorp/go-multierror"

	"github.com/gviegas/residency/driver"
)

// Pending returns the pools in ps that require relocation.
func Pending(ps []*Pool) []*Pool {
	var pend []*Pool
	for _, p := range ps {
		if p != nil && p.RequiresRelocation() {
			pend = append(pend, p)
		}
	}
	return pend
}

// RelocateAll calls Relocate on every pool in ps that
// requires relocation, recording all copies into cb.
// It is meant to be called once per frame with the
// frame's command buffer.
//
// Pools that fail are left pending and do not prevent
// the remaining pools from relocating. RelocateAll
// returns the number of pools relocated and an error
// aggregating every failure.
func RelocateAll(gpu driver.GPU, cb driver.CmdBuffer, ps []*Pool) (n int, err error) {
	var errs *multierror.Error
	for _, p := range Pending(ps) {
		if e := p.Relocate(gpu, cb); e != nil {
			errs = multierror.Append(errs, e)
			continue
		}
		n++
	}
	return n, errs.ErrorOrNil()
}

// FinalizeAll calls Finalize on every pool in ps.
func FinalizeAll(ps []*Pool) {
	for _, p := range ps {
		if p != nil {
			p.Finalize()
		}
	}
}
