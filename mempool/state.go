// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package mempool

import (
	"github.com/gviegas/residency/driver"
)

// State identifies the residency state of a pool.
type State int

// Pool states.
const (
	// Uninitialized or finalized.
	Unset State = iota
	// The imported memory serves the desired properties
	// directly.
	DirectResident
	// A device allocation exists but does not yet hold
	// the imported data.
	PendingRelocation
	// The copy into the device allocation was recorded.
	Relocated
)

func (s State) String() string {
	switch s {
	case DirectResident:
		return "direct"
	case PendingRelocation:
		return "pending"
	case Relocated:
		return "relocated"
	}
	return "unset"
}

// state is the residency state of an initialized pool.
// Exactly one of the concrete types below implements it.
type state interface {
	kind() State
	hostMemory() driver.Memory
	// deviceMemory is the memory that downstream
	// resources must bind to.
	deviceMemory() driver.Memory
	// handles returns every owned handle in release
	// order (buffers before the memory they alias).
	handles() []driver.Destroyer
}

type directResident struct {
	host driver.Memory
}

func (s directResident) kind() State                 { return DirectResident }
func (s directResident) hostMemory() driver.Memory   { return s.host }
func (s directResident) deviceMemory() driver.Memory { return s.host }
func (s directResident) handles() []driver.Destroyer { return []driver.Destroyer{s.host} }

type pendingRelocation struct {
	host driver.Memory
	dev  driver.Memory
}

func (s pendingRelocation) kind() State                 { return PendingRelocation }
func (s pendingRelocation) hostMemory() driver.Memory   { return s.host }
func (s pendingRelocation) deviceMemory() driver.Memory { return s.dev }
func (s pendingRelocation) handles() []driver.Destroyer {
	return []driver.Destroyer{s.host, s.dev}
}

type relocated struct {
	host    driver.Memory
	dev     driver.Memory
	hostBuf driver.Buffer
	devBuf  driver.Buffer
}

func (s relocated) kind() State                 { return Relocated }
func (s relocated) hostMemory() driver.Memory   { return s.host }
func (s relocated) deviceMemory() driver.Memory { return s.dev }
func (s relocated) handles() []driver.Destroyer {
	return []driver.Destroyer{s.hostBuf, s.host, s.devBuf, s.dev}
}
