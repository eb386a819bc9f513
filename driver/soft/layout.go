// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package soft

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/gviegas/residency/driver"
)

// Layout describes the memory organization of a soft
// device.
type Layout struct {
	Name  string     `yaml:"name"`
	Heaps []HeapDesc `yaml:"heaps"`
	Types []TypeDesc `yaml:"types"`
	// Indices of the memory types that host pointers
	// can be imported as.
	Import []int `yaml:"import"`
	// Required alignment of imported pointers and sizes.
	// Zero means no requirement.
	ImportAlign int64 `yaml:"import_align"`
	// Maximum number of live memory objects.
	// Zero means no limit.
	MaxAllocations int `yaml:"max_allocations"`
}

// HeapDesc describes a memory heap.
type HeapDesc struct {
	Size        int64 `yaml:"size"`
	DeviceLocal bool  `yaml:"device_local"`
}

// TypeDesc describes a memory type.
type TypeDesc struct {
	Prop driver.MemProp `yaml:"prop"`
	Heap int            `yaml:"heap"`
}

const (
	kib = 1 << 10
	mib = 1 << 20
	gib = 1 << 30
)

// Discrete returns the layout of a device with its own
// memory. Host pointers are importable only as system
// memory, so device-local resources need relocation.
func Discrete() Layout {
	return Layout{
		Name: "discrete",
		Heaps: []HeapDesc{
			{256 * mib, true},
			{1 * gib, false},
		},
		Types: []TypeDesc{
			{driver.MDeviceLocal, 0},
			{driver.MHostVisible | driver.MHostCoherent, 1},
			{driver.MHostVisible | driver.MHostCoherent | driver.MHostCached, 1},
		},
		Import:      []int{1, 2},
		ImportAlign: 4 * kib,
	}
}

// Unified returns the layout of a device that shares
// memory with the host. Host pointers are importable as
// device-local memory.
func Unified() Layout {
	return Layout{
		Name: "unified",
		Heaps: []HeapDesc{
			{1 * gib, true},
		},
		Types: []TypeDesc{
			{driver.MDeviceLocal | driver.MHostVisible | driver.MHostCoherent, 0},
			{driver.MDeviceLocal, 0},
		},
		Import:      []int{0},
		ImportAlign: 4 * kib,
	}
}

// Incoherent returns the layout of a device whose
// importable memory is not host coherent.
func Incoherent() Layout {
	return Layout{
		Name: "incoherent",
		Heaps: []HeapDesc{
			{256 * mib, true},
			{1 * gib, false},
		},
		Types: []TypeDesc{
			{driver.MDeviceLocal, 0},
			{driver.MHostVisible | driver.MHostCached, 1},
			{driver.MHostVisible | driver.MHostCoherent, 1},
		},
		Import:      []int{1},
		ImportAlign: 4 * kib,
	}
}

var presets = map[string]func() Layout{
	"discrete":   Discrete,
	"unified":    Unified,
	"incoherent": Incoherent,
}

// Preset returns the preset layout with the given name.
func Preset(name string) (Layout, bool) {
	f, ok := presets[name]
	if !ok {
		return Layout{}, false
	}
	return f(), true
}

// PresetNames returns the names of the preset layouts,
// sorted.
func PresetNames() []string {
	s := make([]string, 0, len(presets))
	for k := range presets {
		s = append(s, k)
	}
	sort.Strings(s)
	return s
}

// ParseLayout decodes a YAML layout and validates it.
func ParseLayout(r io.Reader) (Layout, error) {
	var l Layout
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&l); err != nil {
		return Layout{}, fmt.Errorf("soft: decode layout: %w", err)
	}
	if err := l.Validate(); err != nil {
		return Layout{}, err
	}
	return l, nil
}

var errLayout = errors.New("soft: invalid layout")

// Validate checks that l describes a usable device.
func (l *Layout) Validate() error {
	switch {
	case len(l.Heaps) == 0:
		return fmt.Errorf("%w: no heaps", errLayout)
	case len(l.Types) == 0:
		return fmt.Errorf("%w: no memory types", errLayout)
	case len(l.Types) > 32:
		return fmt.Errorf("%w: %d memory types (max 32)", errLayout, len(l.Types))
	case l.ImportAlign < 0 || l.ImportAlign&(l.ImportAlign-1) != 0:
		return fmt.Errorf("%w: import alignment %d is not a power of two", errLayout, l.ImportAlign)
	case l.MaxAllocations < 0:
		return fmt.Errorf("%w: negative allocation limit", errLayout)
	}
	for i, h := range l.Heaps {
		if h.Size <= 0 {
			return fmt.Errorf("%w: heap %d has size %d", errLayout, i, h.Size)
		}
	}
	for i, t := range l.Types {
		if t.Heap < 0 || t.Heap >= len(l.Heaps) {
			return fmt.Errorf("%w: memory type %d refers to heap %d", errLayout, i, t.Heap)
		}
	}
	for _, x := range l.Import {
		if x < 0 || x >= len(l.Types) {
			return fmt.Errorf("%w: import type %d out of range", errLayout, x)
		}
	}
	return nil
}

// importBits returns the mask of importable memory types.
func (l *Layout) importBits() (m uint32) {
	for _, x := range l.Import {
		m |= 1 << x
	}
	return
}
