// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package driver

import (
	"errors"
	"fmt"
	"strings"
)

// MemProp is a mask of memory property flags.
type MemProp uint32

// Memory property flags.
const (
	// Memory is most efficient for device access.
	MDeviceLocal MemProp = 1 << iota
	// Memory can be mapped for host access.
	MHostVisible
	// Host writes need no explicit flush and device
	// writes need no explicit invalidation.
	MHostCoherent
	// Memory is cached on the host.
	MHostCached
	// Memory may be committed lazily by the device.
	MLazilyAllocated

	mPropN = iota
)

var memPropNames = [mPropN]string{
	"device-local",
	"host-visible",
	"host-coherent",
	"host-cached",
	"lazily-allocated",
}

// String returns the names of the flags set in p,
// separated by '|'.
func (p MemProp) String() string {
	if p == 0 {
		return "none"
	}
	var s []string
	for i, n := range memPropNames {
		if p&(1<<i) != 0 {
			s = append(s, n)
		}
	}
	if p>>mPropN != 0 {
		s = append(s, "unknown")
	}
	return strings.Join(s, "|")
}

// Has returns whether p includes every flag in q.
func (p MemProp) Has(q MemProp) bool { return p&q == q }

var errMemProp = errors.New("driver: unknown memory property")

// ParseMemProp parses a list of flag names separated by
// '|' or ','. Whitespace around names is ignored, as are
// empty names. "none" parses as zero.
func ParseMemProp(s string) (MemProp, error) {
	var p MemProp
	f := strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' })
	for _, x := range f {
		x = strings.ToLower(strings.TrimSpace(x))
		if x == "" || x == "none" {
			continue
		}
		i := 0
		for ; i < len(memPropNames); i++ {
			if memPropNames[i] == x {
				break
			}
		}
		if i == len(memPropNames) {
			return 0, fmt.Errorf("%w: %q", errMemProp, x)
		}
		p |= 1 << i
	}
	return p, nil
}

// MemPropNames returns the names accepted by ParseMemProp.
func MemPropNames() []string {
	s := make([]string, len(memPropNames))
	copy(s, memPropNames[:])
	return s
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *MemProp) UnmarshalText(b []byte) error {
	x, err := ParseMemProp(string(b))
	if err != nil {
		return err
	}
	*p = x
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (p MemProp) MarshalText() ([]byte, error) { return []byte(p.String()), nil }
