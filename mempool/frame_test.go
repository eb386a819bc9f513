// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package mempool

import (
	"errors"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gviegas/residency/driver"
	"github.com/gviegas/residency/driver/soft"
)

func newPools(t *testing.T, d *soft.Driver, props ...driver.MemProp) []*Pool {
	t.Helper()
	ps := make([]*Pool, len(props))
	for i, prop := range props {
		ps[i] = new(Pool)
		require.NoError(t, ps[i].Initialize(d, newConfig(t, prop)))
	}
	return ps
}

func TestRelocateAll(t *testing.T) {
	d := newDevice(t, soft.Discrete())
	cb := newRecording(t, d)
	ps := newPools(t, d,
		driver.MDeviceLocal,
		driver.MHostVisible,
		driver.MDeviceLocal,
		0,
	)
	ps = append(ps, nil, new(Pool))

	pend := Pending(ps)
	require.Len(t, pend, 2)
	assert.Same(t, ps[0], pend[0])
	assert.Same(t, ps[2], pend[1])

	n, err := RelocateAll(d, cb, ps)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, soft.Copies(cb))
	assert.Empty(t, Pending(ps))

	// Nothing left to relocate.
	n, err = RelocateAll(d, cb, ps)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, soft.Copies(cb))

	FinalizeAll(ps)
	cb.Destroy()
	checkClean(t, d)
}

func TestRelocateAllPartial(t *testing.T) {
	d := newDevice(t, soft.Discrete())
	cb := newRecording(t, d)
	ps := newPools(t, d, driver.MDeviceLocal, driver.MDeviceLocal, driver.MDeviceLocal)

	d.FailNext(soft.OpNewBuffer, errFault)
	n, err := RelocateAll(d, cb, ps)
	require.Error(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, ps[0].RequiresRelocation())
	assert.Equal(t, Relocated, ps[1].State())
	assert.Equal(t, Relocated, ps[2].State())

	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	require.Len(t, merr.Errors, 1)
	assert.Equal(t, RelocationSetupFailed, KindOf(merr.Errors[0]))
	assert.ErrorIs(t, merr.Errors[0], errFault)

	n, err = RelocateAll(d, cb, ps)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	FinalizeAll(ps)
	cb.Destroy()
	checkClean(t, d)
}
