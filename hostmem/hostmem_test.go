// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package hostmem

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlloc(t *testing.T) {
	pg := int64(pageSize())
	cases := [...]struct {
		size, align int64
		want        int64
	}{
		{1, 0, pg},
		{pg, 0, pg},
		{pg + 1, 0, 2 * pg},
		{65536, 4096, 65536},
		{100, 64, 128},
		{3 * pg, 16 * pg, 16 * pg},
		{1 << 20, 1 << 16, 1 << 20},
	}
	for _, c := range cases {
		call := fmt.Sprintf("Alloc(%d, %d)", c.size, c.align)
		b, err := Alloc(c.size, c.align)
		require.NoError(t, err, call)
		assert.Equal(t, c.want, b.Len(), call)
		align := c.align
		if align == 0 {
			align = pg
		}
		assert.Zero(t, uintptr(b.Pointer())%uintptr(align), "%s: misaligned pointer", call)
		// The block must be writable from end to end.
		p := b.Bytes()
		p[0] = 0xa5
		p[len(p)-1] = 0x5a
		assert.Equal(t, byte(0xa5), p[0], call)
		assert.Equal(t, byte(0x5a), p[len(p)-1], call)

		require.NoError(t, b.Free(), call)
		assert.Nil(t, b.Pointer(), call)
		assert.Zero(t, b.Len(), call)
		assert.NoError(t, b.Free(), "%s: second Free", call)
	}
}

func TestAllocInvalid(t *testing.T) {
	for _, c := range [...]struct{ size, align int64 }{
		{0, 0},
		{-1, 4096},
		{4096, 3},
		{4096, 4097},
	} {
		b, err := Alloc(c.size, c.align)
		assert.Error(t, err, "Alloc(%d, %d)", c.size, c.align)
		assert.Nil(t, b)
	}
}

func TestFreeNil(t *testing.T) {
	var b *Block
	assert.NoError(t, b.Free())
}
