// Copyright 2024 Gustavo C. Viegas. All rights reserved.

//go:build unix

package hostmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func pageSize() int { return unix.Getpagesize() }

func mmap(n int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("hostmem: mmap %d bytes: %w", n, err)
	}
	return b, nil
}

func munmap(b []byte) error {
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("hostmem: munmap: %w", err)
	}
	return nil
}
