// Copyright 2024 Gustavo C. Viegas. All rights reserved.

//go:build !unix

package hostmem

func pageSize() int { return 4096 }

func mmap(int) ([]byte, error) { return nil, ErrUnsupported }

func munmap([]byte) error { return ErrUnsupported }
