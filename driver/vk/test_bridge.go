// Copyright 2022 Gustavo C. Viegas. All rights reserved.

//go:build linux

package vk

// #cgo CFLAGS: -I${SRCDIR}
// #include "proc.h"
import "C"

// Functions that test files can call in place of
// cgo conversions, which are not allowed in tests.

func cMemPropFlags(f uint32) C.VkMemoryPropertyFlags { return C.VkMemoryPropertyFlags(f) }
