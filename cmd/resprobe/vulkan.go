// Copyright 2024 Gustavo C. Viegas. All rights reserved.

//go:build vulkan && linux

package main

import (
	_ "github.com/gviegas/residency/driver/vk"
)
