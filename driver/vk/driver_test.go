// Copyright 2022 Gustavo C. Viegas. All rights reserved.

//go:build linux && cgo

package vk

import (
	"errors"
	"log"
	"os"
	"strings"
	"testing"

	"github.com/gviegas/residency/driver"
)

// tDrv is the driver managed by TestMain.
var tDrv = Driver{}

// TestMain runs the tests between calls to tDrv.Open and tDrv.Close.
// Tests are skipped if no suitable device is present.
func TestMain(m *testing.M) {
	if _, err := tDrv.Open(); err != nil {
		log.Printf("skipping vk tests: Driver.Open failed: %v", err)
		os.Exit(0)
	}
	name := tDrv.DeviceName()
	imaj, imin, ipat := tDrv.InstanceVersion()
	dmaj, dmin, dpat := tDrv.DeviceVersion()
	log.Printf("\n\tUsing %s\n\tVersion %d.%d.%d (inst), %d.%d.%d (dev)", name, imaj, imin, ipat, dmaj, dmin, dpat)
	c := m.Run()
	tDrv.Close()
	os.Exit(c)
}

// isError checks multiple errors for equality.
func isError(e error, targets ...error) bool {
	for _, x := range targets {
		if errors.Is(e, x) {
			return true
		}
	}
	return false
}

func TestOpen(t *testing.T) {
	if tDrv.inst == nil {
		t.Error("tDrv.inst\nhave nil\nwant non-nil")
	}
	if tDrv.ivers < requiredAPIVersion {
		t.Errorf("tDrv.ivers\nhave %#x\nwant >= %#x", tDrv.ivers, requiredAPIVersion)
	}
	if tDrv.pdev == nil {
		t.Error("tDrv.pdev\nhave nil\nwant non-nil")
	}
	if tDrv.dev == nil {
		t.Error("tDrv.dev\nhave nil\nwant non-nil")
	}
	if tDrv.que == nil {
		t.Error("tDrv.que\nhave nil\nwant non-nil")
	}
	if len(tDrv.mused) != len(tDrv.heaps) {
		t.Errorf("len(tDrv.mused)\nhave %d\nwant %d", len(tDrv.mused), len(tDrv.heaps))
	}
	// Subsequent calls to Open should return the same GPU and not fail.
	if g, err := tDrv.Open(); g != &tDrv || err != nil {
		t.Errorf("tDrv.Open()\nhave %p, %v\nwant %p, nil", g, err, &tDrv)
	}
}

func TestName(t *testing.T) {
	// Name should not require an open driver.
	d := &Driver{}
	s := d.Name()
	if s == "" {
		t.Error("d.Name()\nhave \"\"\nwant non-empty")
	} else if !strings.HasPrefix(s, "vulkan") {
		t.Errorf("d.Name()\nhave %s\nwant vulkan*", s)
	}
	if d.inst != nil || d.dev != nil {
		t.Errorf("d.Name(): Driver\nhave %v\nwant Driver{}", d)
	}
}

func TestMemoryTypes(t *testing.T) {
	types := tDrv.MemoryTypes()
	if len(types) == 0 || len(types) > 32 {
		t.Fatalf("tDrv.MemoryTypes: have %d types", len(types))
	}
	for i, x := range types {
		if x.Heap < 0 || x.Heap >= len(tDrv.Heaps()) {
			t.Errorf("tDrv.MemoryTypes()[%d].Heap\nhave %d\nwant [0, %d)", i, x.Heap, len(tDrv.Heaps()))
		}
	}
	if tDrv.SelectMemory(driver.TypeBits(len(types)), driver.MDeviceLocal) == -1 {
		t.Error("tDrv.SelectMemory: no device-local memory type")
	}
	lim := tDrv.Limits()
	if lim.MinImportAlign <= 0 || lim.MinImportAlign&(lim.MinImportAlign-1) != 0 {
		t.Errorf("tDrv.Limits().MinImportAlign\nhave %d\nwant power of two", lim.MinImportAlign)
	}
	if lim.MaxAllocations <= 0 {
		t.Errorf("tDrv.Limits().MaxAllocations\nhave %d\nwant > 0", lim.MaxAllocations)
	}
}

func TestConvMemProp(t *testing.T) {
	for _, x := range [...]struct {
		flags uint32
		want  driver.MemProp
	}{
		{0, 0},
		{0x1, driver.MDeviceLocal},
		{0x6, driver.MHostVisible | driver.MHostCoherent},
		{0xe, driver.MHostVisible | driver.MHostCoherent | driver.MHostCached},
		{0x11, driver.MDeviceLocal | driver.MLazilyAllocated},
	} {
		if p := convMemProp(cMemPropFlags(x.flags)); p != x.want {
			t.Errorf("convMemProp(%#x)\nhave %v\nwant %v", x.flags, p, x.want)
		}
	}
}
