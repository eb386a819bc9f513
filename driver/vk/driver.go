// Copyright 2022 Gustavo C. Viegas. All rights reserved.

//go:build linux

// Package vk implements driver interfaces using the Vulkan API.
// It requires a device that supports VK_EXT_external_memory_host.
package vk

// #cgo CFLAGS: -I${SRCDIR}
// #include <stdlib.h>
// #include "proc.h"
import "C"

import (
	"errors"
	"runtime"
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"github.com/gviegas/residency/driver"
	"github.com/gviegas/residency/internal/logger"
)

const driverName = "vulkan"
const requiredAPIVersion = C.VK_API_VERSION_1_1
const extHostMemory = "VK_EXT_external_memory_host"

// Driver implements driver.Driver and driver.GPU.
type Driver struct {
	proc

	inst  C.VkInstance
	ivers C.uint32_t
	pdev  C.VkPhysicalDevice
	dname string
	dvers C.uint32_t
	dev   C.VkDevice
	que   C.VkQueue
	qfam  C.uint32_t

	// Queue submission requires that the queue handle
	// be externally synchronized.
	qmu sync.Mutex

	// Commit data created in advance.
	// The capacity of the channel limits the number
	// of concurrent Commit calls.
	cdata chan *commitData

	mprop C.VkPhysicalDeviceMemoryProperties
	types []driver.MemoryType
	heaps []driver.Heap

	// Used device memory, indexed by heap indices.
	mu    sync.Mutex
	mused []int64
	// Sizes of imported host ranges, keyed by address.
	// Guarded by mu.
	imports map[uintptr]int64

	// Limits of pdev.
	lim driver.Limits

	log *zap.Logger
}

func init() {
	driver.Register(&Driver{})
}

// initInstance initializes the Vulkan instance.
func (d *Driver) initInstance() error {
	C.getGlobalProcs()
	if C.enumerateInstanceVersion == nil || checkResult(C.vkEnumerateInstanceVersion(&d.ivers)) != nil {
		// Vulkan 1.0 has no vkEnumerateInstanceVersion.
		return driver.ErrNoDevice
	}
	if isVariant(d.ivers) || d.ivers < requiredAPIVersion {
		return driver.ErrNoDevice
	}
	appInfo := (*C.VkApplicationInfo)(C.malloc(C.sizeof_VkApplicationInfo))
	defer C.free(unsafe.Pointer(appInfo))
	*appInfo = C.VkApplicationInfo{
		sType:      C.VK_STRUCTURE_TYPE_APPLICATION_INFO,
		apiVersion: requiredAPIVersion,
	}
	info := C.VkInstanceCreateInfo{
		sType:            C.VK_STRUCTURE_TYPE_INSTANCE_CREATE_INFO,
		pApplicationInfo: appInfo,
	}
	if err := checkResult(C.vkCreateInstance(&info, nil, &d.inst)); err != nil {
		return err
	}
	C.getInstanceProcs(d.inst)
	return nil
}

// deviceExts returns the names of the extensions that dev
// supports.
func deviceExts(dev C.VkPhysicalDevice) ([]string, error) {
	var n C.uint32_t
	if err := checkResult(C.vkEnumerateDeviceExtensionProperties(dev, nil, &n, nil)); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	p := (*C.VkExtensionProperties)(C.malloc(C.sizeof_VkExtensionProperties * C.size_t(n)))
	defer C.free(unsafe.Pointer(p))
	if err := checkResult(C.vkEnumerateDeviceExtensionProperties(dev, nil, &n, p)); err != nil {
		return nil, err
	}
	props := unsafe.Slice(p, n)
	exts := make([]string, n)
	for i := range props {
		props[i].extensionName[len(props[i].extensionName)-1] = 0
		exts[i] = C.GoString(&props[i].extensionName[0])
	}
	return exts, nil
}

// hasExt returns whether dev supports extension name.
func hasExt(dev C.VkPhysicalDevice, name string) bool {
	exts, err := deviceExts(dev)
	if err != nil {
		return false
	}
	for _, e := range exts {
		if e == name {
			return true
		}
	}
	return false
}

// initDevice initializes the Vulkan device.
func (d *Driver) initDevice() error {
	var n C.uint32_t
	if err := checkResult(C.vkEnumeratePhysicalDevices(d.inst, &n, nil)); err != nil {
		return err
	}
	if n == 0 {
		return driver.ErrNoDevice
	}
	p := (*C.VkPhysicalDevice)(C.malloc(C.sizeof_VkPhysicalDevice * C.size_t(n)))
	defer C.free(unsafe.Pointer(p))
	if err := checkResult(C.vkEnumeratePhysicalDevices(d.inst, &n, p)); err != nil {
		return err
	}

	// Select a suitable physical device to use. It must
	// be able to import host pointers and have a queue
	// supporting transfer operations.
	weight := 0
	for _, dev := range unsafe.Slice(p, n) {
		var props C.VkPhysicalDeviceProperties
		C.vkGetPhysicalDeviceProperties(dev, &props)
		if isVariant(props.apiVersion) || props.apiVersion < requiredAPIVersion {
			continue
		}
		if !hasExt(dev, extHostMemory) {
			continue
		}
		fam, ok := transferQueue(dev)
		if !ok {
			continue
		}
		wgt := 1
		if props.deviceType == C.VK_PHYSICAL_DEVICE_TYPE_DISCRETE_GPU ||
			props.deviceType == C.VK_PHYSICAL_DEVICE_TYPE_INTEGRATED_GPU {
			wgt++
		}
		if wgt > weight {
			d.pdev = dev
			props.deviceName[len(props.deviceName)-1] = 0
			d.dname = C.GoString(&props.deviceName[0])
			d.dvers = props.apiVersion
			d.qfam = fam
			weight = wgt
		}
	}
	if weight == 0 {
		return driver.ErrNoDevice
	}
	d.setLimits()
	d.setMemory()

	quePrio := (*C.float)(C.malloc(C.sizeof_float))
	defer C.free(unsafe.Pointer(quePrio))
	*quePrio = 1.0
	queInfo := (*C.VkDeviceQueueCreateInfo)(C.malloc(C.sizeof_VkDeviceQueueCreateInfo))
	defer C.free(unsafe.Pointer(queInfo))
	*queInfo = C.VkDeviceQueueCreateInfo{
		sType:            C.VK_STRUCTURE_TYPE_DEVICE_QUEUE_CREATE_INFO,
		queueFamilyIndex: d.qfam,
		queueCount:       1,
		pQueuePriorities: quePrio,
	}
	ext := C.CString(extHostMemory)
	defer C.free(unsafe.Pointer(ext))
	exts := (**C.char)(C.malloc(C.size_t(unsafe.Sizeof(ext))))
	defer C.free(unsafe.Pointer(exts))
	*exts = ext
	info := C.VkDeviceCreateInfo{
		sType:                   C.VK_STRUCTURE_TYPE_DEVICE_CREATE_INFO,
		queueCreateInfoCount:    1,
		pQueueCreateInfos:       queInfo,
		enabledExtensionCount:   1,
		ppEnabledExtensionNames: exts,
	}
	if err := checkResult(C.vkCreateDevice(d.pdev, &info, nil, &d.dev)); err != nil {
		return err
	}
	C.getDeviceProcs(d.dev)
	if C.getMemoryHostPointerPropertiesEXT == nil {
		return driver.ErrNoDevice
	}
	C.vkGetDeviceQueue(d.dev, d.qfam, 0, &d.que)
	return nil
}

// transferQueue returns the index of the first queue family
// of dev that supports transfer operations.
func transferQueue(dev C.VkPhysicalDevice) (C.uint32_t, bool) {
	var n C.uint32_t
	C.vkGetPhysicalDeviceQueueFamilyProperties(dev, &n, nil)
	if n == 0 {
		return 0, false
	}
	p := (*C.VkQueueFamilyProperties)(C.malloc(C.sizeof_VkQueueFamilyProperties * C.size_t(n)))
	defer C.free(unsafe.Pointer(p))
	C.vkGetPhysicalDeviceQueueFamilyProperties(dev, &n, p)
	// Graphics and compute queues support transfers
	// implicitly.
	flg := C.VkQueueFlags(C.VK_QUEUE_GRAPHICS_BIT | C.VK_QUEUE_COMPUTE_BIT | C.VK_QUEUE_TRANSFER_BIT)
	for i, qp := range unsafe.Slice(p, n) {
		if qp.queueFlags&flg != 0 && qp.queueCount > 0 {
			return C.uint32_t(i), true
		}
	}
	return 0, false
}

// setLimits sets d.lim.
// The host pointer alignment is queried by chaining the
// extension's properties into vkGetPhysicalDeviceProperties2.
func (d *Driver) setLimits() {
	host := (*C.VkPhysicalDeviceExternalMemoryHostPropertiesEXT)(C.malloc(C.sizeof_VkPhysicalDeviceExternalMemoryHostPropertiesEXT))
	defer C.free(unsafe.Pointer(host))
	*host = C.VkPhysicalDeviceExternalMemoryHostPropertiesEXT{
		sType: C.VK_STRUCTURE_TYPE_PHYSICAL_DEVICE_EXTERNAL_MEMORY_HOST_PROPERTIES_EXT,
	}
	props := (*C.VkPhysicalDeviceProperties2)(C.malloc(C.sizeof_VkPhysicalDeviceProperties2))
	defer C.free(unsafe.Pointer(props))
	*props = C.VkPhysicalDeviceProperties2{
		sType: C.VK_STRUCTURE_TYPE_PHYSICAL_DEVICE_PROPERTIES_2,
		pNext: unsafe.Pointer(host),
	}
	C.vkGetPhysicalDeviceProperties2(d.pdev, props)
	d.lim = driver.Limits{
		MinImportAlign: int64(host.minImportedHostPointerAlignment),
		MaxAllocations: int(props.properties.limits.maxMemoryAllocationCount),
	}
}

// setMemory sets d.mprop, d.types, d.heaps and d.mused.
func (d *Driver) setMemory() {
	C.vkGetPhysicalDeviceMemoryProperties(d.pdev, &d.mprop)
	d.types = make([]driver.MemoryType, d.mprop.memoryTypeCount)
	for i := range d.types {
		t := d.mprop.memoryTypes[i]
		d.types[i] = driver.MemoryType{
			Prop: convMemProp(t.propertyFlags),
			Heap: int(t.heapIndex),
		}
	}
	d.heaps = make([]driver.Heap, d.mprop.memoryHeapCount)
	for i := range d.heaps {
		h := d.mprop.memoryHeaps[i]
		d.heaps[i] = driver.Heap{
			Size:        int64(h.size),
			DeviceLocal: h.flags&C.VK_MEMORY_HEAP_DEVICE_LOCAL_BIT != 0,
		}
	}
	d.mused = make([]int64, len(d.heaps))
	d.imports = make(map[uintptr]int64)
}

// Open initializes the driver.
func (d *Driver) Open() (gpu driver.GPU, err error) {
	if d.dev != nil {
		return d, nil
	}
	d.log = logger.Get().Named("vk")
	if err = d.open(); err != nil {
		goto fail
	}
	if err = d.initInstance(); err != nil {
		goto fail
	}
	if err = d.initDevice(); err != nil {
		goto fail
	}
	d.cdata = make(chan *commitData, runtime.NumCPU())
	for i := 0; i < cap(d.cdata); i++ {
		var cd *commitData
		if cd, err = d.newCommitData(); err != nil {
			goto fail
		}
		d.cdata <- cd
	}
	d.log.Info("device opened",
		zap.String("device", d.dname),
		zap.Int("memory_types", len(d.types)),
		zap.Int64("import_align", d.lim.MinImportAlign),
	)
	return d, nil
fail:
	d.log.Debug("open failed", zap.Error(err))
	d.Close()
	return nil, err
}

// Name returns the driver name.
func (d *Driver) Name() string { return driverName }

// Close deinitializes the driver.
func (d *Driver) Close() {
	if d == nil {
		return
	}
	// We check the instance and device handles here
	// because the procs might not have been loaded.
	if d.inst != nil {
		if d.dev != nil {
			C.vkDeviceWaitIdle(d.dev)
			for len(d.cdata) > 0 {
				d.destroyCommitData(<-d.cdata)
			}
			C.vkDestroyDevice(d.dev, nil)
		}
		C.vkDestroyInstance(d.inst, nil)
	}
	d.close()
	*d = Driver{}
}

// Driver returns the receiver (for driver.GPU conformance).
func (d *Driver) Driver() driver.Driver { return d }

// MemoryTypes returns the memory types of the device.
func (d *Driver) MemoryTypes() []driver.MemoryType { return d.types }

// Heaps returns the memory heaps of the device.
func (d *Driver) Heaps() []driver.Heap { return d.heaps }

// SelectMemory selects a suitable memory type from the device.
func (d *Driver) SelectMemory(typeBits uint32, prop driver.MemProp) int {
	return driver.SelectMemory(d.types, typeBits, prop)
}

// QueueFamily returns the index of the queue family used
// for command execution.
func (d *Driver) QueueFamily() int { return int(d.qfam) }

// Limits returns the implementation limits.
func (d *Driver) Limits() driver.Limits { return d.lim }

// Used returns the number of bytes allocated from heap.
// Imported memory is not accounted for.
func (d *Driver) Used(heap int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if heap < 0 || heap >= len(d.mused) {
		return 0
	}
	return d.mused[heap]
}

// convMemProp converts Vulkan memory property flags.
func convMemProp(f C.VkMemoryPropertyFlags) (p driver.MemProp) {
	if f&C.VK_MEMORY_PROPERTY_DEVICE_LOCAL_BIT != 0 {
		p |= driver.MDeviceLocal
	}
	if f&C.VK_MEMORY_PROPERTY_HOST_VISIBLE_BIT != 0 {
		p |= driver.MHostVisible
	}
	if f&C.VK_MEMORY_PROPERTY_HOST_COHERENT_BIT != 0 {
		p |= driver.MHostCoherent
	}
	if f&C.VK_MEMORY_PROPERTY_HOST_CACHED_BIT != 0 {
		p |= driver.MHostCached
	}
	if f&C.VK_MEMORY_PROPERTY_LAZILY_ALLOCATED_BIT != 0 {
		p |= driver.MLazilyAllocated
	}
	return
}

// checkResult returns an error derived from a VkResult value.
// If such value does not indicate an error, it returns nil instead.
func checkResult(res C.VkResult) error {
	if res >= 0 {
		// Not an error: VK_ERROR_* values are all negative.
		return nil
	}
	switch res {
	case C.VK_ERROR_OUT_OF_HOST_MEMORY:
		return errNoHostMemory
	case C.VK_ERROR_OUT_OF_DEVICE_MEMORY:
		return errNoDeviceMemory
	case C.VK_ERROR_INITIALIZATION_FAILED:
		return errInitFailed
	case C.VK_ERROR_DEVICE_LOST:
		return errDeviceLost
	case C.VK_ERROR_LAYER_NOT_PRESENT:
		return errNoLayer
	case C.VK_ERROR_EXTENSION_NOT_PRESENT:
		return errNoExtension
	case C.VK_ERROR_FEATURE_NOT_PRESENT:
		return errNoFeature
	case C.VK_ERROR_INCOMPATIBLE_DRIVER:
		return errDriverCompat
	case C.VK_ERROR_TOO_MANY_OBJECTS:
		return errTooManyObjects
	case C.VK_ERROR_INVALID_EXTERNAL_HANDLE:
		return errExternalHandle
	case C.VK_ERROR_FRAGMENTATION:
		return errFragmentation
	}
	return errUnknown
}

// Common Vulkan errors (VK_ERROR_*).
var (
	errNoHostMemory   = driver.ErrNoHostMemory
	errNoDeviceMemory = driver.ErrNoDeviceMemory
	errInitFailed     = errors.New("vk: initialization failed")
	errDeviceLost     = driver.ErrFatal
	errNoLayer        = errors.New("vk: layer not present")
	errNoExtension    = errors.New("vk: extension not present")
	errNoFeature      = errors.New("vk: feature not present")
	errDriverCompat   = errors.New("vk: incompatible driver")
	errTooManyObjects = errors.New("vk: too many objects")
	errExternalHandle = driver.ErrExternalHandle
	errFragmentation  = errors.New("vk: fragmentation")
	errUnknown        = errors.New("vk: unknown error")
)

// DeviceName returns the name of the VkDevice that the driver
// is using.
func (d *Driver) DeviceName() string { return d.dname }

// InstanceVersion returns the version of the VkInstance that
// the driver is using.
func (d *Driver) InstanceVersion() (major, minor, patch int) {
	major = versionMajor(d.ivers)
	minor = versionMinor(d.ivers)
	patch = versionPatch(d.ivers)
	return
}

// DeviceVersion returns the version of the VkDevice that
// the driver is using.
func (d *Driver) DeviceVersion() (major, minor, patch int) {
	major = versionMajor(d.dvers)
	minor = versionMinor(d.dvers)
	patch = versionPatch(d.dvers)
	return
}

// versionMajor extracts the major version number from v.
// v must have been generated by VK_MAKE_API_VERSION.
func versionMajor(v C.uint32_t) int { return int(v >> 22 & 0x7f) }

// versionMinor extracts the minor version number from v.
// v must have been generated by VK_MAKE_API_VERSION.
func versionMinor(v C.uint32_t) int { return int(v >> 12 & 0x3ff) }

// versionPatch extracts the patch version number from v.
// v must have been generated by VK_MAKE_API_VERSION.
func versionPatch(v C.uint32_t) int { return int(v & 0xfff) }

// isVariant returns whether version v identifies a variant
// implementation of the Vulkan API.
// v must have been generated by VK_MAKE_API_VERSION.
func isVariant(v C.uint32_t) bool { return v>>29 != 0 }
