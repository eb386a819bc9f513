// Copyright 2023 Gustavo C. Viegas. All rights reserved.

// Package ctxt provides the GPU driver used by resprobe.
package ctxt

import (
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/gviegas/residency/driver"
	"github.com/gviegas/residency/internal/logger"
)

var (
	drv    driver.Driver
	gpu    driver.GPU
	limits driver.Limits
)

var errNoDriver = errors.New("ctxt: driver not found")

// loadDriver attempts to load any driver whose name
// contains the name string. It is case insensitive.
// If name is the empty string, then all registered
// drivers are considered.
// It assumes that the drv and gpu vars hold invalid
// values and replaces both on success.
// The limits var is queried from the new gpu.
func loadDriver(name string) error {
	drivers := driver.Drivers()
	err := errNoDriver
	name = strings.ToLower(name)
	for i := range drivers {
		if !strings.Contains(strings.ToLower(drivers[i].Name()), name) {
			continue
		}
		var u driver.GPU
		if u, err = drivers[i].Open(); err != nil {
			logger.Get().Named("ctxt").Debug("driver unavailable",
				zap.String("name", drivers[i].Name()),
				zap.Error(err))
			continue
		}
		drv = drivers[i]
		gpu = u
		limits = gpu.Limits()
		return nil
	}
	return err
}

// Load closes the current driver, if any, and loads
// the first registered driver whose name contains name.
// When no such driver can be opened, every registered
// driver is tried unless strict is set.
func Load(name string, strict bool) error {
	Close()
	err := loadDriver(name)
	if err != nil && !strict && name != "" {
		err = loadDriver("")
	}
	if err != nil {
		return err
	}
	logger.Get().Named("ctxt").Info("driver loaded", zap.String("name", drv.Name()))
	return nil
}

// Close closes the driver.
func Close() {
	if drv != nil {
		drv.Close()
	}
	drv = nil
	gpu = nil
	limits = driver.Limits{}
}

// Driver returns the driver.Driver.
func Driver() driver.Driver { return drv }

// GPU returns the driver.GPU.
func GPU() driver.GPU { return gpu }

// Limits returns GPU().Limits().
// This value is retrieved only once. It must not be
// changed by the caller.
func Limits() *driver.Limits { return &limits }
