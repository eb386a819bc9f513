// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package config loads the configuration of the resprobe
// command.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/gviegas/residency/driver"
	"github.com/gviegas/residency/driver/soft"
	"github.com/gviegas/residency/internal/logger"
)

// EnvPrefix is the prefix of environment variables that
// override configuration keys (e.g. RESPROBE_DEVICE_DRIVER).
const EnvPrefix = "RESPROBE"

// Config is the resprobe configuration.
type Config struct {
	Log    logger.Config `mapstructure:"log"`
	Device Device        `mapstructure:"device"`
	Pools  []Pool        `mapstructure:"pools" validate:"min=1,unique=Name,dive"`
	// Number of frames to run. Each frame offers a
	// command buffer to every pending pool.
	Frames int `mapstructure:"frames" validate:"min=1,max=1000"`
}

// Device selects the GPU.
type Device struct {
	// Case-insensitive substring of the driver name.
	// Empty selects any driver.
	Driver string `mapstructure:"driver"`
	// Whether to fail instead of trying other drivers.
	Strict bool `mapstructure:"strict"`
	// Soft device layout, either a preset name or a
	// YAML file. The file takes precedence.
	Layout     string `mapstructure:"layout" validate:"omitempty,layout"`
	LayoutFile string `mapstructure:"layout_file" validate:"omitempty,file"`
}

// Pool describes a memory pool.
type Pool struct {
	Name string `mapstructure:"name" validate:"required"`
	Size int64  `mapstructure:"size" validate:"gt=0"`
	// Memory properties, e.g. "device-local" or
	// "host-visible|host-coherent".
	Props string `mapstructure:"props" validate:"required,memprop"`
}

// MemProp parses p.Props.
func (p *Pool) MemProp() (driver.MemProp, error) { return driver.ParseMemProp(p.Props) }

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Log:    logger.DefaultConfig,
		Device: Device{Driver: "soft", Layout: "discrete"},
		Frames: 3,
	}
}

// DefaultPools are used when the configuration has no
// pools.
var DefaultPools = []Pool{
	{Name: "vertex", Size: 1 << 20, Props: "device-local"},
	{Name: "uniform", Size: 64 << 10, Props: "host-visible|host-coherent"},
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("memprop", func(fl validator.FieldLevel) bool {
		_, err := driver.ParseMemProp(fl.Field().String())
		return err == nil
	})
	v.RegisterValidation("layout", func(fl validator.FieldLevel) bool {
		_, ok := soft.Preset(fl.Field().String())
		return ok
	})
	return v
}

// Load reads the configuration from path, falling back to
// defaults. Environment variables override both.
// If path is empty, resprobe.yaml is searched in the
// working directory and its absence is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	cfg := Default()
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("resprobe")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &nf) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if len(cfg.Pools) == 0 {
		cfg.Pools = append([]Pool(nil), DefaultPools...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks c.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			s := make([]string, len(verrs))
			for i, e := range verrs {
				s[i] = fmt.Sprintf("%s: failed %q", e.Namespace(), e.Tag())
			}
			return fmt.Errorf("config: invalid: %s", strings.Join(s, "; "))
		}
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

// SoftLayout returns the soft device layout.
func (d *Device) SoftLayout() (soft.Layout, error) {
	if d.LayoutFile != "" {
		f, err := os.Open(d.LayoutFile)
		if err != nil {
			return soft.Layout{}, fmt.Errorf("config: layout: %w", err)
		}
		defer f.Close()
		return soft.ParseLayout(f)
	}
	name := d.Layout
	if name == "" {
		name = "discrete"
	}
	lay, ok := soft.Preset(name)
	if !ok {
		return soft.Layout{}, fmt.Errorf("config: unknown layout %q", name)
	}
	return lay, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.encoding", cfg.Log.Encoding)
	v.SetDefault("log.development", cfg.Log.Development)

	v.SetDefault("device.driver", cfg.Device.Driver)
	v.SetDefault("device.strict", cfg.Device.Strict)
	v.SetDefault("device.layout", cfg.Device.Layout)
	v.SetDefault("device.layout_file", cfg.Device.LayoutFile)

	v.SetDefault("frames", cfg.Frames)
}
