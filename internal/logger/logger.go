// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package logger provides the structured logger shared by
// the residency packages.
package logger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.Mutex
	global *zap.Logger
)

// Config represents logger configuration.
type Config struct {
	Level       string   `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Encoding    string   `mapstructure:"encoding" validate:"omitempty,oneof=json console"`
	Development bool     `mapstructure:"development"`
	OutputPaths []string `mapstructure:"output_paths"`
}

// DefaultConfig is used when Get is called before Init.
var DefaultConfig = Config{
	Level:    "info",
	Encoding: "json",
}

// New creates a logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	if cfg.Level == "" {
		cfg.Level = DefaultConfig.Level
	}
	if cfg.Encoding == "" {
		cfg.Encoding = DefaultConfig.Encoding
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logger: invalid level: %w", err)
	}

	enc := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if cfg.Development {
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	out := cfg.OutputPaths
	if len(out) == 0 {
		out = []string{"stderr"}
	}

	zc := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Development,
		Encoding:         cfg.Encoding,
		EncoderConfig:    enc,
		OutputPaths:      out,
		ErrorOutputPaths: []string{"stderr"},
	}
	l, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("logger: build failed: %w", err)
	}
	return l, nil
}

// Init replaces the global logger with one created
// from cfg.
func Init(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	Set(l)
	return nil
}

// Set replaces the global logger.
// A nil l sets a no-op logger.
func Set(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	global = l
	mu.Unlock()
}

// Get returns the global logger.
// If neither Init nor Set was called, it creates one
// using DefaultConfig.
func Get() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		l, err := New(DefaultConfig)
		if err != nil {
			l = zap.NewNop()
		}
		global = l
	}
	return global
}

// Sync flushes any buffered log entries.
func Sync() error {
	mu.Lock()
	l := global
	mu.Unlock()
	if l != nil {
		return l.Sync()
	}
	return nil
}
