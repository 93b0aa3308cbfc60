// Package logging wires zap for SNRE. Nothing here runs at import time: the
// hosting process calls Initialize exactly once at startup, and until then
// every accessor returns a no-op logger.
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
)

// Initialize builds the process logger. debug selects a development config
// with Debug level; format is "json" or "console".
func Initialize(debug bool, format string) error {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	switch format {
	case "", "json":
		if !debug {
			cfg.Encoding = "json"
		}
	case "console":
		cfg.Encoding = "console"
	default:
		return fmt.Errorf("unknown log format: %s", format)
	}

	built, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	mu.Lock()
	logger = built
	mu.Unlock()
	return nil
}

// L returns the process logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Named returns a subsystem logger (swarm, repository, recorder, server...).
func Named(name string) *zap.Logger {
	return L().Named(name)
}

// Sync flushes buffered log entries. Call on shutdown.
func Sync() {
	_ = L().Sync()
}
