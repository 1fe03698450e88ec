// Package utils provides shared utilities for logging and vector math.
package utils

import "go.uber.org/zap"

// NewLogger returns the process logger, named "mirip". Debug selects zap's
// development config (console, debug level); otherwise production JSON at info.
func NewLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named("mirip"), nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
