// Package logging builds the process-wide structured logger.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a production zap logger at the requested level. Unknown
// or empty level names fall back to info rather than failing startup.
func NewLogger(level string) (*zap.Logger, error) {
	name := strings.ToLower(strings.TrimSpace(level))
	if name == "warning" {
		name = "warn"
	}

	parsed := zapcore.InfoLevel
	if name != "" {
		if candidate, err := zapcore.ParseLevel(name); err == nil {
			parsed = candidate
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	return cfg.Build()
}
