package config

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the production zap logger at the configured level. Debug
// switches to the development encoder.
func (c *Config) NewLogger() (*zap.Logger, error) {
	if c.LogLevel == "debug" {
		return zap.NewDevelopment()
	}

	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
