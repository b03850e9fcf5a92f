package cli

import (
	"fmt"

	"go.uber.org/zap"
)

// newLogger builds a zap logger. "json" selects the production encoder,
// anything else the development console encoder.
func newLogger(level, format string) (*zap.Logger, error) {
	var zc zap.Config
	if format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}

	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc.Level = lvl
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}
