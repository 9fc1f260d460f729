package cmd

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/GoCodeAlone/tenanthost/config"
)

// newZapLogger builds a production (json) or development (console) zap
// logger at the configured level.
func newZapLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	switch cfg.Format {
	case "console":
		zc = zap.NewDevelopmentConfig()
	default:
		zc = zap.NewProductionConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("logging level: %w", err)
		}
		zc.Level = level
	}
	return zc.Build()
}
