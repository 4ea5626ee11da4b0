package logger

import (
	"go.uber.org/zap"
)

// New builds the service logger. Production mode emits JSON,
// development mode the human console encoder.
func New(mode string) (*zap.Logger, error) {
	if mode == "production" {
		cfg := zap.NewProductionConfig()
		cfg.DisableStacktrace = true
		return cfg.Build()
	}
	return zap.NewDevelopment()
}
