package cli

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bridgeops/deployments-orchestrator/pkg/logger"
)

// NewCLILogger builds the logger used by the binary. Output is a colored
// console by default; NETDEPLOY_LOG_FORMAT=json switches to the production
// encoder for machine consumption.
func NewCLILogger(logLevel zapcore.Level) (logger.Logger, error) {
	if os.Getenv("NETDEPLOY_LOG_FORMAT") == "json" {
		cfg := logger.Config{Level: logLevel}
		return cfg.New()
	}

	return logger.NewWith(func(cfg *zap.Config) {
		*cfg = zap.NewDevelopmentConfig()
		cfg.Level.SetLevel(logLevel)
		cfg.DisableStacktrace = true
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	})
}
