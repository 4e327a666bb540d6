package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jmehdipour/cart-recovery/internal/config"
)

var Log = zap.NewNop()

// Init builds the process logger from the log section and installs it as the global one.
// Unknown levels fall back to info.
func Init(cfg config.LogConfig, service string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zc := zap.Config{
		Encoding:         encoding,
		Level:            zap.NewAtomicLevelAt(lvl),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig:    encCfg,
		InitialFields:    map[string]any{"service": service},
	}

	l, err := zc.Build()
	if err != nil {
		panic(err)
	}
	Log = l
	zap.ReplaceGlobals(l)
	return l
}

// Sync flushes buffered entries; errors from stdout sync are ignored.
func Sync() {
	_ = Log.Sync()
}
