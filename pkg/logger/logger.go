package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the global structured logger. Packages log through it directly
// with zap fields or via the sugared helpers below. Defaults to a no-op
// logger so packages can log before Init (and under test) without guards.
var Log = zap.NewNop()

var sugar = Log.Sugar()

// Init initializes the global logger. The level string takes precedence;
// when empty the COURIER_LOG_LEVEL env var is consulted, defaulting to info.
// Format is "json" or "text" (console).
func Init(level, format string) {
	lvl := parseLevel(level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if strings.EqualFold(format, "json") {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), lvl)
	Log = zap.New(core)
	sugar = Log.Sugar()
}

func parseLevel(level string) zapcore.Level {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		lvl = strings.ToLower(strings.TrimSpace(os.Getenv("COURIER_LOG_LEVEL")))
	}
	switch lvl {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Sync flushes buffered log entries; safe to call on shutdown.
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}

// Debug logs with key/value pairs via the sugared logger.
func Debug(msg string, args ...any) {
	sugar.Debugw(msg, args...)
}

// Info logs with key/value pairs via the sugared logger.
func Info(msg string, args ...any) {
	sugar.Infow(msg, args...)
}

// Warn logs with key/value pairs via the sugared logger.
func Warn(msg string, args ...any) {
	sugar.Warnw(msg, args...)
}

// Error logs with key/value pairs via the sugared logger.
func Error(msg string, args ...any) {
	sugar.Errorw(msg, args...)
}
