// Package obs wires the relay's structured logging, adapted from the
// teacher's utils/log.go zap+lumberjack setup but parameterized by a loaded
// Config instead of reading a package-level global at init().
package obs

import (
	"os"
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"marlin-relay/internal/config"
)

var levelMap = map[string]zapcore.Level{
	"debug":  zapcore.DebugLevel,
	"info":   zapcore.InfoLevel,
	"warn":   zapcore.WarnLevel,
	"error":  zapcore.ErrorLevel,
	"dpanic": zapcore.DPanicLevel,
	"panic":  zapcore.PanicLevel,
	"fatal":  zapcore.FatalLevel,
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}

// NewLogger builds a zap.Logger from log.Log: a lumberjack-rotated file
// sink when log.Path is set, console otherwise. Mirrors the teacher's
// encoder config (lowercase level, short caller, JSON) verbatim.
func NewLogger(cfg config.Log) *zap.Logger {
	level := levelMap[cfg.Level]
	enabler := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool { return lvl >= level })

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     timeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	encoder := zapcore.NewJSONEncoder(encoderConfig)

	var sink zapcore.WriteSyncer
	if cfg.Path != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    1024,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		})
	} else {
		sink = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewTee(zapcore.NewCore(encoder, sink, enabler))
	return zap.New(core, zap.AddCaller(), zap.Development())
}
