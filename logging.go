package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logLevels maps the CLI surface onto zap levels. zap has no trace level, so
// trace shares debug; off silences the logger entirely.
var logLevels = map[string]zapcore.Level{
	"error": zapcore.ErrorLevel,
	"warn":  zapcore.WarnLevel,
	"info":  zapcore.InfoLevel,
	"debug": zapcore.DebugLevel,
	"trace": zapcore.DebugLevel,
}

// newLogger builds the process logger: a console core on stderr, teed with a
// JSON core on the log file when one is configured. Failure to open the log
// file is a startup error.
func newLogger(level, file string) (*zap.Logger, error) {
	if level == "off" {
		return zap.NewNop(), nil
	}

	zapLevel, ok := logLevels[level]
	if !ok {
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), zapLevel),
	}

	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("could not open log file %q: %w", file, err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), zapLevel))
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}
