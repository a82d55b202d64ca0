// Package logging builds the process-wide zap logger.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Trace and span ids stamped on records emitted outside any request or event.
const (
	SystemTraceID = "system"
	SystemSpanID  = "system"
)

type Options struct {
	Service string
	Env     string
	Level   string
	// File, when set, receives a copy of every record.
	File    string
}

func (o Options) config() (zap.Config, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stdout"}
	cfg.Sampling = nil

	if o.Level != "" {
		lvl, err := zapcore.ParseLevel(o.Level)
		if err != nil {
			return zap.Config{}, fmt.Errorf("logging: level %q: %w", o.Level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	if o.File != "" {
		if err := os.MkdirAll(filepath.Dir(o.File), 0o755); err != nil {
			return zap.Config{}, fmt.Errorf("logging: log dir: %w", err)
		}
		cfg.OutputPaths = append(cfg.OutputPaths, o.File)
		cfg.ErrorOutputPaths = append(cfg.ErrorOutputPaths, o.File)
	}

	enc := &cfg.EncoderConfig
	enc.TimeKey = "ts"
	enc.MessageKey = "msg"
	enc.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	enc.EncodeLevel = zapcore.LowercaseLevelEncoder

	cfg.InitialFields = map[string]any{"service": o.Service, "env": o.Env}
	return cfg, nil
}

// New returns a JSON logger writing to stdout and, optionally, to Options.File.
func New(o Options) (*zap.Logger, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	return cfg.Build()
}

func MustNew(o Options) *zap.Logger {
	l, err := New(o)
	if err != nil {
		panic(err)
	}
	return l
}

// System tags l with the system trace and span ids.
func System(l *zap.Logger) *zap.Logger {
	return WithTrace(l, SystemTraceID, SystemSpanID)
}

// WithTrace tags l with the given ids; empty ids become "unknown".
func WithTrace(l *zap.Logger, traceID, spanID string) *zap.Logger {
	if l == nil {
		l = zap.L()
	}
	if traceID == "" {
		traceID = "unknown"
	}
	if spanID == "" {
		spanID = "unknown"
	}
	return l.With(zap.String("trace_id", traceID), zap.String("span_id", spanID))
}
