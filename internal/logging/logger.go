// Package logging builds the zap logger shared by the binaries. Records go to stderr and, when an
// OTel LoggerProvider is given, to OpenTelemetry logs through the otelzap bridge.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level and encoding.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or console
	// Name is the logger name and the OTel instrumentation scope.
	Name string
}

// New creates a logger from cfg. otelProvider may be nil to disable OTel output.
func New(cfg Config, otelProvider log.LoggerProvider) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("logging: invalid level %q: %w", cfg.Level, err)
	}

	core := zapcore.NewCore(newEncoder(cfg.Format), zapcore.Lock(os.Stderr), level)
	if otelProvider != nil {
		otelCore := otelzap.NewCore(scopeName(cfg.Name), otelzap.WithLoggerProvider(otelProvider))
		core = zapcore.NewTee(core, levelFiltered(otelCore, level))
	}

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if cfg.Name != "" {
		logger = logger.Named(cfg.Name)
	}
	return logger, nil
}

// newEncoder creates JSON or console encoder.
func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if strings.EqualFold(format, "console") {
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}

func scopeName(name string) string {
	if name == "" {
		return "cortex"
	}
	return "cortex." + name
}

// levelFiltered keeps the OTel core at the same minimum level as stderr.
func levelFiltered(core zapcore.Core, level zapcore.Level) zapcore.Core {
	return &filteredCore{Core: core, level: level}
}

type filteredCore struct {
	zapcore.Core
	level zapcore.Level
}

func (c *filteredCore) Enabled(l zapcore.Level) bool {
	return l >= c.level && c.Core.Enabled(l)
}

func (c *filteredCore) With(fields []zapcore.Field) zapcore.Core {
	return &filteredCore{Core: c.Core.With(fields), level: c.level}
}

func (c *filteredCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}
