// Package logging builds the process zap logger.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	EnvLogLevel  = "HOLON_LOG_LEVEL"
	EnvLogFormat = "HOLON_LOG_FORMAT"
)

type Options struct {
	Verbose bool
	// Format is "json" or "console". Empty picks console.
	Format string
}

// New builds a logger writing to stderr so command output on stdout stays parseable.
// Environment overrides win over flags.
func New(opts Options) (*zap.Logger, error) {
	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if env := strings.ToLower(strings.TrimSpace(os.Getenv(EnvLogFormat))); env != "" {
		format = env
	}

	var cfg zap.Config
	if format == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if opts.Verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

func ParseLevel(raw string) (zapcore.Level, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return zapcore.InfoLevel, false
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(raw))); err != nil {
		return zapcore.InfoLevel, false
	}
	return lvl, true
}
