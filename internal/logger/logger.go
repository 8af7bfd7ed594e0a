// Package logger builds the zerolog logger shared by the runtime.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where and how much the runtime logs.
type Options struct {
	Level   string    // trace, debug, info, warn, error; defaults to info
	File    string    // Optional rotating log file
	Console io.Writer // Defaults to stderr
	NoColor bool
}

// New returns a console logger, mirrored to a rotating file when Options.File is set.
func New(opts Options) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	out := opts.Console
	if out == nil {
		out = os.Stderr
	}
	var w io.Writer = zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.DateTime,
		NoColor:    opts.NoColor,
	}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err == nil {
			fileLogger := &lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    10,
				MaxAge:     3,
				MaxBackups: 3,
			}
			w = zerolog.MultiLevelWriter(w, fileLogger)
		}
	}

	level := ParseLevel(opts.Level)
	ctx := zerolog.New(w).Level(level).With().Timestamp()
	if level <= zerolog.DebugLevel {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

// Nop returns a disabled logger.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// ParseLevel maps a level name to zerolog, falling back to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
