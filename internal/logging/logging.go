// Package logging builds the process zerolog.Logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects level, format and an optional rotated file sink.
type Options struct {
	Level  string // trace|debug|info|warn|error|off
	Format string // console|json
	File   string

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Stderr overrides the terminal sink; tests use it.
	Stderr io.Writer
}

// New returns the logger and a closer for the file sink (a no-op without one).
func New(opts Options) (zerolog.Logger, func() error, error) {
	noop := func() error { return nil }
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return zerolog.Nop(), noop, err
	}
	var out io.Writer = os.Stderr
	if opts.Stderr != nil {
		out = opts.Stderr
	}
	switch strings.ToLower(opts.Format) {
	case "", "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	case "json":
	default:
		return zerolog.Nop(), noop, fmt.Errorf("unknown log format %q", opts.Format)
	}
	closer := noop
	if opts.File != "" {
		// File output is always JSON.
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    nz(opts.MaxSizeMB, 100),
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(out, lj)
		closer = lj.Close
	}
	l := zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	return l, closer, nil
}

// ParseLevel maps a config level name to a zerolog level. Empty means info.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return zerolog.InfoLevel, nil
	case "off", "disabled":
		return zerolog.Disabled, nil
	case "warning":
		return zerolog.WarnLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

func nz(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
