// Package logging builds the daemon's zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Options struct {
	Level  string
	Format string // "console" or "json"
	Out    io.Writer
}

// Level is a minimum level that can be changed while the logger is in use.
type Level struct {
	v atomic.Int32
}

func (l *Level) Set(level zerolog.Level) {
	l.v.Store(int32(level))
}

// SetString parses and applies a level name such as "debug".
func (l *Level) SetString(name string) error {
	level, err := ParseLevel(name)
	if err != nil {
		return err
	}
	l.Set(level)
	return nil
}

func (l *Level) Get() zerolog.Level {
	return zerolog.Level(l.v.Load())
}

// levelWriter drops events below the current dynamic level.
type levelWriter struct {
	io.Writer
	level *Level
}

func (w levelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < w.level.Get() {
		return len(p), nil
	}
	return w.Write(p)
}

func ParseLevel(name string) (zerolog.Level, error) {
	if name == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(name))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", name, err)
	}
	return level, nil
}

// New returns a timestamped logger and the handle that controls its level.
func New(opts Options) (zerolog.Logger, *Level, error) {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	level := &Level{}
	if err := level.SetString(opts.Level); err != nil {
		return zerolog.Nop(), nil, err
	}

	switch opts.Format {
	case "", "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	case "json":
	default:
		return zerolog.Nop(), nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	logger := zerolog.New(levelWriter{Writer: out, level: level}).With().Timestamp().Logger()
	return logger, level, nil
}
