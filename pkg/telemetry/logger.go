package telemetry

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the host's root logger. Components never hold a *Logger; they
// receive a zerolog.Logger from Zerolog or Component.
type Logger struct {
	root zerolog.Logger
	out  io.Closer
}

// NewLogger opens the configured output and builds the root logger.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	var (
		w      io.Writer
		closer io.Closer
	)
	switch cfg.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log output: %w", err)
		}
		w, closer = f, f
	}

	l := NewWriterLogger(w, cfg)
	l.out = closer
	return l, nil
}

// NewWriterLogger builds a root logger on w. Unknown levels fall back to
// info; Config.Validate rejects them earlier for real hosts.
func NewWriterLogger(w io.Writer, cfg LoggingConfig) *Logger {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	stamp := time.RFC3339
	switch cfg.TimeFormat {
	case "unix":
		stamp = zerolog.TimeFormatUnix
	case "unixms":
		stamp = zerolog.TimeFormatUnixMs
	}
	zerolog.TimeFieldFormat = stamp

	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(w).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}
	return &Logger{root: ctx.Logger()}
}

// Zerolog returns the root logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.root
}

// Component returns a logger tagged with a component field. Packages that
// tag themselves take Zerolog instead.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.root.With().Str("component", name).Logger()
}

// Close closes a file output. Standard streams are left open.
func (l *Logger) Close() error {
	if l.out == nil {
		return nil
	}
	return l.out.Close()
}

// ParseLevel maps a configured level name to a zerolog level. Only the
// levels a host config may name are accepted.
func ParseLevel(name string) (zerolog.Level, error) {
	switch name {
	case "trace", "debug", "info", "warn", "error", "fatal":
		return zerolog.ParseLevel(name)
	case "":
		return zerolog.InfoLevel, nil
	}
	return zerolog.NoLevel, fmt.Errorf("invalid log level: %s", name)
}
