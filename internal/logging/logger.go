package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

type Options struct {
	Level  string
	Format string
	// Version is the cache version tagged on every record.
	Version int
	// Output defaults to stdout.
	Output io.Writer
	// LevelVar, when set, receives the parsed level and drives the handler
	// so the level can be changed later.
	LevelVar *slog.LevelVar
}

// New builds the process logger. Formats are json, text and pretty, the
// latter being colorized console output for local runs.
func New(opts Options) (*slog.Logger, error) {
	parsed, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	var level slog.Leveler = parsed
	if opts.LevelVar != nil {
		opts.LevelVar.Set(parsed)
		level = opts.LevelVar
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json", "":
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	case "text":
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	case "pretty":
		handler = tint.NewHandler(out, &tint.Options{Level: level, TimeFormat: time.TimeOnly})
	default:
		return nil, fmt.Errorf("logging: unsupported format %q", opts.Format)
	}

	logger := slog.New(handler).With(slog.String("component", "anxcache"))
	if opts.Version > 0 {
		logger = logger.With(slog.Int("version", opts.Version))
	}
	return logger, nil
}

// ParseLevel maps a configured level name onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("logging: unsupported level %q", s)
}
