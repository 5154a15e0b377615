// Package logging provides the structured logger shared by every imxup
// component. It wraps log/slog the same way the teacher project's
// pkg/logging does: a JSON handler decorated with a timezone handler and a
// contextual handler that lifts correlation/gallery identifiers out of
// context.Context and into every record.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const (
	// ContextKeyCorrelationID threads a request/run identifier through a log chain.
	ContextKeyCorrelationID = contextKey("correlation_id")
	// ContextKeyGalleryPath identifies which gallery a log line concerns.
	ContextKeyGalleryPath = contextKey("gallery_path")
)

// Config controls logger construction.
type Config struct {
	Level        slog.Level
	OutputFormat string // "json" or "text"
	Timezone     string // IANA location name; empty means local time
	Output       io.Writer
}

// DefaultConfig returns imxup's baseline logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:        slog.LevelInfo,
		OutputFormat: "json",
		Timezone:     "",
		Output:       os.Stdout,
	}
}

// Logger is the imxup-wide structured logger.
type Logger struct {
	*slog.Logger
	levelVar *slog.LevelVar
}

// New builds a service-scoped Logger.
func New(serviceName string, cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	loc := time.Local
	if cfg.Timezone != "" {
		tz, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
		}
		loc = tz
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(cfg.Level)

	opts := &slog.HandlerOptions{Level: levelVar}

	var handler slog.Handler
	if cfg.OutputFormat == "text" {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	handler = newTimezoneHandler(handler, loc)
	handler = newContextualHandler(handler)

	base := slog.New(handler).With(
		slog.String("service", serviceName),
		slog.Int("pid", os.Getpid()),
	)

	return &Logger{Logger: base, levelVar: levelVar}, nil
}

// SetLevel adjusts the minimum emitted level at runtime.
func (l *Logger) SetLevel(level slog.Level) {
	l.levelVar.Set(level)
}

// With returns a child Logger carrying the given attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), levelVar: l.levelVar}
}

// WithCorrelationID attaches a correlation id to ctx for downstream logging.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.NewString()
	}
	return context.WithValue(ctx, ContextKeyCorrelationID, id)
}

// WithGalleryPath attaches the gallery path a log chain concerns to ctx.
func WithGalleryPath(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, ContextKeyGalleryPath, path)
}
