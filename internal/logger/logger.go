package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	slogmulti "github.com/samber/slog-multi"
)

// Logger is the structured logger used throughout the harness.
type Logger interface {
	Debug(msg string, tags ...any)
	Info(msg string, tags ...any)
	Warn(msg string, tags ...any)
	Error(msg string, tags ...any)
	Fatal(msg string, tags ...any)

	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warnf(format string, v ...any)
	Errorf(format string, v ...any)
	Fatalf(format string, v ...any)

	With(attrs ...any) Logger
}

var _ Logger = (*appLogger)(nil)

type appLogger struct {
	logger *slog.Logger
}

type Config struct {
	debug  bool
	format string
	writer io.Writer
	quiet  bool
}

type Option func(*Config)

// WithDebug sets the level of the logger to debug.
func WithDebug() Option {
	return func(o *Config) {
		o.debug = true
	}
}

// WithFormat sets the format of the logger (text or json).
func WithFormat(format string) Option {
	return func(o *Config) {
		o.format = format
	}
}

// WithWriter adds a secondary sink in addition to stderr.
func WithWriter(w io.Writer) Option {
	return func(o *Config) {
		o.writer = w
	}
}

// WithQuiet suppresses output to stderr.
func WithQuiet() Option {
	return func(o *Config) {
		o.quiet = true
	}
}

var defaultLogger = NewLogger(WithFormat("text"))

func NewLogger(opts ...Option) Logger {
	cfg := &Config{}
	for _, opt := range opts {
		opt(cfg)
	}

	level := slog.LevelInfo
	if cfg.debug {
		level = slog.LevelDebug
	}

	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handlers []slog.Handler
	if !cfg.quiet {
		handlers = append(handlers, newHandler(os.Stderr, cfg.format, handlerOpts))
	}
	if cfg.writer != nil {
		handler := newHandler(cfg.writer, cfg.format, handlerOpts)
		handlers = append(handlers, newGuardedHandler(handler))
	}

	return &appLogger{
		logger: slog.New(slogmulti.Fanout(handlers...)),
	}
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

var _ slog.Handler = (*guardedHandler)(nil)

// guardedHandler serializes writes to a shared sink so that log lines
// from concurrently finishing commands do not interleave.
type guardedHandler struct {
	handler slog.Handler
	mu      sync.Mutex
}

func newGuardedHandler(handler slog.Handler) *guardedHandler {
	return &guardedHandler{handler: handler}
}

func (s *guardedHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return s.handler.Enabled(ctx, level)
}

func (s *guardedHandler) Handle(ctx context.Context, record slog.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler.Handle(ctx, record)
}

func (s *guardedHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &guardedHandler{handler: s.handler.WithAttrs(attrs)}
}

func (s *guardedHandler) WithGroup(name string) slog.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &guardedHandler{handler: s.handler.WithGroup(name)}
}

func (a *appLogger) Debug(msg string, tags ...any) { a.logger.Debug(msg, tags...) }
func (a *appLogger) Info(msg string, tags ...any)  { a.logger.Info(msg, tags...) }
func (a *appLogger) Warn(msg string, tags ...any)  { a.logger.Warn(msg, tags...) }
func (a *appLogger) Error(msg string, tags ...any) { a.logger.Error(msg, tags...) }

// Fatal logs the message at error level and exits with status 1.
func (a *appLogger) Fatal(msg string, tags ...any) {
	a.logger.Error(msg, tags...)
	os.Exit(1)
}

func (a *appLogger) Debugf(format string, v ...any) { a.logger.Debug(fmt.Sprintf(format, v...)) }
func (a *appLogger) Infof(format string, v ...any)  { a.logger.Info(fmt.Sprintf(format, v...)) }
func (a *appLogger) Warnf(format string, v ...any)  { a.logger.Warn(fmt.Sprintf(format, v...)) }
func (a *appLogger) Errorf(format string, v ...any) { a.logger.Error(fmt.Sprintf(format, v...)) }

func (a *appLogger) Fatalf(format string, v ...any) {
	a.logger.Error(fmt.Sprintf(format, v...))
	os.Exit(1)
}

func (a *appLogger) With(attrs ...any) Logger {
	return &appLogger{logger: a.logger.With(attrs...)}
}
