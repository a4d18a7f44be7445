// Package logger adapts rs/zerolog to the core logger interface.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	corelogger "github.com/kilianp07/smartcharge/core/logger"
)

// Logger mirrors the core logger interface.
type Logger = corelogger.Logger

// Config selects level, format and destination.
type Config struct {
	Level  string `json:"level"`
	Format string `json:"format"` // json or console; empty follows APP_ENV
	// File enables a size-rotated log file next to stdout.
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 50
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = 5
	}
}

var (
	mu     sync.RWMutex
	output io.Writer = os.Stdout
)

// Setup applies cfg process-wide. Loggers created afterwards use it. The
// returned closer releases the log file, if any.
func Setup(cfg Config) (io.Closer, error) {
	cfg.SetDefaults()
	lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(lvl)

	var w io.Writer = os.Stdout
	if console(cfg.Format) {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		lj := &lumberjack.Logger{Filename: cfg.File, MaxSize: cfg.MaxSizeMB, MaxBackups: cfg.MaxBackups, Compress: true}
		w = zerolog.MultiLevelWriter(w, lj)
		closer = lj
	}
	mu.Lock()
	output = w
	mu.Unlock()
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func console(format string) bool {
	switch strings.ToLower(format) {
	case "console":
		return true
	case "json":
		return false
	}
	return strings.ToLower(os.Getenv("APP_ENV")) == "dev"
}

// ZerologLogger implements Logger using rs/zerolog.
type ZerologLogger struct {
	log zerolog.Logger
}

// New returns a Logger tagging every record with component.
func New(component string) Logger {
	mu.RLock()
	w := output
	mu.RUnlock()
	return NewWithWriter(component, w)
}

// NewWithWriter returns a Logger writing JSON records to w.
func NewWithWriter(component string, w io.Writer) *ZerologLogger {
	return &ZerologLogger{log: zerolog.New(w).With().Timestamp().Str("component", component).Logger()}
}

func (l *ZerologLogger) Debugf(format string, args ...any) {
	l.log.Debug().Msgf(format, args...)
}

func (l *ZerologLogger) Debugw(msg string, fields map[string]any) {
	l.log.Debug().Fields(fields).Msg(msg)
}

func (l *ZerologLogger) Infof(format string, args ...any) {
	l.log.Info().Msgf(format, args...)
}

func (l *ZerologLogger) Infow(msg string, fields map[string]any) {
	l.log.Info().Fields(fields).Msg(msg)
}

func (l *ZerologLogger) Warnf(format string, args ...any) {
	l.log.Warn().Msgf(format, args...)
}

func (l *ZerologLogger) Errorf(format string, args ...any) {
	l.log.Error().Msgf(format, args...)
}
