// Package logger wraps slog.Logger with category-gated debug helpers, the
// same shape as the teacher's pkg/logger but recategorized for an RTSP/RTP
// server instead of an RTSP/WebRTC relay.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Category gates verbose, high-volume debug logging by subsystem.
type Category string

const (
	CategoryRTSP      Category = "rtsp"
	CategoryRTP       Category = "rtp"
	CategoryRTCP      Category = "rtcp"
	CategoryNAL       Category = "nal"
	CategorySession   Category = "session"
	CategoryAll       Category = "all"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config holds logger configuration.
type Config struct {
	Level      Level
	Format     Format
	OutputFile string

	mu         sync.RWMutex
	categories map[Category]bool
}

func NewConfig() *Config {
	return &Config{Level: LevelInfo, Format: FormatText, categories: make(map[Category]bool)}
}

func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug, nil
	case "info", "INFO", "":
		return LevelInfo, nil
	case "warn", "WARN", "warning":
		return LevelWarn, nil
	case "error", "ERROR":
		return LevelError, nil
	default:
		return "", fmt.Errorf("invalid log level %q", s)
	}
}

func ParseFormat(s string) (Format, error) {
	switch s {
	case "json", "JSON":
		return FormatJSON, nil
	case "text", "TEXT", "":
		return FormatText, nil
	default:
		return "", fmt.Errorf("invalid log format %q", s)
	}
}

func (l Level) slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) EnableCategory(cat Category) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cat == CategoryAll {
		for _, k := range []Category{CategoryRTSP, CategoryRTP, CategoryRTCP, CategoryNAL, CategorySession} {
			c.categories[k] = true
		}
		return
	}
	c.categories[cat] = true
}

func (c *Config) enabled(cat Category) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.categories[cat]
}

// Logger wraps slog.Logger with category-specific debug helpers.
type Logger struct {
	*slog.Logger
	cfg  *Config
	file *os.File
}

// New builds a Logger from cfg, opening OutputFile if set.
func New(cfg *Config) (*Logger, error) {
	var w io.Writer = os.Stdout
	var f *os.File
	if cfg.OutputFile != "" {
		var err error
		f, err = os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", cfg.OutputFile, err)
		}
		w = f
	}

	opts := &slog.HandlerOptions{Level: cfg.Level.slog()}
	var h slog.Handler
	if cfg.Format == FormatJSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}

	return &Logger{Logger: slog.New(h), cfg: cfg, file: f}, nil
}

func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), cfg: l.cfg, file: l.file}
}

func (l *Logger) debugf(cat Category, msg string, args ...any) {
	if l.cfg.enabled(cat) {
		l.Debug(msg, append([]any{"category", string(cat)}, args...)...)
	}
}

func (l *Logger) DebugRTSP(msg string, args ...any)    { l.debugf(CategoryRTSP, msg, args...) }
func (l *Logger) DebugRTP(msg string, args ...any)     { l.debugf(CategoryRTP, msg, args...) }
func (l *Logger) DebugRTCP(msg string, args ...any)    { l.debugf(CategoryRTCP, msg, args...) }
func (l *Logger) DebugNAL(msg string, args ...any)     { l.debugf(CategoryNAL, msg, args...) }
func (l *Logger) DebugSession(msg string, args ...any) { l.debugf(CategorySession, msg, args...) }

var (
	defaultLogger *Logger
	once          sync.Once
)

func SetDefault(l *Logger) {
	defaultLogger = l
	slog.SetDefault(l.Logger)
}

func Default() *Logger {
	once.Do(func() {
		l, err := New(NewConfig())
		if err != nil {
			l = &Logger{Logger: slog.Default(), cfg: NewConfig()}
		}
		defaultLogger = l
	})
	return defaultLogger
}
