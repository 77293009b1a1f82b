// Package logging provides categorized file-based debug logging for
// pocketmirror. Logs are written to <state-dir>/logs/ with one file per
// category per day. When debug mode is off every call is a silent no-op, so
// call sites never guard their logging.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot     Category = "boot"     // Startup, restore, shutdown
	CategoryTopology Category = "topology" // Instance/conversation scans, reconciliation
	CategoryMonitor  Category = "monitor"  // Turn/section forwarding
	CategoryInbound  Category = "inbound"  // Telegram → client relay
	CategoryCDP      Category = "cdp"      // DevTools protocol traffic
	CategoryTelegram Category = "telegram" // Bot API calls
	CategoryConfirm  Category = "confirm"  // Pending confirmations and replies
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Options controls logger behavior; built from config.LoggingConfig by the
// caller so this package stays import-free of the config package.
type Options struct {
	DebugMode  bool
	Level      string
	Categories map[string]bool // nil = all enabled
	Dir        string
}

// Logger writes to one category's log file.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	mu      sync.RWMutex
	loggers = make(map[Category]*Logger)
	opts    Options
	level   int
)

// Initialize sets up the logging directory from the given options. A no-op
// when debug mode is off; errors creating the directory disable logging
// rather than failing startup.
func Initialize(o Options) error {
	mu.Lock()
	defer mu.Unlock()

	opts = o
	switch o.Level {
	case "debug":
		level = LevelDebug
	case "warn", "warning":
		level = LevelWarn
	case "error":
		level = LevelError
	default:
		level = LevelInfo
	}

	if !o.DebugMode {
		return nil
	}
	if o.Dir == "" {
		opts.DebugMode = false
		return fmt.Errorf("logging dir not set")
	}
	if err := os.MkdirAll(o.Dir, 0o755); err != nil {
		opts.DebugMode = false
		return fmt.Errorf("create logs directory: %w", err)
	}
	return nil
}

func enabled(category Category) bool {
	if !opts.DebugMode {
		return false
	}
	if opts.Categories == nil {
		return true
	}
	on, ok := opts.Categories[string(category)]
	if !ok {
		return true
	}
	return on
}

// Get returns (or creates) the logger for a category. Disabled categories
// get a no-op logger.
func Get(category Category) *Logger {
	mu.RLock()
	if !enabled(category) {
		mu.RUnlock()
		return &Logger{category: category}
	}
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	name := fmt.Sprintf("%s_%s.log", time.Now().Format("2006-01-02"), category)
	path := filepath.Join(opts.Dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] could not open %s: %v\n", path, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || level > LevelDebug {
		return
	}
	l.logger.Printf("[DEBUG] %s", fmt.Sprintf(format, args...))
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || level > LevelInfo {
		return
	}
	l.logger.Printf("[INFO] %s", fmt.Sprintf(format, args...))
}

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || level > LevelWarn {
		return
	}
	l.logger.Printf("[WARN] %s", fmt.Sprintf(format, args...))
}

// Error logs an error. Always written if the logger exists.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[ERROR] %s", fmt.Sprintf(format, args...))
}

// CloseAll closes all open log files. Call at shutdown.
func CloseAll() {
	mu.Lock()
	defer mu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			_ = l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// Convenience functions for the common categories.

// Boot logs to the boot category.
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// Topology logs to the topology category.
func Topology(format string, args ...interface{}) { Get(CategoryTopology).Info(format, args...) }

// TopologyDebug logs debug to the topology category.
func TopologyDebug(format string, args ...interface{}) { Get(CategoryTopology).Debug(format, args...) }

// Monitor logs to the monitor category.
func Monitor(format string, args ...interface{}) { Get(CategoryMonitor).Info(format, args...) }

// MonitorDebug logs debug to the monitor category.
func MonitorDebug(format string, args ...interface{}) { Get(CategoryMonitor).Debug(format, args...) }

// Inbound logs to the inbound category.
func Inbound(format string, args ...interface{}) { Get(CategoryInbound).Info(format, args...) }

// CDP logs to the cdp category.
func CDP(format string, args ...interface{}) { Get(CategoryCDP).Debug(format, args...) }

// Telegram logs to the telegram category.
func Telegram(format string, args ...interface{}) { Get(CategoryTelegram).Debug(format, args...) }

// Confirm logs to the confirm category.
func Confirm(format string, args ...interface{}) { Get(CategoryConfirm).Info(format, args...) }
