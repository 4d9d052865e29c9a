// Package logging provides config-driven categorized logging for mobxlens.
// All categories share one zap logger; each category is a named child so
// entries can be filtered by the "cat" field. Logging is controlled by
// DebugMode - when false, only warnings and errors reach the sink.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup, config loading
	CategoryCapture    Category = "capture"    // Spy stream intake, hook install
	CategoryCorrelator Category = "correlator" // Action stack and change attribution
	CategoryEmitter    Category = "emitter"    // Debounced state broadcast, action flush
	CategorySerialize  Category = "serialize"  // Snapshot and clone degradation
	CategoryEdit       Category = "edit"       // Path edits and echo suppression
	CategorySource     Category = "source"     // Stack parsing, source fetch, source maps
	CategoryBrowser    Category = "browser"    // CDP bridge, page shim
	CategoryPanel      Category = "panel"      // Panel websocket relay
	CategoryHistory    Category = "history"    // Action history store
)

// Options mirrors config.LoggingConfig to avoid an import cycle.
type Options struct {
	DebugMode  bool
	Level      string          // debug, info, warn, error
	Format     string          // json, console
	File       string          // empty = stderr
	Categories map[string]bool // per-category toggles; missing = enabled
}

// Logger is a category-scoped printf-style facade over zap.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu       sync.RWMutex
	base     *zap.Logger
	opts     Options
	loggers  = make(map[Category]*Logger)
	logFile  *os.File
	minLevel = zapcore.InfoLevel
)

// Initialize builds the shared zap logger. Safe to call more than once;
// later calls replace the sink.
func Initialize(o Options) error {
	level := parseLevel(o.Level)
	if !o.DebugMode && level < zapcore.WarnLevel {
		level = zapcore.WarnLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if strings.EqualFold(o.Format, "json") {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	var sink zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	var file *os.File
	if o.File != "" {
		if err := os.MkdirAll(filepath.Dir(o.File), 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(o.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		file = f
		sink = zapcore.Lock(f)
	}

	core := zapcore.NewCore(enc, sink, level)

	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = file
	base = zap.New(core)
	opts = o
	minLevel = level
	loggers = make(map[Category]*Logger)

	return nil
}

// SetLogger installs an externally built zap logger (tests, embedding).
func SetLogger(l *zap.Logger, o Options) {
	mu.Lock()
	defer mu.Unlock()
	base = l
	opts = o
	minLevel = parseLevel(o.Level)
	loggers = make(map[Category]*Logger)
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	mu.RLock()
	defer mu.RUnlock()
	return opts.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return categoryEnabledLocked(category)
}

func categoryEnabledLocked(category Category) bool {
	if opts.Categories == nil {
		return true
	}
	enabled, exists := opts.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger before Initialize or when the category is disabled.
func Get(category Category) *Logger {
	mu.RLock()
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

	var l *Logger
	if base == nil || !categoryEnabledLocked(category) {
		l = &Logger{category: category, sugar: zap.NewNop().Sugar()}
	} else {
		l = &Logger{
			category: category,
			sugar:    base.With(zap.String("cat", string(category))).Sugar(),
		}
	}
	loggers[category] = l
	return l
}

// Zap exposes the underlying zap logger for structured call sites.
func (l *Logger) Zap() *zap.Logger {
	return l.sugar.Desugar()
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// StructuredLog writes an entry with custom fields
func (l *Logger) StructuredLog(level string, msg string, fields map[string]interface{}) {
	kv := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	switch parseLevel(level) {
	case zapcore.DebugLevel:
		l.sugar.Debugw(msg, kv...)
	case zapcore.WarnLevel:
		l.sugar.Warnw(msg, kv...)
	case zapcore.ErrorLevel:
		l.sugar.Errorw(msg, kv...)
	default:
		l.sugar.Infow(msg, kv...)
	}
}

// WithField returns a child logger carrying one extra field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(key, value)}
}

// Sync flushes the shared logger and closes the log file, if any.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	if base != nil {
		_ = base.Sync()
	}
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// BootWarn logs a warning to the boot category
func BootWarn(format string, args ...interface{}) { Get(CategoryBoot).Warn(format, args...) }

// Capture logs to the capture category
func Capture(format string, args ...interface{}) { Get(CategoryCapture).Info(format, args...) }

// CaptureDebug logs debug to the capture category
func CaptureDebug(format string, args ...interface{}) { Get(CategoryCapture).Debug(format, args...) }

// CaptureWarn logs a warning to the capture category
func CaptureWarn(format string, args ...interface{}) { Get(CategoryCapture).Warn(format, args...) }

// CorrelatorDebug logs debug to the correlator category
func CorrelatorDebug(format string, args ...interface{}) {
	Get(CategoryCorrelator).Debug(format, args...)
}

// EmitterDebug logs debug to the emitter category
func EmitterDebug(format string, args ...interface{}) { Get(CategoryEmitter).Debug(format, args...) }

// EditDebug logs debug to the edit category
func EditDebug(format string, args ...interface{}) { Get(CategoryEdit).Debug(format, args...) }

// Source logs to the source category
func Source(format string, args ...interface{}) { Get(CategorySource).Info(format, args...) }

// SourceDebug logs debug to the source category
func SourceDebug(format string, args ...interface{}) { Get(CategorySource).Debug(format, args...) }

// Browser logs to the browser category
func Browser(format string, args ...interface{}) { Get(CategoryBrowser).Info(format, args...) }

// BrowserDebug logs debug to the browser category
func BrowserDebug(format string, args ...interface{}) { Get(CategoryBrowser).Debug(format, args...) }

// BrowserWarn logs a warning to the browser category
func BrowserWarn(format string, args ...interface{}) { Get(CategoryBrowser).Warn(format, args...) }

// Panel logs to the panel category
func Panel(format string, args ...interface{}) { Get(CategoryPanel).Info(format, args...) }

// PanelDebug logs debug to the panel category
func PanelDebug(format string, args ...interface{}) { Get(CategoryPanel).Debug(format, args...) }

// HistoryDebug logs debug to the history category
func HistoryDebug(format string, args ...interface{}) { Get(CategoryHistory).Debug(format, args...) }

// HistoryWarn logs a warning to the history category
func HistoryWarn(format string, args ...interface{}) { Get(CategoryHistory).Warn(format, args...) }

// =============================================================================
// TIMING
// =============================================================================

// Timer measures one operation and logs its duration on Stop.
type Timer struct {
	category  Category
	operation string
	start     time.Time
}

// StartTimer starts timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, operation: operation, start: time.Now()}
}

// Stop logs the elapsed time at debug level and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.operation, elapsed)
	return elapsed
}

// StopWithThreshold logs at warn level when elapsed exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s slow: %v (threshold %v)", t.operation, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.operation, elapsed)
	}
	return elapsed
}

// Level reports the active minimum level (for tests and diagnostics).
func Level() zapcore.Level {
	mu.RLock()
	defer mu.RUnlock()
	return minLevel
}
