// Package logging provides config-driven categorized file logging for deepscholar.
// Logs are written to <workspace>/.scholar/logs/ with one file per category.
// Logging is a no-op unless debug mode is enabled in the loaded config.
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
	CategoryBoot      Category = "boot"      // Startup and wiring
	CategoryJob       Category = "job"       // Job state machine transitions
	CategorySearch    Category = "search"    // Query generation and dispatch
	CategoryEngine    Category = "engine"    // Search lane adapters
	CategoryCourtesy  Category = "courtesy"  // Domain gating, delays, breakers
	CategoryAcquire   Category = "acquire"   // URL fetching and classification
	CategoryIndex     Category = "index"     // Chunking and embedding
	CategoryRetrieval Category = "retrieval" // Hybrid retrieval
	CategoryCoverage  Category = "coverage"  // Coverage and sufficiency evaluation
	CategoryReport    Category = "report"    // Drafting and grounding
	CategoryStore     Category = "store"     // SQLite persistence
	CategoryEmbedding Category = "embedding" // Embedding engine
	CategoryModel     Category = "model"     // Text-generation calls
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Logger wraps a standard logger bound to one category file.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	debugMode bool
	logLevel  = LevelInfo
	configMu  sync.RWMutex
)

// Initialize sets up the logging directory. Call once at startup.
// With debug=false every helper is a silent no-op.
func Initialize(workspace string, debug bool, level string) error {
	configMu.Lock()
	debugMode = debug
	switch level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
	configMu.Unlock()

	if !debug {
		return nil
	}
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}
	logsDir = filepath.Join(workspace, ".scholar", "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== deepscholar logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	return nil
}

// IsDebugMode reports whether debug logging is active.
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return debugMode
}

// Get returns (or creates) the logger for a category.
// Returns a no-op logger when debug mode is off.
func Get(category Category) *Logger {
	if !IsDebugMode() || logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	path := filepath.Join(logsDir, string(category)+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return &Logger{category: category}
	}
	l := &Logger{
		category: category,
		logger:   log.New(f, "", 0),
		file:     f,
	}
	loggers[category] = l
	return l
}

// Close flushes and closes all open log files.
func Close() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

func (l *Logger) write(level int, levelName, format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	configMu.RLock()
	min := logLevel
	configMu.RUnlock()
	if level < min {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	l.logger.Printf("%s [%s] %s", ts, levelName, fmt.Sprintf(format, args...))
}

// Debug logs at debug level.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(LevelDebug, "DEBUG", format, args...)
}

// Info logs at info level.
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(LevelInfo, "INFO", format, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write(LevelWarn, "WARN", format, args...)
}

// Error logs at error level.
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(LevelError, "ERROR", format, args...)
}

// =============================================================================
// CATEGORY HELPERS
// =============================================================================

// Job logs job state machine activity at info level.
func Job(format string, args ...interface{}) { Get(CategoryJob).Info(format, args...) }

// JobDebug logs job state machine activity at debug level.
func JobDebug(format string, args ...interface{}) { Get(CategoryJob).Debug(format, args...) }

// Search logs orchestrator activity at info level.
func Search(format string, args ...interface{}) { Get(CategorySearch).Info(format, args...) }

// SearchDebug logs orchestrator activity at debug level.
func SearchDebug(format string, args ...interface{}) { Get(CategorySearch).Debug(format, args...) }

// Engine logs search lane activity at info level.
func Engine(format string, args ...interface{}) { Get(CategoryEngine).Info(format, args...) }

// Courtesy logs domain gating activity at info level.
func Courtesy(format string, args ...interface{}) { Get(CategoryCourtesy).Info(format, args...) }

// CourtesyDebug logs domain gating activity at debug level.
func CourtesyDebug(format string, args ...interface{}) { Get(CategoryCourtesy).Debug(format, args...) }

// Acquire logs fetch activity at info level.
func Acquire(format string, args ...interface{}) { Get(CategoryAcquire).Info(format, args...) }

// AcquireDebug logs fetch activity at debug level.
func AcquireDebug(format string, args ...interface{}) { Get(CategoryAcquire).Debug(format, args...) }

// Index logs indexing activity at info level.
func Index(format string, args ...interface{}) { Get(CategoryIndex).Info(format, args...) }

// Retrieval logs retrieval activity at info level.
func Retrieval(format string, args ...interface{}) { Get(CategoryRetrieval).Info(format, args...) }

// Coverage logs evaluation activity at info level.
func Coverage(format string, args ...interface{}) { Get(CategoryCoverage).Info(format, args...) }

// CoverageDebug logs evaluation activity at debug level.
func CoverageDebug(format string, args ...interface{}) { Get(CategoryCoverage).Debug(format, args...) }

// Report logs drafting/grounding activity at info level.
func Report(format string, args ...interface{}) { Get(CategoryReport).Info(format, args...) }

// Store logs persistence activity at info level.
func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs persistence activity at debug level.
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

// Embedding logs embedding engine activity at info level.
func Embedding(format string, args ...interface{}) { Get(CategoryEmbedding).Info(format, args...) }

// Model logs text-generation calls at info level.
func Model(format string, args ...interface{}) { Get(CategoryModel).Info(format, args...) }

// ModelDebug logs text-generation calls at debug level.
func ModelDebug(format string, args ...interface{}) { Get(CategoryModel).Debug(format, args...) }

// =============================================================================
// TIMER
// =============================================================================

// Timer measures operation duration and logs slow operations.
type Timer struct {
	category  Category
	operation string
	start     time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, operation: operation, start: time.Now()}
}

// Stop logs the elapsed time; operations over one second log at warn level.
func (t *Timer) Stop() {
	elapsed := time.Since(t.start)
	l := Get(t.category)
	if elapsed > time.Second {
		l.Warn("%s took %v (slow)", t.operation, elapsed)
	} else {
		l.Debug("%s took %v", t.operation, elapsed)
	}
}
