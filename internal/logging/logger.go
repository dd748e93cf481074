// Package logging provides categorized structured logging for the control
// plane, backed by zap. Each category writes to its own file under the
// configured log directory; when the package is not initialized every call
// is a silent no-op, so library consumers and tests pay nothing.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies the subsystem a log line belongs to.
type Category string

const (
	CategoryBoot      Category = "boot"      // Plane construction and initialization
	CategoryPipeline  Category = "pipeline"  // Validation operators and gates
	CategoryPolicy    Category = "policy"    // Goal-guard decisions
	CategoryEffort    Category = "effort"    // Effort evaluator scoring
	CategorySandbox   Category = "sandbox"   // Sandbox lifecycle and permission checks
	CategoryExecutor  Category = "executor"  // Tool execution wrapper
	CategoryOutbox    Category = "outbox"    // Outbox and result cache
	CategoryMemory    Category = "memory"    // Audit chain, snapshots, retention
	CategoryStore     Category = "store"     // Persistence drivers
	CategoryTelemetry Category = "telemetry" // Event bus and sinks
)

// Options configures the logging system.
type Options struct {
	// Dir is the directory log files are written to.
	Dir string

	// Debug lowers the level to debug and enables per-category files.
	Debug bool

	// Level overrides the default level ("debug", "info", "warn", "error").
	Level string

	// Console mirrors all categories to stderr in addition to files.
	Console bool
}

// Logger is a category-scoped logger with printf-style methods.
type Logger struct {
	sugar *zap.SugaredLogger
}

var (
	mu       sync.RWMutex
	loggers  = make(map[Category]*Logger)
	opts     Options
	active   bool
	nopl     = &Logger{sugar: zap.NewNop().Sugar()}
	levelMap = map[string]zapcore.Level{
		"debug": zapcore.DebugLevel,
		"info":  zapcore.InfoLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
	}
)

// Initialize sets up the log directory and activates logging.
// Safe to call once at startup; before initialization all loggers no-op.
func Initialize(o Options) error {
	if o.Dir == "" {
		return fmt.Errorf("logging: directory required")
	}
	if err := os.MkdirAll(o.Dir, 0o755); err != nil {
		return fmt.Errorf("logging: create directory: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	opts = o
	active = true
	loggers = make(map[Category]*Logger)
	return nil
}

// Shutdown flushes and deactivates all loggers.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()
	for _, l := range loggers {
		_ = l.sugar.Sync()
	}
	loggers = make(map[Category]*Logger)
	active = false
}

// Get returns the logger for a category, creating it on first use.
func Get(category Category) *Logger {
	mu.RLock()
	if !active {
		mu.RUnlock()
		return nopl
	}
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if !active {
		return nopl
	}
	if l, ok := loggers[category]; ok {
		return l
	}
	l := build(category)
	loggers[category] = l
	return l
}

func build(category Category) *Logger {
	level := zapcore.InfoLevel
	if lv, ok := levelMap[opts.Level]; ok {
		level = lv
	} else if opts.Debug {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	path := filepath.Join(opts.Dir, fmt.Sprintf("%s.log", category))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		// Fall back to stderr rather than dropping diagnostics.
		file = os.Stderr
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.AddSync(file), level),
	}
	if opts.Console && file != os.Stderr {
		consoleEnc := zapcore.NewConsoleEncoder(encCfg)
		cores = append(cores, zapcore.NewCore(consoleEnc, zapcore.AddSync(os.Stderr), level))
	}

	base := zap.New(zapcore.NewTee(cores...)).With(zap.String("cat", string(category)))
	return &Logger{sugar: base.Sugar()}
}

// Debug logs at debug level with printf formatting.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs at info level with printf formatting.
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs at warn level with printf formatting.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs at error level with printf formatting.
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// With returns a logger carrying additional structured fields.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{sugar: l.sugar.With(keysAndValues...)}
}
