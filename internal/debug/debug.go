// Package debug provides component-tagged diagnostic logging for bncode.
//
// Debug and trace output is gated by Enable/Disable (or BNCODE_DEBUG);
// Info, Warn and Error are always written.
package debug

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// enabled controls whether debug logging is active
	enabled atomic.Bool

	mu          sync.RWMutex
	logger      *zap.SugaredLogger
	logFile     *os.File
	logFilePath string
	jsonOutput  bool
)

func init() {
	if os.Getenv("BNCODE_DEBUG") != "" {
		Enable()
	}
	logger = newLogger(zapcore.Lock(os.Stderr))
}

// newLogger builds the sugared logger writing to ws. The level is always
// debug; gating happens in this package so Enable takes effect immediately.
func newLogger(ws zapcore.WriteSyncer) *zap.SugaredLogger {
	var enc zapcore.Encoder
	if jsonOutput {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(cfg)
	}
	core := zapcore.NewCore(enc, ws, zapcore.DebugLevel)
	return zap.New(core).Sugar()
}

// Enable turns on debug logging.
func Enable() {
	enabled.Store(true)
}

// Disable turns off debug logging.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether debug logging is enabled.
func IsEnabled() bool {
	return enabled.Load()
}

// SetJSON switches between console (default) and JSON encoding.
func SetJSON(on bool) {
	mu.Lock()
	defer mu.Unlock()
	jsonOutput = on
	logger = newLogger(currentSyncer())
}

// currentSyncer must be called with mu held.
func currentSyncer() zapcore.WriteSyncer {
	if logFile != nil {
		return zapcore.NewMultiWriteSyncer(zapcore.Lock(os.Stderr), zapcore.AddSync(logFile))
	}
	return zapcore.Lock(os.Stderr)
}

// SetLogFile sets an optional file to write logs to in addition to stderr.
// The file is created in the user's cache directory. An empty name reverts
// to stderr only.
func SetLogFile(name string) error {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}

	if name == "" {
		logFilePath = ""
		logger = newLogger(currentSyncer())
		return nil
	}

	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = os.TempDir()
	}

	logDir := filepath.Join(cacheDir, "bncode", "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	path := filepath.Join(logDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	logFile = f
	logFilePath = path
	logger = newLogger(currentSyncer())
	return nil
}

// GetLogFilePath returns the current log file path, or empty if not set.
func GetLogFilePath() string {
	mu.RLock()
	defer mu.RUnlock()
	return logFilePath
}

// Close flushes the logger and closes the log file if open.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	_ = logger.Sync()
	if logFile != nil {
		logFile.Close()
		logFile = nil
		logFilePath = ""
		logger = newLogger(currentSyncer())
	}
}

// Logger returns a zap logger named after component, for packages that
// prefer structured fields over format strings.
func Logger(component string) *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger.Desugar().Named(component)
}

func write(level zapcore.Level, component, format string, args []interface{}) {
	mu.RLock()
	l := logger
	mu.RUnlock()

	msg := fmt.Sprintf(format, args...)
	switch level {
	case zapcore.DebugLevel:
		l.Debugw(msg, "component", component)
	case zapcore.InfoLevel:
		l.Infow(msg, "component", component)
	case zapcore.WarnLevel:
		l.Warnw(msg, "component", component)
	default:
		l.Errorw(msg, "component", component)
	}
}

// Log logs a debug message if debug mode is enabled.
func Log(component, format string, args ...interface{}) {
	if !enabled.Load() {
		return
	}
	write(zapcore.DebugLevel, component, format, args)
}

// Trace logs a very verbose message (only when debug is enabled).
func Trace(component, format string, args ...interface{}) {
	if !enabled.Load() {
		return
	}
	write(zapcore.DebugLevel, component, "[trace] "+format, args)
}

// Info logs an info message (always logged).
func Info(component, format string, args ...interface{}) {
	write(zapcore.InfoLevel, component, format, args)
}

// Warn logs a warning message (always logged).
func Warn(component, format string, args ...interface{}) {
	write(zapcore.WarnLevel, component, format, args)
}

// Error logs an error message (always logged).
func Error(component, format string, args ...interface{}) {
	write(zapcore.ErrorLevel, component, format, args)
}
