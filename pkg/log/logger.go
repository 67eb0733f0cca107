// Package log provides structured logging for the gompow search tool.
// It wraps the standard library's slog package with search-specific helpers.
// Logs go to stderr; stdout is reserved for progress lines.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger writing to stderr
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stderr, service, version, level, format)
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler).With(
			"service", service,
			"version", version,
		),
		service: service,
		version: version,
	}
}

// ParseLevel maps a level name to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return NewWithWriter(io.Discard, "test", "test", "error", "text")
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithDevice returns a logger scoped to a compute device
func (l *Logger) WithDevice(name string, index int) *Logger {
	return l.WithFields("device", name, "device_index", index)
}

// WithGeometry returns a logger with launch geometry fields
func (l *Logger) WithGeometry(blockDim, gridDim uint32) *Logger {
	return l.WithFields("block_dim", blockDim, "grid_dim", gridDim)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, duration time.Duration) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ms", float64(duration)/float64(time.Millisecond),
	)
}

// LogThroughput logs throughput metrics
func (l *Logger) LogThroughput(operation string, count uint64, duration time.Duration) {
	var rate float64
	if duration > 0 {
		rate = float64(count) / duration.Seconds()
	}
	l.Info("throughput metrics",
		"operation", operation,
		"count", count,
		"duration_ms", float64(duration)/float64(time.Millisecond),
		"throughput_ops_sec", rate,
	)
}

// LogPass logs the outcome of one search pass
func (l *Logger) LogPass(pass int, hashes uint64, elapsed time.Duration, hashrate, average float64, found bool) {
	l.Info("search pass completed",
		"pass", pass,
		"hashes", hashes,
		"elapsed_seconds", elapsed.Seconds(),
		"hashrate", hashrate,
		"average_hashrate", average,
		"found", found,
	)
}

// LogSolution logs a verified proof of work
func (l *Logger) LogSolution(nonce uint32, blockHash string, passes int, elapsed time.Duration) {
	l.Info("proof of work found",
		"nonce", nonce,
		"block_hash", blockHash,
		"passes", passes,
		"elapsed_seconds", elapsed.Seconds(),
	)
}

// LogCalibration logs the measured rate of one candidate geometry
func (l *Logger) LogCalibration(blockDim, gridDim uint32, hashrate float64, err error) {
	if err != nil {
		l.Warn("calibration candidate failed",
			"block_dim", blockDim,
			"grid_dim", gridDim,
			"error", err.Error(),
		)
		return
	}
	l.Info("calibration candidate measured",
		"block_dim", blockDim,
		"grid_dim", gridDim,
		"hashrate", hashrate,
	)
}
