// Package log provides structured logging for the shadow-hook engine using zap.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with engine-specific helpers.
type Logger struct {
	*zap.Logger
	onTrace func(cpu int, event, page string, detail string) // trace callback for event subscribers
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	// Shorter timestamps in development
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fallback to no-op if config fails
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// SetOnTrace sets the trace callback for event subscribers (e.g. the watch TUI).
func (l *Logger) SetOnTrace(fn func(cpu int, event, page string, detail string)) {
	l.onTrace = fn
}

// Trace logs a state-machine transition and calls the trace callback if set.
// The trace callback fires on every call; the zap line is written at debug
// level, so it is dropped unless the logger was built with debug=true.
func (l *Logger) Trace(cpu int, event, page, detail string) {
	if l.onTrace != nil {
		l.onTrace(cpu, event, page, detail)
	}

	l.Debug("event",
		zap.Int("cpu", cpu),
		zap.String("event", event),
		zap.String("page", page),
		zap.String("detail", detail),
	)
}

// Install logs hook installation at info level. A logger built with
// debug=false is at warn level and drops these lines.
func (l *Logger) Install(kind, page string, addr uint64) {
	l.Info("installed",
		zap.String("kind", kind),
		zap.String("page", page),
		zap.String("addr", Hex(addr)),
	)
}

// WithCPU returns a logger with the logical CPU id field preset.
func (l *Logger) WithCPU(cpu int) *Logger {
	return &Logger{
		Logger:  l.Logger.With(zap.Int("cpu", cpu)),
		onTrace: l.onTrace,
	}
}

// Hex formats a uint64 as a hex string for logging.
func Hex(addr uint64) string {
	return "0x" + hexString(addr)
}

func hexString(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 16)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.Uint64("size", size)
}

// Ptr creates a pointer field.
func Ptr(name string, ptr uint64) zap.Field {
	return zap.String(name, Hex(ptr))
}

// CPU creates a logical-CPU field.
func CPU(id int) zap.Field {
	return zap.Int("cpu", id)
}
