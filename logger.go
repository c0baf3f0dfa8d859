package tangguh

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Logger is the minimal leveled logging interface the client emits through.
// Key/value pairs alternate in keysAndValues, matching the convention of
// structured loggers.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// SimpleLogger writes leveled key=value lines to stderr via the standard
// library. It is meant for examples and local debugging; production callers
// plug in their own Logger (see NewZapLogger).
type SimpleLogger struct {
	logger *log.Logger
}

// NewSimpleLogger returns a SimpleLogger writing to stderr.
func NewSimpleLogger() *SimpleLogger {
	return &SimpleLogger{
		logger: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
	}
}

// Debug logs at debug level.
func (l *SimpleLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logWithLevel("DEBUG", msg, keysAndValues...)
}

// Info logs at info level.
func (l *SimpleLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logWithLevel("INFO", msg, keysAndValues...)
}

// Warn logs at warn level.
func (l *SimpleLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logWithLevel("WARN", msg, keysAndValues...)
}

// Error logs at error level.
func (l *SimpleLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logWithLevel("ERROR", msg, keysAndValues...)
}

func (l *SimpleLogger) logWithLevel(level, msg string, keysAndValues ...interface{}) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", level, msg)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fmt.Fprintf(&b, " %v=%v", keysAndValues[i], keysAndValues[i+1])
	}
	if len(keysAndValues)%2 != 0 {
		fmt.Fprintf(&b, " %v=<missing>", keysAndValues[len(keysAndValues)-1])
	}
	l.logger.Print(b.String())
}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger adapts a *zap.Logger to the Logger interface.
func NewZapLogger(l *zap.Logger) Logger {
	return &zapLogger{sugar: l.Sugar()}
}

func (z *zapLogger) Debug(msg string, keysAndValues ...interface{}) {
	z.sugar.Debugw(msg, keysAndValues...)
}

func (z *zapLogger) Info(msg string, keysAndValues ...interface{}) {
	z.sugar.Infow(msg, keysAndValues...)
}

func (z *zapLogger) Warn(msg string, keysAndValues ...interface{}) {
	z.sugar.Warnw(msg, keysAndValues...)
}

func (z *zapLogger) Error(msg string, keysAndValues ...interface{}) {
	z.sugar.Errorw(msg, keysAndValues...)
}

// DebugConfig selects which client events get logged. Nothing is logged
// unless Enabled is set; individual flags then gate each event family.
type DebugConfig struct {
	Enabled      bool
	LogRequests  bool
	LogResponses bool
	LogCache     bool
	LogRetries   bool
	LogCircuit   bool
	LogRateLimit bool
	LogTokens    bool

	// RequestIDGen produces the correlation ID attached to log lines and
	// errors for a single logical call.
	RequestIDGen func() string
}

// DefaultDebugConfig selects every event family and UUID request IDs but
// leaves logging off until Enabled is flipped (WithDebug does this).
func DefaultDebugConfig() *DebugConfig {
	return &DebugConfig{
		LogRequests:  true,
		LogResponses: true,
		LogCache:     true,
		LogRetries:   true,
		LogCircuit:   true,
		LogRateLimit: true,
		LogTokens:    true,
		RequestIDGen: defaultRequestIDGen,
	}
}

func defaultRequestIDGen() string {
	return uuid.NewString()
}
