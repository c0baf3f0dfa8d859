package tangguh

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newBufferedSimpleLogger() (*SimpleLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	return &SimpleLogger{logger: log.New(&buf, "", 0)}, &buf
}

func TestSimpleLoggerFormat(t *testing.T) {
	logger, buf := newBufferedSimpleLogger()

	logger.Info("request completed", "statusCode", 200, "endpoint", "/widgets")

	got := strings.TrimSpace(buf.String())
	want := "[INFO] request completed statusCode=200 endpoint=/widgets"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestSimpleLoggerLevels(t *testing.T) {
	logger, buf := newBufferedSimpleLogger()

	logger.Debug("d")
	logger.Info("i")
	logger.Warn("w")
	logger.Error("e")

	out := buf.String()
	for _, want := range []string{"[DEBUG] d", "[INFO] i", "[WARN] w", "[ERROR] e"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestSimpleLoggerOddKeyValues(t *testing.T) {
	logger, buf := newBufferedSimpleLogger()

	logger.Warn("lopsided", "key")

	if got := strings.TrimSpace(buf.String()); got != "[WARN] lopsided key=<missing>" {
		t.Errorf("Expected dangling key marker, got %q", got)
	}
}

func TestNewSimpleLogger(t *testing.T) {
	logger := NewSimpleLogger()
	if logger == nil || logger.logger == nil {
		t.Fatal("Expected a usable logger")
	}

	var _ Logger = logger
}

func TestZapLoggerAdapter(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapLogger(zap.New(core))

	logger.Debug("cache hit", "cacheKey", "GET:/widgets:{}")
	logger.Info("request completed", "statusCode", 200)
	logger.Warn("circuit breaker state changed", "from", "closed", "to", "open")
	logger.Error("request failed", "type", ErrorTypeHTTP)

	entries := logs.All()
	require.Len(t, entries, 4)

	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "cache hit", entries[0].Message)
	assert.Equal(t, "GET:/widgets:{}", entries[0].ContextMap()["cacheKey"])

	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, int64(200), entries[1].ContextMap()["statusCode"])

	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, "open", entries[2].ContextMap()["to"])

	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
	assert.Equal(t, ErrorTypeHTTP, entries[3].ContextMap()["type"])
}

func TestZapLoggerSatisfiesInterface(t *testing.T) {
	var _ Logger = NewZapLogger(zap.NewNop())
}

func TestDefaultDebugConfig(t *testing.T) {
	cfg := DefaultDebugConfig()

	if cfg.Enabled {
		t.Error("Expected debug disabled until explicitly turned on")
	}
	for name, flag := range map[string]bool{
		"LogRequests":  cfg.LogRequests,
		"LogResponses": cfg.LogResponses,
		"LogCache":     cfg.LogCache,
		"LogRetries":   cfg.LogRetries,
		"LogCircuit":   cfg.LogCircuit,
		"LogRateLimit": cfg.LogRateLimit,
		"LogTokens":    cfg.LogTokens,
	} {
		if !flag {
			t.Errorf("Expected %s enabled by default", name)
		}
	}

	require.NotNil(t, cfg.RequestIDGen)
	first := cfg.RequestIDGen()
	second := cfg.RequestIDGen()
	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second, "request IDs should be unique")
}
