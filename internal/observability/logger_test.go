// File: internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/unlock-cli/internal/config"
)

// syncBuffer adapts bytes.Buffer to zapcore.WriteSyncer.
type syncBuffer struct {
	bytes.Buffer
}

func (b *syncBuffer) Sync() error { return nil }

func TestInitializeConsoleFormat(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	buf := &syncBuffer{}
	Initialize(config.LoggerConfig{Level: "debug", Format: "console", ServiceName: "unlock-cli"}, buf)

	logger := GetLogger()
	require.NotNil(t, logger)
	logger.Info("hello from the test")

	out := buf.String()
	assert.Contains(t, out, "hello from the test")
	assert.Contains(t, out, "unlock-cli.")
	assert.Contains(t, out, "INFO")
}

func TestInitializeJSONFormat(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	buf := &syncBuffer{}
	Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "unlock-cli"}, buf)

	GetLogger().Warn("structured entry")

	line := strings.TrimSpace(buf.String())
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "structured entry", entry["msg"])
	assert.Equal(t, "WARN", entry["level"])
}

func TestInitializeHonorsLevel(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	buf := &syncBuffer{}
	Initialize(config.LoggerConfig{Level: "warn", Format: "json", ServiceName: "unlock-cli"}, buf)

	GetLogger().Info("should be filtered")
	GetLogger().Warn("should appear")

	out := buf.String()
	assert.NotContains(t, out, "should be filtered")
	assert.Contains(t, out, "should appear")
}

func TestInitializeIsIdempotent(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	first := &syncBuffer{}
	second := &syncBuffer{}
	Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "a"}, first)
	Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "b"}, second)

	GetLogger().Info("routed once")
	assert.Contains(t, first.String(), "routed once")
	assert.Empty(t, second.String())
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	buf := &syncBuffer{}
	Initialize(config.LoggerConfig{Level: "nonsense", Format: "json", ServiceName: "unlock-cli"}, buf)

	GetLogger().Debug("debug hidden at info")
	GetLogger().Info("info visible")

	out := buf.String()
	assert.NotContains(t, out, "debug hidden at info")
	assert.Contains(t, out, "info visible")
}

// zapcore.WriteSyncer conformance.
var _ zapcore.WriteSyncer = (*syncBuffer)(nil)
