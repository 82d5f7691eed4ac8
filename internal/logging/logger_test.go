// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, line string) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &entry), "line: %s", line)
	return entry
}

// =====================================================
// Level Handling
// =====================================================

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		"warn":    LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestLogger_filtering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("debug")
	logger.Info("info")
	assert.Empty(t, buf.String())

	logger.Warn("warn")
	entry := decodeLine(t, strings.TrimSpace(buf.String()))
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, "warn", entry["message"])
}

// =====================================================
// Entry Format
// =====================================================

func TestLogger_Info_withContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	logger.Info("queued", map[string]interface{}{"entity_type": "fees", "entity_id": "f1"})

	entry := decodeLine(t, strings.TrimSpace(buf.String()))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "queued", entry["message"])
	assert.Equal(t, "fees", entry["entity_type"])
	assert.Equal(t, "f1", entry["entity_id"])
	assert.NotEmpty(t, entry["timestamp"])
}

func TestLogger_Error(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Error("save failed", errors.New("disk full"))

	entry := decodeLine(t, strings.TrimSpace(buf.String()))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "disk full", entry["error"])
}

// TestLogger_ErrorWithCode verifies error logging with code.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	ctx := map[string]interface{}{"operation_id": "op-1"}
	logger.ErrorWithCode("dispatch failed", "SYNC_FAILED", errors.New("boom"), ctx)

	entry := decodeLine(t, strings.TrimSpace(buf.String()))
	assert.Equal(t, "SYNC_FAILED", entry["error_code"])
	assert.Equal(t, "op-1", entry["operation_id"])
	assert.Equal(t, "boom", entry["error"])
	_, mutated := ctx["error_code"]
	assert.False(t, mutated, "caller context must not be modified")
}

func TestLogger_getContext_multiple(t *testing.T) {
	logger := New(&bytes.Buffer{}, LevelInfo)

	assert.Nil(t, logger.getContext())
	merged := logger.getContext(map[string]interface{}{"a": 1}, map[string]interface{}{"b": 2, "a": 3})
	assert.Equal(t, map[string]interface{}{"a": 3, "b": 2}, merged)
}

func TestLogger_concurrentLogging(t *testing.T) {
	var buf syncBuffer
	logger := New(&buf, LevelInfo)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.Info("line", map[string]interface{}{"i": i})
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 20)
	for _, line := range lines {
		decodeLine(t, line)
	}
}

// =====================================================
// Global Logger
// =====================================================

func TestGlobal_initOnce(t *testing.T) {
	mu.Lock()
	global = nil
	mu.Unlock()
	once = sync.Once{}

	var first, second bytes.Buffer
	Init(&first, LevelInfo)
	Init(&second, LevelDebug)

	Info("hello")
	ErrorWithCode("bad", "INTERNAL_ERROR", errors.New("x"))

	assert.Contains(t, first.String(), "hello")
	assert.Contains(t, first.String(), "INTERNAL_ERROR")
	assert.Empty(t, second.String())
	assert.Equal(t, LevelInfo, Get().minLevel)
}

func TestAddHook(t *testing.T) {
	mu.Lock()
	global = nil
	mu.Unlock()
	once = sync.Once{}

	var buf bytes.Buffer
	Init(&buf, LevelInfo)
	hook := new(test.Hook)
	AddHook(hook)

	Debug("hidden")
	Warn("seen", map[string]interface{}{"count": 2})

	require.Len(t, hook.AllEntries(), 1)
	entry := hook.LastEntry()
	assert.Equal(t, "seen", entry.Message)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, 2, entry.Data["count"])
	assert.Contains(t, buf.String(), "seen")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
