package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "warn", "json")

	l.Info("dropped")
	l.Warn("kept", "topic", "fleet_items")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "fleet_items", entry["topic"])
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "debug", "text")
	l.Debug("hello", "k", "v")

	assert.Contains(t, buf.String(), "level=DEBUG")
	assert.Contains(t, buf.String(), "msg=hello")
	assert.Contains(t, buf.String(), "k=v")
}

func TestHelpers(t *testing.T) {
	var buf bytes.Buffer
	mu.Lock()
	prev := defaultLogger
	defaultLogger = New(&buf, "debug", "json")
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		defaultLogger = prev
		mu.Unlock()
	})

	decode := func() map[string]any {
		t.Helper()
		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		buf.Reset()
		return entry
	}

	WithComponent("cache").Info("entry stored")
	assert.Equal(t, "cache", decode()["component"])

	DatabaseResult("FetchFleet", 3, nil)
	entry := decode()
	assert.Equal(t, "DEBUG", entry["level"])
	assert.EqualValues(t, 3, entry["rows_affected"])

	DatabaseResult("DeleteFleetItem", 0, errors.New("in use"))
	entry = decode()
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "in use", entry["error"])

	ChannelEvent("rental_requests", "closed", errors.New("eof"))
	entry = decode()
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "rental_requests", entry["topic"])

	ChannelEvent("fleet_items", "subscribed", nil)
	assert.Equal(t, "DEBUG", decode()["level"])
}
