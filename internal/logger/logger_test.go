package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, "": slog.LevelInfo, "WARN": slog.LevelWarn, "error": slog.LevelError}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("verbose")
	require.Error(t, err)
}

func TestJSONLoggerHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	l := Config{Slog: SlogConfig{Level: LevelWarn, Format: FormatJSON}}.NewSloggerTo(&buf)
	l.Info("hidden")
	l.Warn("recovery action", "action", "restart", "target", "api")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "restart", rec["action"])
	_, hasTime := rec["time"]
	assert.False(t, hasTime, "timestamps off by default")
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	l := Config{Slog: SlogConfig{Color: true}}.NewSloggerTo(&buf)
	l.With("service", "api").Error("restart failed")
	out := buf.String()
	assert.Contains(t, out, "ERROR")
	assert.Contains(t, out, "restart failed")
	assert.Contains(t, out, "service=api")
}

func TestWriterRotatesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "healer.log")
	cfg := Config{File: FileConfig{Path: path}}
	w := cfg.Writer()
	ljw, ok := w.(*lj.Logger)
	require.True(t, ok)
	assert.Equal(t, DefaultMaxSizeMB, ljw.MaxSize)
	assert.Equal(t, DefaultMaxBackups, ljw.MaxBackups)

	cfg.NewSloggerTo(w).Info("cycle done")
	require.NoError(t, ljw.Close())
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "cycle done")

	assert.Equal(t, os.Stderr, Config{}.Writer())
}
