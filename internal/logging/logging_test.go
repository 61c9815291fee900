package logging

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
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSetup_ConsoleLevel(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger, closeFn, err := Setup(Options{Writer: &buf, Level: "warn", NoColor: true})
	require.NoError(t, err)
	defer closeFn()

	logger.Info("hidden")
	logger.Warn("shown", "profile", "Vanilla")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "profile=Vanilla")
}

func TestSetup_FileHandler(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	dir := t.TempDir()
	var buf bytes.Buffer
	logger, closeFn, err := Setup(Options{Writer: &buf, Level: "error", NoColor: true, Dir: dir})
	require.NoError(t, err)

	logger.Debug("debug to file only", "hash", "abc")
	require.NoError(t, closeFn())

	assert.Empty(t, buf.String(), "console should filter below error")

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)

	line := strings.TrimSpace(string(data))
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &rec))
	assert.Equal(t, "debug to file only", rec["msg"])
	assert.Equal(t, "abc", rec["hash"])
}

func TestSetup_InvalidLevel(t *testing.T) {
	_, _, err := Setup(Options{Level: "loud"})
	assert.Error(t, err)
}

func TestSetup_AttrsReachEverySink(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	dir := t.TempDir()
	var buf bytes.Buffer
	logger, closeFn, err := Setup(Options{Writer: &buf, Level: "info", NoColor: true, Dir: dir})
	require.NoError(t, err)

	logger.With("profile", "Vanilla").WithGroup("build").Info("runtime build completed", "files", 3)
	require.NoError(t, closeFn())

	assert.Contains(t, buf.String(), "profile=Vanilla")
	assert.Contains(t, buf.String(), "build.files=3")

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.Equal(t, "Vanilla", rec["profile"])
	assert.Equal(t, map[string]any{"files": float64(3)}, rec["build"])
}
