package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.log")
	log, err := New(Config{Level: "warn", OutputFile: path, Fields: map[string]string{"node": "n1"}})
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("kept")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	require.Equal(t, "kept", record["msg"])
	require.Equal(t, "WARN", record["level"])
	require.Equal(t, DefaultService, record["service"])
	require.Equal(t, "n1", record["node"])
}

func TestNew_ServiceAndLevelFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.log")
	log, err := New(Config{Level: "chatty", Format: "console", OutputFile: path, Service: "gojogrid-cli"})
	require.NoError(t, err)
	log.Debug("hidden")
	log.Info("shown")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "hidden")
	require.Contains(t, string(data), "shown")
	require.Contains(t, string(data), "gojogrid-cli")
}

func TestNew_BadOutput(t *testing.T) {
	_, err := New(Config{OutputFile: filepath.Join(t.TempDir(), "missing", "grid.log")})
	require.Error(t, err)
}
