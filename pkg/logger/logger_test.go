package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitWritesJSONToFile(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "logs", "mosaic.log")
	require.NoError(t, Init(Config{Level: "debug", OutputPaths: []string{out}}))

	ForRun("coordinator", "run-1").Info("hire recorded")
	require.NoError(t, Sync())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry))
	require.Equal(t, "hire recorded", entry["msg"])
	require.Equal(t, "coordinator", entry["component"])
	require.Equal(t, "run-1", entry["run_id"])
}

func TestAuditRequiresPath(t *testing.T) {
	err := Init(Config{Audit: AuditConfig{Enabled: true}})
	require.Error(t, err)
}

func TestAuditWritesThroughRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	require.NoError(t, Init(Config{OutputPaths: []string{"stderr"}, Audit: AuditConfig{Enabled: true, Path: path}}))

	Audit().Info("payment", "amount", 500000)
	require.NoError(t, Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"stream":"audit"`)
}
