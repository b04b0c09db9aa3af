package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetOutputLevels(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, zerolog.InfoLevel)
	t.Cleanup(func() { SetOutput(&bytes.Buffer{}, zerolog.Disabled) })

	LogDebug("hidden")
	LogInfo("patched", "name", "tab", "offset", 3)
	LogError(errors.New("boom"), "hook failed", "target", "IsOS")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var info map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &info))
	assert.Equal(t, "info", info["level"])
	assert.Equal(t, "patched", info["message"])
	assert.Equal(t, "tab", info["name"])
	assert.Equal(t, float64(3), info["offset"])

	var failed map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &failed))
	assert.Equal(t, "boom", failed["error"])
	assert.Equal(t, "IsOS", failed["target"])
}

func TestConsoleWriterPrefix(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(consoleWriter(&buf))
	l.Warn().Msg("bosskey unavailable")
	assert.Contains(t, buf.String(), Prefix)
	assert.Contains(t, buf.String(), "bosskey unavailable")
}

func TestInitializeDebugWritesFile(t *testing.T) {
	dir := t.TempDir()
	Initialize(dir, true)
	LogDebug("loader started", "pid", 1)
	require.NoError(t, Close())
	t.Cleanup(func() { SetOutput(&bytes.Buffer{}, zerolog.Disabled) })

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "loader started")
	assert.Equal(t, zerolog.DebugLevel, Logger().GetLevel())

	Initialize(dir, false)
	assert.Equal(t, zerolog.InfoLevel, Logger().GetLevel())
	assert.NoError(t, Close())
}
