package logging

import (
	"os"
	"path/filepath"
	"testing"

	"bms-test-gateway/internal/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, lvl)

	_, err = ParseLevel("TRACE")
	assert.Error(t, err)
}

func TestInit_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	console := false

	closer, err := Init(&config.LogConfig{Path: path, Level: "INFO", Console: &console})
	require.NoError(t, err)

	logger := Component("test")
	logger.Info().Msg("日志初始化完成")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"test"`)
	assert.Contains(t, string(data), "日志初始化完成")
}
