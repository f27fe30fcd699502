package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitbucket_jenkins_integ/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel(" warning "))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	slog.New(NewHandler(&buf, "json", "info")).Info("hello", slog.String("job", "app"))
	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.Contains(t, buf.String(), `"job":"app"`)

	buf.Reset()
	logger := slog.New(NewHandler(&buf, "text", "warn"))
	logger.Info("dropped")
	logger.Warn("kept")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "msg=kept")
}

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.log")
	logger, closer := New(config.LoggingConfig{Level: "info", Format: "text", File: path, MaxSizeMB: 1})
	logger.Info("to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}
