package app

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&Config{AppEnv: "production", LogFormat: "json", StoreDriver: StoreSQLite}, &buf)
	logger.Debug("hidden")
	logger.Info("sale recorded")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "sale recorded", line["msg"])
	require.Equal(t, "production", line["env"])
	require.Equal(t, "sqlite", line["store"])
}

func TestNewLoggerDebugOutsideProduction(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&Config{AppEnv: "development"}, &buf).Debug("lock wait")
	require.Contains(t, buf.String(), "lock wait")
}

func TestTestModeFlag(t *testing.T) {
	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	require.True(t, InTestMode())

	t.Setenv(testModeEnv, "")
	RefreshTestMode()
	require.False(t, InTestMode())
}
