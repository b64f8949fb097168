package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{"ENV", "GO_ENV", "ENVIRONMENT", "APP_ENV", "KUBERNETES_SERVICE_HOST", "LOG_LEVEL", "LOG_FORMAT"} {
		t.Setenv(k, "")
	}
}

func TestEnvironmentName(t *testing.T) {
	t.Run("should default to development", func(t *testing.T) {
		clearEnv(t)
		assert.Equal(t, "development", EnvironmentName())
		assert.False(t, IsProduction())
	})

	t.Run("should detect kubernetes as production", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("KUBERNETES_SERVICE_HOST", "10.0.0.1")
		assert.Equal(t, "kubernetes", EnvironmentName())
		assert.True(t, IsProduction())
	})

	t.Run("should prefer explicit env", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("APP_ENV", "production")
		assert.True(t, IsProduction())
	})
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("", false))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("", true))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warning", false))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("ERROR", false))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose", false))
}

func TestNew(t *testing.T) {
	clearEnv(t)
	logger, err := New(Config{Level: "warn", Format: "json", Name: "matching"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}
