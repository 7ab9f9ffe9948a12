package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/devrev/tabsync/internal/config"
)

func TestNew(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "debug", Format: "console", Output: "stderr"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = New(config.LoggingConfig{Level: "warn"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestNew_UnknownLevel(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
}
