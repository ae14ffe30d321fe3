package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	log, err := New("warn")
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, log.Core().Enabled(zapcore.ErrorLevel))
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("verbose")
	assert.Error(t, err)
	_, err = NewConsole("loud")
	assert.Error(t, err)
}
