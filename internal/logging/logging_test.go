package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel(" error "))
	assert.Equal(t, zapcore.InfoLevel, parseLevel(""))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}

func TestNopLogger(t *testing.T) {
	l := NewNop().With("component", "test")
	assert.NotPanics(t, func() {
		l.Debug("debug", "k", 1)
		l.Info("info")
		l.Warn("warn", "k", "v")
		l.Error("error", "error", assert.AnError)
	})
}
