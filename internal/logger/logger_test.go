package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewModes(t *testing.T) {
	for _, mode := range []string{"dev", "PROD", "production", ""} {
		l, err := New(mode)
		require.NoError(t, err, mode)
		require.NotNil(t, l.SugaredLogger, mode)
	}

	prod, err := New("prod")
	require.NoError(t, err)
	assert.False(t, prod.SugaredLogger.Desugar().Core().Enabled(zapcore.DebugLevel))

	dev, err := New("dev")
	require.NoError(t, err)
	assert.True(t, dev.SugaredLogger.Desugar().Core().Enabled(zapcore.DebugLevel))
}

func TestWithCarriesFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := &Logger{SugaredLogger: zap.New(core).Sugar()}

	svc := l.With("service", "ChatService")
	svc.Warn("Failed to delete session", "participantId", "42")
	l.Info("Starting server")

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, map[string]interface{}{"service": "ChatService", "participantId": "42"}, entries[0].ContextMap())
	assert.Empty(t, entries[1].ContextMap())
}

func TestNopDiscards(t *testing.T) {
	l := Nop()
	l.Error("ignored", "k", "v")
	l.Sync()
}
