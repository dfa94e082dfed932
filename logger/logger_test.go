package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestForNamesComponent(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	Set(zap.New(core))
	t.Cleanup(func() { Set(zap.NewNop()) })

	For("pool").Info("session reopened", zap.Int("n", 2))
	S().Infow("sugared", "k", "v")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "pool", entries[0].LoggerName)
	assert.Equal(t, int64(2), entries[0].ContextMap()["n"])
	assert.Equal(t, "v", entries[1].ContextMap()["k"])
}

func TestInitRejectsBadLevel(t *testing.T) {
	assert.Error(t, InitProduction("loud"))
	require.NoError(t, InitDevelopment("debug"))
	assert.True(t, Log().Core().Enabled(zapcore.DebugLevel))
	Set(zap.NewNop())
}
