package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateIdle, StateAwaitingPermission, StateRunning} {
		assert.False(t, s.Terminal(), s.String())
	}
	for _, s := range []State{StateMatched, StateFailed, StateCancelled} {
		assert.True(t, s.Terminal(), s.String())
	}
	assert.Equal(t, "awaiting_permission", StateAwaitingPermission.String())
	assert.Equal(t, "unknown", State(99).String())
}
