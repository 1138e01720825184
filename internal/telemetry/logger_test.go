package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactMasksSecretValues(t *testing.T) {
	out := redact([]any{"run_id", "r1", "api_key", "sk-123", "refresh_token", "rt_x", "odd"})
	assert.Equal(t, []any{"run_id", "r1", "api_key", "[REDACTED]", "refresh_token", "[REDACTED]", "odd"}, out)
}

func TestNopLoggerDoesNotPanic(t *testing.T) {
	l := NewNop().With("component", "test")
	l.Info("hello", "k", 1)
	l.Sync()
}
