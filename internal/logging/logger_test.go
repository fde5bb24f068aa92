package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_ValidLevels(t *testing.T) {
	for _, level := range []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL", "bogus"} {
		l, err := New(level, "binarymm-test")
		require.NoError(t, err)
		require.NotNil(t, l)
	}
}

func TestWithField_ReturnsDistinctLogger(t *testing.T) {
	base := NewNop()
	child := base.WithField("component", "executor")
	require.NotNil(t, child)
	require.NotSame(t, base, child)
}

func TestWithFields_DoesNotPanicOnEmptyMap(t *testing.T) {
	base := NewNop()
	require.NotPanics(t, func() {
		base.WithFields(map[string]interface{}{})
		base.Info("no fields")
	})
}
