package dlq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFilter(t *testing.T) {
	t.Run("Should reject an expression with invalid CEL syntax", func(t *testing.T) {
		_, err := NewFilter("metadata.source_ip ==")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "CEL")
	})

	t.Run("Should compile a well-formed expression", func(t *testing.T) {
		f, err := NewFilter(`metadata.rejection_category == "VALIDATION_FAILURE"`)
		require.NoError(t, err)
		assert.NotNil(t, f)
	})
}

func TestFilter_Allow(t *testing.T) {
	t.Run("Should return true when the predicate matches the metadata", func(t *testing.T) {
		f, err := NewFilter(`metadata.rejection_category == "VALIDATION_FAILURE"`)
		require.NoError(t, err)
		allowed, err := f.Allow(map[string]any{"rejection_category": "VALIDATION_FAILURE"})
		require.NoError(t, err)
		assert.True(t, allowed)
	})

	t.Run("Should return false when the predicate does not match", func(t *testing.T) {
		f, err := NewFilter(`metadata.rejection_category == "VALIDATION_FAILURE"`)
		require.NoError(t, err)
		allowed, err := f.Allow(map[string]any{"rejection_category": "TIMEOUT_FAILURE"})
		require.NoError(t, err)
		assert.False(t, allowed)
	})

	t.Run("Should error when the expression does not evaluate to a bool", func(t *testing.T) {
		f, err := NewFilter(`metadata.rejection_category`)
		require.NoError(t, err)
		_, err = f.Allow(map[string]any{"rejection_category": "VALIDATION_FAILURE"})
		require.Error(t, err)
	})

	t.Run("Should support excluding a provider's noisy rejection category", func(t *testing.T) {
		f, err := NewFilter(`metadata.rejection_category != "RATE_LIMIT_EXCEEDED"`)
		require.NoError(t, err)

		allowed, err := f.Allow(map[string]any{"rejection_category": "RATE_LIMIT_EXCEEDED"})
		require.NoError(t, err)
		assert.False(t, allowed)

		allowed, err = f.Allow(map[string]any{"rejection_category": "VALIDATION_FAILURE"})
		require.NoError(t, err)
		assert.True(t, allowed)
	})
}
