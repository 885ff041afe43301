package webhook

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentKey(t *testing.T) {
	t.Run("Should derive the same key from the payload id regardless of envelope event id", func(t *testing.T) {
		payload := json.RawMessage(`{"id":"evt_1","type":"payment_intent.succeeded"}`)

		k1, err := ContentKey("stripe", payload)
		require.NoError(t, err)
		k2, err := ContentKey("stripe", payload)
		require.NoError(t, err)

		assert.Equal(t, k1, k2)
	})

	t.Run("Should derive different keys for different providers with the same id", func(t *testing.T) {
		payload := json.RawMessage(`{"id":"evt_1"}`)

		stripeKey, err := ContentKey("stripe", payload)
		require.NoError(t, err)
		githubKey, err := ContentKey("github", payload)
		require.NoError(t, err)

		assert.NotEqual(t, stripeKey, githubKey)
	})

	t.Run("Should derive the same key regardless of object key order when no id is present", func(t *testing.T) {
		a := json.RawMessage(`{"type":"x","data":{"amount":1,"currency":"usd"}}`)
		b := json.RawMessage(`{"data":{"currency":"usd","amount":1},"type":"x"}`)

		keyA, err := ContentKey("stripe", a)
		require.NoError(t, err)
		keyB, err := ContentKey("stripe", b)
		require.NoError(t, err)

		assert.Equal(t, keyA, keyB)
	})

	t.Run("Should derive different keys for different content when no id is present", func(t *testing.T) {
		a := json.RawMessage(`{"type":"x"}`)
		b := json.RawMessage(`{"type":"y"}`)

		keyA, err := ContentKey("stripe", a)
		require.NoError(t, err)
		keyB, err := ContentKey("stripe", b)
		require.NoError(t, err)

		assert.NotEqual(t, keyA, keyB)
	})

	t.Run("Should error on malformed payload with no id", func(t *testing.T) {
		_, err := ContentKey("stripe", json.RawMessage(`not json`))
		assert.Error(t, err)
	})
}
