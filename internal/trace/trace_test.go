package trace

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromHTTPHeaders(t *testing.T) {
	t.Run("Should use provided B3 headers when present", func(t *testing.T) {
		h := http.Header{}
		h.Set(HeaderTraceID, "abc123")
		h.Set(HeaderSpanID, "def456")
		h.Set(HeaderRequestID, "req-1")

		c := FromHTTPHeaders(h)

		assert.Equal(t, "abc123", c.TraceID)
		assert.Equal(t, "def456", c.SpanID)
		assert.Equal(t, "req-1", c.RequestID)
	})

	t.Run("Should generate identifiers when headers are absent", func(t *testing.T) {
		c := FromHTTPHeaders(http.Header{})

		assert.Len(t, c.TraceID, 32)
		assert.Len(t, c.SpanID, 16)
		assert.NotEmpty(t, c.RequestID)
	})
}

func TestInjectHeaders_RoundTrip(t *testing.T) {
	t.Run("Should round-trip a Context through message headers", func(t *testing.T) {
		original := Context{TraceID: "t1", SpanID: "s1", RequestID: "r1"}

		h := map[string]string{}
		original.InjectHeaders(h)
		roundTripped := FromMessageHeaders(h)

		assert.Equal(t, original, roundTripped)
	})
}

func TestContextRoundTrip(t *testing.T) {
	t.Run("Should return the bound trace context", func(t *testing.T) {
		c := Context{TraceID: "t1", SpanID: "s1", RequestID: "r1"}
		ctx := ContextWithTrace(t.Context(), c)

		require.Equal(t, c, FromContext(ctx))
	})

	t.Run("Should generate a fresh context when none is bound", func(t *testing.T) {
		c := FromContext(t.Context())
		assert.Len(t, c.TraceID, 32)
	})
}
