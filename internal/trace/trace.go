// Package trace propagates B3 correlation identifiers across the
// HTTP → broker → worker boundary (component C16).
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
)

const (
	HeaderTraceID     = "X-B3-TraceId"
	HeaderSpanID      = "X-B3-SpanId"
	HeaderRequestID   = "X-Request-ID"
)

// Context is the correlation triple bound to a request/message for the
// lifetime of its processing.
type Context struct {
	TraceID   string
	SpanID    string
	RequestID string
}

// FromHTTPHeaders extracts a Context from incoming HTTP headers, generating
// any missing identifier.
func FromHTTPHeaders(h http.Header) Context {
	return Context{
		TraceID:   firstNonEmpty(h.Get(HeaderTraceID), newTraceID()),
		SpanID:    firstNonEmpty(h.Get(HeaderSpanID), newSpanID()),
		RequestID: firstNonEmpty(h.Get(HeaderRequestID), newSpanID()),
	}
}

// FromMessageHeaders extracts a Context from broker message headers,
// generating any missing identifier. Workers use this to rebind the same
// trace-id a webhook arrived with so logs correlate end to end.
func FromMessageHeaders(h map[string]string) Context {
	return Context{
		TraceID:   firstNonEmpty(h[HeaderTraceID], newTraceID()),
		SpanID:    firstNonEmpty(h[HeaderSpanID], newSpanID()),
		RequestID: firstNonEmpty(h[HeaderRequestID], newSpanID()),
	}
}

// InjectHeaders copies c into a broker message header map.
func (c Context) InjectHeaders(h map[string]string) {
	h[HeaderTraceID] = c.TraceID
	h[HeaderSpanID] = c.SpanID
	h[HeaderRequestID] = c.RequestID
}

// InjectHTTPHeaders copies c into outgoing HTTP response headers.
func (c Context) InjectHTTPHeaders(h http.Header) {
	h.Set(HeaderTraceID, c.TraceID)
	h.Set(HeaderSpanID, c.SpanID)
	h.Set(HeaderRequestID, c.RequestID)
}

type ctxKey int

const traceCtxKey ctxKey = iota

// ContextWithTrace binds c into ctx for downstream retrieval.
func ContextWithTrace(ctx context.Context, c Context) context.Context {
	return context.WithValue(ctx, traceCtxKey, c)
}

// FromContext returns the Context bound to ctx, or a freshly generated one
// if none is present.
func FromContext(ctx context.Context) Context {
	if ctx != nil {
		if c, ok := ctx.Value(traceCtxKey).(Context); ok {
			return c
		}
	}
	return Context{TraceID: newTraceID(), SpanID: newSpanID(), RequestID: newSpanID()}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func newTraceID() string { return randomHex(16) }
func newSpanID() string  { return randomHex(8) }

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString(b) // zero-filled on the rare rand failure
	}
	return hex.EncodeToString(b)
}
