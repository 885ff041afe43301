package webhook

import (
	"encoding/json"
	"sort"

	"github.com/google/uuid"
)

// namespaceUUID is the stable namespace constant this system uses to
// derive worker-side deduplication keys via UUIDv5. It has no meaning
// beyond being fixed across all deployments so the same (provider,
// payload id) pair always derives the same key.
var namespaceUUID = uuid.MustParse("6f1c6b0e-6e2e-4f0a-9d1e-8a6b2c3d4e5f")

// ContentKey derives the worker-side deduplication key for payload under
// provider, per SPEC_FULL.md §3: UUIDv5(namespace=provider, name=id) when
// the payload exposes a top-level "id", else UUIDv5 over the canonicalized
// payload bytes. Callers should fall back to the envelope's event_id only
// if this returns an error.
func ContentKey(provider string, payload json.RawMessage) (string, error) {
	providerNS := uuid.NewSHA1(namespaceUUID, []byte(provider))

	if id, ok := extractID(payload); ok {
		return uuid.NewSHA1(providerNS, []byte(id)).String(), nil
	}

	canonical, err := canonicalize(payload)
	if err != nil {
		return "", err
	}
	return uuid.NewSHA1(providerNS, canonical).String(), nil
}

func extractID(payload json.RawMessage) (string, bool) {
	if len(payload) == 0 {
		return "", false
	}
	var tree map[string]json.RawMessage
	if err := json.Unmarshal(payload, &tree); err != nil {
		return "", false
	}
	raw, ok := tree["id"]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	// Numeric or other scalar ids: use their raw JSON text verbatim.
	return string(raw), true
}

// canonicalize produces a deterministic byte representation of payload by
// recursively sorting object keys lexicographically at every level, so
// two JSON-equivalent trees serialized in different key order derive the
// same content key.
func canonicalize(payload json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return json.Marshal(canonicalizeValue(v))
}

func canonicalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			out = append(out, kv{k: k, v: canonicalizeValue(val[k])})
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = canonicalizeValue(item)
		}
		return out
	default:
		return val
	}
}

type kv struct {
	k string
	v any
}

// orderedMap marshals as a JSON object preserving insertion order, which
// canonicalizeValue has already sorted lexicographically.
type orderedMap []kv

func (m orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, pair := range m {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, err := json.Marshal(pair.k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(pair.v)
		if err != nil {
			return nil, err
		}
		buf = append(buf, key...)
		buf = append(buf, ':')
		buf = append(buf, val...)
	}
	buf = append(buf, '}')
	return buf, nil
}
