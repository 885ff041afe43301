// Package compressor implements component C4: optional payload compression
// above a size threshold, with the inverse decompression used by workers.
package compressor

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/hookrelay/hookrelay/internal/webhook"
	"github.com/hookrelay/hookrelay/pkg/config"
	"github.com/klauspost/compress/zstd"
)

// Compressor mutates an Envelope's payload in place: when enabled and the
// payload is at least MinSize bytes, it clears Payload and populates CompressedPayload/Algorithm; below it,
// the envelope is left untouched.
type Compressor struct {
	enabled   bool
	minSize   int
	algorithm webhook.CompressionAlgorithm
}

// New builds a Compressor from cfg. An unrecognized algorithm falls back
// to gzip, the one codec guaranteed to round-trip with the stdlib alone.
func New(cfg config.CompressionConfig) *Compressor {
	algo := webhook.CompressionGzip
	if cfg.Algorithm == string(webhook.CompressionZstd) {
		algo = webhook.CompressionZstd
	}
	return &Compressor{enabled: cfg.Enabled, minSize: cfg.MinSize, algorithm: algo}
}

// Compress compresses env.Payload into env.CompressedPayload when enabled
// and len(env.Payload) >= min_size, recording the before/after size so the
// caller can feed a compression-ratio histogram (C15).
func (c *Compressor) Compress(env *webhook.Envelope) (ratio float64, err error) {
	if !c.enabled || len(env.Payload) < c.minSize {
		return 1.0, nil
	}
	original := len(env.Payload)
	compressed, err := encode(c.algorithm, env.Payload)
	if err != nil {
		return 1.0, fmt.Errorf("compress payload: %w", err)
	}
	env.CompressedPayload = compressed
	env.Payload = nil
	env.Compressed = true
	env.Algorithm = c.algorithm
	if original == 0 {
		return 1.0, nil
	}
	return float64(len(compressed)) / float64(original), nil
}

// Decompress restores env.Payload from env.CompressedPayload when the
// envelope reports Compressed=true, clearing the compressed form.
func Decompress(env *webhook.Envelope) error {
	if !env.Compressed {
		return nil
	}
	payload, err := decode(env.Algorithm, env.CompressedPayload)
	if err != nil {
		return fmt.Errorf("decompress payload: %w", err)
	}
	env.Payload = payload
	env.CompressedPayload = nil
	env.Compressed = false
	return nil
}

func encode(algo webhook.CompressionAlgorithm, payload []byte) ([]byte, error) {
	switch algo {
	case webhook.CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(payload, nil), nil
	case webhook.CompressionGzip, "":
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm %q", algo)
	}
}

func decode(algo webhook.CompressionAlgorithm, payload []byte) ([]byte, error) {
	switch algo {
	case webhook.CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(payload, nil)
	case webhook.CompressionGzip, "":
		r, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("unsupported compression algorithm %q", algo)
	}
}
