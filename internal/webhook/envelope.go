// Package webhook defines the durable records that flow through the
// ingestion pipeline and worker framework: the envelope placed on the
// broker, its dead-lettered counterpart, and the HTTP acknowledgment DTO.
package webhook

import (
	"encoding/json"
	"time"
)

// CompressionAlgorithm names the codec used for an envelope's compressed
// payload. LZ4 is declared for wire compatibility but not produced by
// this implementation's Compressor (see SPEC_FULL.md §4.4).
type CompressionAlgorithm string

const (
	CompressionNone CompressionAlgorithm = ""
	CompressionGzip CompressionAlgorithm = "gzip"
	CompressionLZ4  CompressionAlgorithm = "lz4"
	CompressionZstd CompressionAlgorithm = "zstd"
)

// UserAgentInfo is the parsed breakdown of a request's User-Agent header.
type UserAgentInfo struct {
	Raw           string `json:"raw"`
	Browser       string `json:"browser"`
	BrowserVer    string `json:"browser_version"`
	OS            string `json:"os"`
	OSVersion     string `json:"os_version"`
	DeviceType    string `json:"device_type"`
	IsBot         bool   `json:"is_bot"`
}

// EnrichedMetadata is the metadata C3 attaches to every envelope.
type EnrichedMetadata struct {
	RequestID       string        `json:"request_id"`
	ReceivedAtNanos int64         `json:"received_at_nanos"`
	RequestSize     int           `json:"request_size"`
	UserAgent       UserAgentInfo `json:"user_agent"`
}

// Envelope is the durable record of a received webhook, immutable after
// construction. Payload preserves byte-exact JSON semantics: no field of
// this type is ever used to transform the original body.
type Envelope struct {
	EventID           string               `json:"event_id"`
	ProviderName      string               `json:"provider_name"`
	Payload           json.RawMessage      `json:"payload,omitempty"`
	CompressedPayload []byte               `json:"compressed_payload,omitempty"`
	Compressed        bool                 `json:"compressed"`
	Algorithm         CompressionAlgorithm `json:"algorithm,omitempty"`
	Headers           map[string]string    `json:"headers"`
	QueryParams       map[string]string    `json:"query_params"`
	ReceivedAt        time.Time            `json:"received_at"`
	SourceIP          string               `json:"source_ip"`
	HTTPMethod        string               `json:"http_method"`
	CorrelationID     string               `json:"correlation_id,omitempty"`
	EnrichedMetadata  EnrichedMetadata     `json:"enriched_metadata"`
}

// RejectionCategory mirrors errs.Category for wire serialization without
// importing the errs package's error-wrapping machinery into the data
// model.
type RejectionCategory string

const (
	RejectionValidation    RejectionCategory = "VALIDATION_FAILURE"
	RejectionProcessing    RejectionCategory = "PROCESSING_FAILURE"
	RejectionTimeout       RejectionCategory = "TIMEOUT_FAILURE"
	RejectionUnrecoverable RejectionCategory = "UNRECOVERABLE_ERROR"
	RejectionRateLimited   RejectionCategory = "RATE_LIMIT_EXCEEDED"
	RejectionOther         RejectionCategory = "OTHER"
)

// RejectedEvent is the DLQ record: a superset of Envelope plus rejection
// metadata.
type RejectedEvent struct {
	Envelope
	RejectedAt        time.Time         `json:"rejected_at"`
	RejectionReason   string            `json:"rejection_reason"`
	RejectionCategory RejectionCategory `json:"rejection_category"`
	ErrorDetails      string            `json:"error_details,omitempty"`
	RetryCount        *int              `json:"retry_count,omitempty"`
	ExceptionType     string            `json:"exception_type,omitempty"`
}

// AckStatus is the outcome reported to the webhook caller.
type AckStatus string

const (
	AckAccepted AckStatus = "ACCEPTED"
	AckError    AckStatus = "ERROR"
	AckRejected AckStatus = "REJECTED"
)

// AckMetadata carries the processing details echoed alongside an Ack.
type AckMetadata struct {
	Destination     string  `json:"destination"`
	SourceIP        string  `json:"source_ip"`
	HTTPMethod      string  `json:"http_method"`
	PayloadSize     int     `json:"payload_size"`
	HeaderCount     int     `json:"header_count"`
	ResponseTimeMs  *int64  `json:"response_time_ms,omitempty"`
	CorrelationID   string  `json:"correlation_id,omitempty"`
}

// Ack is the HTTP response DTO returned from POST /api/v1/webhook/{provider}.
type Ack struct {
	EventID         string          `json:"event_id"`
	Status          AckStatus       `json:"status"`
	Message         string          `json:"message"`
	ReceivedAt      time.Time       `json:"received_at"`
	ProcessedAt     time.Time       `json:"processed_at"`
	ProviderName    string          `json:"provider_name"`
	ReceivedPayload json.RawMessage `json:"received_payload,omitempty"`
	Metadata        AckMetadata     `json:"metadata"`
}
