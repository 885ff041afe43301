// Package metrics implements component C15: the OpenTelemetry instruments
// named in spec §4.15, bridged to a Prometheus exposition endpoint.
package metrics

import "strings"

// MetricPrefix namespaces every instrument this package registers.
const MetricPrefix = "hookrelay_"

// Name returns name normalized to lowercase with separator characters
// collapsed to underscores and prefixed with MetricPrefix, so spec §4.15's
// dotted names (e.g. "webhooks.received") become valid OTel/Prometheus
// identifiers (hookrelay_webhooks_received).
func Name(name string) string {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '.', '-', '/', ':':
			return '_'
		default:
			return r
		}
	}, strings.TrimSpace(name))
	clean = strings.ToLower(clean)
	if clean == "" {
		return MetricPrefix
	}
	if strings.HasPrefix(clean, MetricPrefix) {
		return clean
	}
	return MetricPrefix + clean
}
