// Package observability exposes the metrics of the job queue, valves and
// reclaimer through OpenTelemetry with a Prometheus exporter.
package observability

import (
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

const (
	attrSuccess = "success"
	attrReason  = "reason"
	attrOutcome = "outcome"
)

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// reasonAttr keeps only the first word of an expiry reason, so free-form
// reasons do not explode cardinality.
func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String(attrReason, normalizeReason(reason))
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func normalizeReason(reason string) string {
	reason = strings.ToLower(strings.TrimSpace(reason))
	if reason == "" {
		return "unknown"
	}
	if i := strings.IndexAny(reason, " :,."); i > 0 {
		reason = reason[:i]
	}
	return reason
}

func exitAttr(exit int) attribute.KeyValue {
	return attribute.Int("exit", exit)
}
