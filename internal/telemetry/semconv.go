package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for synctrack telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// Sync attributes
	AttrCategory = attribute.Key("sync.category")
	AttrResult   = attribute.Key("result")
	AttrVerb     = attribute.Key("http.verb")

	// Ingestion attributes
	AttrFeed        = attribute.Key("ingest.feed")
	AttrBatchStatus = attribute.Key("batch.status")

	// Environment attribute
	AttrEnvironment = attribute.Key("environment")

	// Error attributes
	AttrErrorKind = attribute.Key("error.kind")
	AttrReason    = attribute.Key("reason")
)

// Result values
const (
	ResultSynced    = "synced"
	ResultUnchanged = "unchanged"
	ResultSkipped   = "skipped"
	ResultQueued    = "queued"
	ResultFailed    = "failed"
)

// SyncAttributes returns attributes for per-category sync metrics.
func SyncAttributes(environment, category, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrCategory.String(category),
		AttrResult.String(result),
	}
}

// BatchAttributes returns attributes for ingestion batch metrics.
func BatchAttributes(environment, feed, status string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrBatchStatus.String(status),
	}
	if feed != "" {
		attrs = append(attrs, AttrFeed.String(feed))
	}
	return attrs
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, kind, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorKind.String(kind),
		AttrReason.String(reason),
	}
}
