package findnet

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricLookupCount counts lookups, labelled by how they ended.
	MetricLookupCount       = []string{"findnet", "lookup", "count"}
	MetricLookupDurationMs  = []string{"findnet", "lookup", "duration", "ms"}
	MetricPeerQueryCount    = []string{"findnet", "peer", "query", "count"}
	MetricPeerQueryErrCount = []string{"findnet", "peer", "query", "error", "count"}
	MetricProbeCount        = []string{"findnet", "probe", "count"}
	MetricValidationDrops   = []string{"findnet", "validation", "dropped", "count"}
	MetricPersistCount      = []string{"findnet", "persist", "write", "count"}
	MetricPersistErrCount   = []string{"findnet", "persist", "error", "count"}
	MetricQueueDepth        = []string{"findnet", "queue", "depth"}
	MetricRoutingSize       = []string{"findnet", "routing", "size"}
	MetricInboundCount      = []string{"findnet", "inbound", "find", "count"}
)

type TelemetryLabel string

var (
	LabelError     TelemetryLabel = "error"
	LabelPeerID    TelemetryLabel = "peer_id"
	LabelPeerURL   TelemetryLabel = "peer_url"
	LabelContentID TelemetryLabel = "content_id"
	LabelLookupID  TelemetryLabel = "lookup_id"
	LabelOutcome   TelemetryLabel = "outcome"
	LabelKind      TelemetryLabel = "kind"
	LabelQueue     TelemetryLabel = "queue"
	LabelDuration  TelemetryLabel = "duration"
	LabelCount     TelemetryLabel = "count"
	LabelPath      TelemetryLabel = "path"
	LabelLoop      TelemetryLabel = "loop"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
