package transport

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricTransportStreamEstInCount       = []string{"scopemesh", "transport", "stream", "establishment", "in", "count"}
	MetricTransportStreamEstInErrorCount  = []string{"scopemesh", "transport", "stream", "establishment", "in", "error", "count"}
	MetricTransportStreamEstOutCount      = []string{"scopemesh", "transport", "stream", "establishment", "out", "count"}
	MetricTransportStreamEstOutErrorCount = []string{"scopemesh", "transport", "stream", "establishment", "out", "error", "count"}
	MetricTransportUDPBufferSizeBytes     = []string{"scopemesh", "transport", "udp", "buffer", "size", "bytes"}
	MetricTransportConnEstCount           = []string{"scopemesh", "transport", "connection", "established", "count"}
	MetricTransportConnErrorCount         = []string{"scopemesh", "transport", "connection", "error", "count"}
)

type TelemetryLabel string

var (
	LabelError      TelemetryLabel = "error"
	LabelPeerAddr   TelemetryLabel = "peer_addr"
	LabelStreamMode TelemetryLabel = "stream_mode"
	LabelStreamID   TelemetryLabel = "stream_id"
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

func modeName(mode byte) string {
	switch mode {
	case modeFireAndForget:
		return "fire_and_forget"
	case modeRequestResponse:
		return "request_response"
	case modeRequestStream:
		return "request_stream"
	case modeMetadataPush:
		return "metadata_push"
	default:
		return "unknown"
	}
}
