package scopemesh

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricScopeCallOutCount      = []string{"scopemesh", "call", "out", "count"}
	MetricScopeCallOutErrorCount = []string{"scopemesh", "call", "out", "error", "count"}
	MetricScopeCallInCount       = []string{"scopemesh", "call", "in", "count"}
	MetricScopeCallInErrorCount  = []string{"scopemesh", "call", "in", "error", "count"}
	MetricScopeCallDuration      = []string{"scopemesh", "call", "duration"}
	MetricScopeForwardCount      = []string{"scopemesh", "forward", "count"}
	MetricScopeDropCount         = []string{"scopemesh", "drop", "count"}
	MetricScopeMetaPushCount     = []string{"scopemesh", "meta", "push", "count"}
	MetricScopeMetaRecvCount     = []string{"scopemesh", "meta", "recv", "count"}
	MetricScopeRemoteAccepted    = []string{"scopemesh", "remote", "accepted", "count"}
	MetricScopeRemoteClosed      = []string{"scopemesh", "remote", "closed", "count"}
	MetricScopeCallbackCount     = []string{"scopemesh", "callback", "count"}
)

type TelemetryLabel string

var (
	LabelError     TelemetryLabel = "error"
	LabelScope     TelemetryLabel = "scope"
	LabelPeerName  TelemetryLabel = "peer_name"
	LabelPeerIndex TelemetryLabel = "peer_index"
	LabelSignature TelemetryLabel = "signature"
	LabelDomain    TelemetryLabel = "domain"
	LabelMode      TelemetryLabel = "mode"
	LabelDuration  TelemetryLabel = "duration"
	LabelRoutes    TelemetryLabel = "routes"
	LabelLink      TelemetryLabel = "link"
	LabelWeight    TelemetryLabel = "weight"
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

const (
	modeFNF = "fire_and_forget"
	modeRR  = "request_response"
	modeRS  = "request_stream"
	modeCB  = "callback"
)
