// Package telemetry 定义 link 使用的指标键与标签
package telemetry

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricSessionMessagesIn   = []string{"dsa", "session", "messages", "in", "count"}
	MetricSessionMessagesOut  = []string{"dsa", "session", "messages", "out", "count"}
	MetricSessionBytesIn      = []string{"dsa", "session", "bytes", "in"}
	MetricSessionBytesOut     = []string{"dsa", "session", "bytes", "out"}
	MetricSessionDecodeErrors = []string{"dsa", "session", "decode", "error", "count"}
	MetricSessionAcksOut      = []string{"dsa", "session", "acks", "out", "count"}
	MetricSessionPingsOut     = []string{"dsa", "session", "pings", "out", "count"}

	MetricLinkConnectAttempts = []string{"dsa", "link", "connect", "attempt", "count"}
	MetricLinkConnectErrors   = []string{"dsa", "link", "connect", "error", "count"}
	MetricLinkConnected       = []string{"dsa", "link", "connected"}
	MetricLinkBackoffMillis   = []string{"dsa", "link", "backoff", "ms"}

	MetricResponderRequests     = []string{"dsa", "responder", "requests", "count"}
	MetricResponderErrors       = []string{"dsa", "responder", "error", "count"}
	MetricResponderOpenStreams  = []string{"dsa", "responder", "streams", "open"}
	MetricResponderSubscription = []string{"dsa", "responder", "subscriptions"}
	MetricResponderDropped      = []string{"dsa", "responder", "updates", "dropped", "count"}

	MetricRequesterRequests      = []string{"dsa", "requester", "requests", "count"}
	MetricRequesterSubscriptions = []string{"dsa", "requester", "subscriptions"}
)

type Label string

var (
	LabelError   Label = "error"
	LabelMethod  Label = "method"
	LabelSession Label = "session"
	LabelRid     Label = "rid"
	LabelSid     Label = "sid"
	LabelPath    Label = "path"
	LabelFormat  Label = "format"
	LabelBroker  Label = "broker"
)

// M 构造指标标签
func (lab Label) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

// L 构造日志字段
func (lab Label) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// SinkOrDefault 在未显式配置时返回全局指标
func SinkOrDefault(sink metrics.MetricSink) metrics.MetricSink {
	if sink == nil {
		return metrics.Default()
	}
	return sink
}
