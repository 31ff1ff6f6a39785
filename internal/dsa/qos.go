package dsa

// QoS 订阅服务质量
type QoS int

const (
	QoSLatest  QoS = 0
	QoSQueued  QoS = 1
	QoSDurable QoS = 2
	QoSMax     QoS = 3
)

func (q QoS) Clamp() QoS {
	if q < QoSLatest {
		return QoSLatest
	}
	if q > QoSMax {
		return QoSMax
	}
	return q
}

// QueuePolicy 决定订阅的待发送更新是只保留最新值还是全部排队.
// qos 小于 Threshold 时只保留最新值, 否则排队
type QueuePolicy struct {
	Threshold QoS
}

var DefaultQueuePolicy = QueuePolicy{Threshold: QoSQueued}

func (p QueuePolicy) Queues(q QoS) bool {
	return q >= p.Threshold
}
