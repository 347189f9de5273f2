package collab

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "archboard_collab_connections",
		Help: "Live connections currently registered",
	})

	roomsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "archboard_collab_rooms",
		Help: "View rooms with at least one member",
	})

	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archboard_collab_operations_total",
		Help: "Operations relayed through rooms",
	}, []string{"kind"})

	chatMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archboard_collab_chat_messages_total",
		Help: "Chat sends by outcome",
	}, []string{"outcome"})

	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archboard_collab_notifications_total",
		Help: "Notifications persisted by scope",
	}, []string{"scope"})

	pushesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archboard_collab_pushes_dropped_total",
		Help: "Live pushes refused by a connection sink",
	})
)

func push(sink Sink, event Event) bool {
	if sink == nil {
		return false
	}
	if !sink.Push(event) {
		pushesDroppedTotal.Inc()
		return false
	}
	return true
}
