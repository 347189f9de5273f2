package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"archboard/api/internal/collab"
)

var (
	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archboard_gateway_frames_total",
		Help: "Client frames handled by type and result",
	}, []string{"type", "result"})

	slowConsumersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archboard_gateway_slow_consumers_total",
		Help: "Connections closed because their send queue was full",
	})

	authFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archboard_gateway_auth_failures_total",
		Help: "WebSocket upgrades refused for a missing or invalid token",
	})
)

const unknownFrameLabel = "unknown"

// frameLabel bounds the type label to the frame kinds the gateway accepts.
func frameLabel(frameType string) string {
	switch frameType {
	case frameJoin, frameLeave, frameChatSend, frameChatHistory:
		return frameType
	}
	switch collab.OpKind(frameType) {
	case collab.OpCursorMoved, collab.OpNodeUpserted, collab.OpEdgeUpserted,
		collab.OpNodeDeleted, collab.OpEdgeDeleted, collab.OpSelectionChanged, collab.OpViewSaved:
		return frameType
	}
	return unknownFrameLabel
}
