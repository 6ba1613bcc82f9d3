// Package broadcast holds the sinks change events are fanned out to.
package broadcast

import (
	"github.com/juju/pubsub/v2"

	"github.com/trezcool/masomo-realtime/core/realtime"
)

// Hub is the in-process fan-out point: the pipeline publishes on it and
// every websocket client subscribes to it.
type Hub struct {
	hub *pubsub.SimpleHub
}

var _ realtime.Broadcaster = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{hub: pubsub.NewSimpleHub(nil)}
}

// Broadcast publishes payload on channel. Each subscriber is called on its own goroutine.
func (h *Hub) Broadcast(channel string, payload interface{}) {
	h.hub.Publish(channel, payload)
}

// Subscribe calls handler for every broadcast whose channel is accepted by match.
func (h *Hub) Subscribe(match func(channel string) bool, handler func(channel string, payload interface{})) (unsubscribe func()) {
	return h.hub.SubscribeMatch(match, handler)
}

// MatchAll accepts every channel.
func MatchAll(string) bool { return true }
