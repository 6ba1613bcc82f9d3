package broadcast

import "github.com/trezcool/masomo-realtime/core/realtime"

// Fanout hands each broadcast to every sink, in order.
type Fanout []realtime.Broadcaster

var _ realtime.Broadcaster = Fanout(nil)

func (f Fanout) Broadcast(channel string, payload interface{}) {
	for _, sink := range f {
		sink.Broadcast(channel, payload)
	}
}
