package broadcast

import (
	"sync"

	"github.com/trezcool/masomo-realtime/core/realtime"
)

// Message is a single recorded broadcast.
type Message struct {
	Channel string      `json:"channel"`
	Data    interface{} `json:"data"`
}

// Recorder keeps broadcasts in memory and optionally forwards them to OnBroadcast.
// Limit caps the history, oldest first out; zero keeps everything.
type Recorder struct {
	OnBroadcast func(Message)
	Limit       int

	mu       sync.Mutex
	messages []Message
}

var _ realtime.Broadcaster = (*Recorder)(nil)

func (r *Recorder) Broadcast(channel string, payload interface{}) {
	msg := Message{Channel: channel, Data: payload}
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	if r.Limit > 0 && len(r.messages) > r.Limit {
		r.messages = append(r.messages[:0], r.messages[len(r.messages)-r.Limit:]...)
	}
	r.mu.Unlock()
	if r.OnBroadcast != nil {
		r.OnBroadcast(msg)
	}
}

// Messages returns a copy of what was recorded so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}
