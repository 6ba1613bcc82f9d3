package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-realtime/core"
	"github.com/trezcool/masomo-realtime/core/realtime"
)

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSRelay forwards broadcasts to NATS so other services can follow the change feed.
// Subjects are "<prefix>.<channel>"; messages are JSON encoded Message values.
type NATSRelay struct {
	conn   *nats.Conn
	pub    publisher
	prefix string
	logger core.Logger
}

var _ realtime.Broadcaster = (*NATSRelay)(nil)

func NewNATSRelay(conf core.NATSConfig, logger core.Logger) (*NATSRelay, error) {
	nc, err := nats.Connect(conf.URL,
		nats.Name("masomo-realtime"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(fmt.Sprintf("nats disconnected: %v", err), err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info(fmt.Sprintf("nats reconnected to %s", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to nats at %s", conf.URL)
	}
	relay := newNATSRelay(nc, conf.SubjectPrefix, logger)
	relay.conn = nc
	return relay, nil
}

func newNATSRelay(pub publisher, prefix string, logger core.Logger) *NATSRelay {
	return &NATSRelay{pub: pub, prefix: prefix, logger: logger}
}

func (r *NATSRelay) Subject(channel string) string {
	return r.prefix + "." + channel
}

// Broadcast never retries; a failed publish is only logged.
func (r *NATSRelay) Broadcast(channel string, payload interface{}) {
	data, err := json.Marshal(Message{Channel: channel, Data: payload})
	if err != nil {
		r.logger.Error(fmt.Sprintf("encoding %q broadcast for nats", channel), errors.WithStack(err))
		return
	}
	if err = r.pub.Publish(r.Subject(channel), data); err != nil {
		r.logger.Error(fmt.Sprintf("publishing %q broadcast to nats", channel), errors.WithStack(err))
	}
}

// Close flushes pending messages and closes the connection.
func (r *NATSRelay) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Drain()
}
