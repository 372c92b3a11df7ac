// Package bus connects gateway instances through an external publish/subscribe
// broker. A Dialer produces a Conn; when a Conn is lost its Done channel
// closes and the caller dials again. Reconnection policy lives with the
// caller, not here.
package bus

import (
	"context"
	"errors"
)

var (
	ErrClosed         = errors.New("bus: connection closed")
	ErrConnectionLost = errors.New("bus: connection lost")
	ErrUnavailable    = errors.New("bus: broker unavailable")
)

// InvalidationTopic carries permission-affecting change events between instances.
const InvalidationTopic = "relay:invalidate"

// ChannelTopic is the bus topic of a chat channel.
func ChannelTopic(channelID string) string {
	return "channel:" + channelID
}

type Message struct {
	Topic string
	Data  []byte
}

// Conn is one live broker connection.
type Conn interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(ctx context.Context, topics ...string) error
	Unsubscribe(ctx context.Context, topics ...string) error
	// Messages delivers payloads of subscribed topics. It is never closed;
	// select on Done as well.
	Messages() <-chan Message
	// Done is closed once the connection is lost or closed.
	Done() <-chan struct{}
	// Err reports why Done was closed.
	Err() error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
	Name() string
}

const messageBuffer = 1024
