package router

import (
	"fmt"

	"github.com/a-essam23/go-relay/internal/permission"
	"github.com/a-essam23/go-relay/internal/wire"
	"github.com/a-essam23/go-relay/pkg/codec"
)

const envelopeVersion = 1

// Envelope is the record relayed between instances on a channel topic.
type Envelope struct {
	V          int                    `cbor:"v"`
	ID         string                 `cbor:"id"`
	Origin     string                 `cbor:"origin"`
	OriginConn string                 `cbor:"originConn"`
	ChannelID  string                 `cbor:"channelId"`
	SenderID   string                 `cbor:"senderId"`
	Kind       permission.PayloadKind `cbor:"kind"`
	Payload    []byte                 `cbor:"payload,omitempty"`
	Seq        uint64                 `cbor:"seq"`
	SentAt     int64                  `cbor:"sentAt"`
}

func (e *Envelope) Marshal() ([]byte, error) {
	return codec.Marshal(e)
}

func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.V != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version %d", env.V)
	}
	if env.ChannelID == "" || env.Origin == "" {
		return nil, fmt.Errorf("envelope %q missing channel or origin", env.ID)
	}
	return &env, nil
}

// frame renders the client frame for local delivery.
func (e *Envelope) frame() ([]byte, error) {
	switch e.Kind {
	case permission.PayloadTyping:
		return wire.EncodeTyping(e.ChannelID, e.SenderID)
	case permission.PayloadMessage:
		return wire.EncodeEvent(e.ID, e.ChannelID, e.SenderID, e.Payload, e.Seq, e.SentAt)
	default:
		return nil, fmt.Errorf("unknown envelope kind %q", e.Kind)
	}
}
