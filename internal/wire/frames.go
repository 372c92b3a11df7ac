// Package wire defines the JSON frames exchanged with clients. Every frame
// carries the protocol version in "v" and its kind in "type".
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

const Version = 1

// MaxFrameSize bounds a single inbound text frame.
const MaxFrameSize = 64 << 10

type Type string

const (
	// client to server
	TypeSubscribe   Type = "subscribe"
	TypeUnsubscribe Type = "unsubscribe"
	TypeMessage     Type = "message"
	TypeTyping      Type = "typing"
	TypePing        Type = "ping"

	// server to client; typing is shared
	TypeEvent Type = "event"
	TypeError Type = "error"
	TypeAck   Type = "ack"
)

var (
	ErrMalformed          = errors.New("malformed frame")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrUnknownType        = errors.New("unknown frame type")
)

// Inbound is a decoded client frame.
type Inbound struct {
	V         int             `json:"v"`
	Type      Type            `json:"type"`
	ChannelID string          `json:"channelId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Ref       string          `json:"ref,omitempty"`
}

// Decode parses and validates a client frame. On error the returned frame
// still carries whatever ref could be recovered so the error reply can echo it.
func Decode(data []byte) (*Inbound, error) {
	if !gjson.ValidBytes(data) {
		return &Inbound{}, fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return &Inbound{}, fmt.Errorf("%w: frame must be a JSON object", ErrMalformed)
	}
	in := &Inbound{}
	if ref := root.Get("ref"); ref.Type == gjson.String {
		in.Ref = ref.Str
	}

	v := root.Get("v")
	if v.Type != gjson.Number {
		return in, fmt.Errorf("%w: missing protocol version", ErrMalformed)
	}
	if v.Int() != Version || v.Num != float64(v.Int()) {
		return in, fmt.Errorf("%w: %s", ErrUnsupportedVersion, v.Raw)
	}

	t := root.Get("type")
	if t.Type != gjson.String {
		return in, fmt.Errorf("%w: missing frame type", ErrMalformed)
	}
	switch Type(t.Str) {
	case TypeSubscribe, TypeUnsubscribe, TypeMessage, TypeTyping, TypePing:
	default:
		return in, fmt.Errorf("%w: %q", ErrUnknownType, t.Str)
	}

	ref := in.Ref
	if err := json.Unmarshal(data, in); err != nil {
		in.Ref = ref
		return in, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return in, in.validate()
}

func (in *Inbound) validate() error {
	switch in.Type {
	case TypePing:
		return nil
	case TypeMessage:
		if len(in.Payload) == 0 || string(in.Payload) == "null" {
			return fmt.Errorf("%w: message requires a payload", ErrMalformed)
		}
	}
	if strings.TrimSpace(in.ChannelID) == "" {
		return fmt.Errorf("%w: %s requires channelId", ErrMalformed, in.Type)
	}
	return nil
}

// --- Outbound frames ---

type Event struct {
	V         int             `json:"v"`
	Type      Type            `json:"type"`
	ID        string          `json:"id"`
	ChannelID string          `json:"channelId"`
	SenderID  string          `json:"senderId"`
	Payload   json.RawMessage `json:"payload"`
	Seq       uint64          `json:"seq"`
	SentAt    int64           `json:"sentAt"`
}

type Typing struct {
	V         int    `json:"v"`
	Type      Type   `json:"type"`
	ChannelID string `json:"channelId"`
	SenderID  string `json:"senderId"`
}

type Error struct {
	V         int       `json:"v"`
	Type      Type      `json:"type"`
	Code      ErrorCode `json:"code"`
	Detail    string    `json:"detail,omitempty"`
	ChannelID string    `json:"channelId,omitempty"`
	Ref       string    `json:"ref,omitempty"`
}

type Ack struct {
	V        int    `json:"v"`
	Type     Type   `json:"type"`
	Ref      string `json:"ref,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
}

// EncodeEvent renders a relayed message. A payload that is not valid JSON is
// sent as a JSON string.
func EncodeEvent(id, channelID, senderID string, payload []byte, seq uint64, sentAt int64) ([]byte, error) {
	raw := json.RawMessage(payload)
	if !json.Valid(payload) {
		quoted, err := json.Marshal(string(payload))
		if err != nil {
			return nil, err
		}
		raw = quoted
	}
	return json.Marshal(Event{
		V:         Version,
		Type:      TypeEvent,
		ID:        id,
		ChannelID: channelID,
		SenderID:  senderID,
		Payload:   raw,
		Seq:       seq,
		SentAt:    sentAt,
	})
}

func EncodeTyping(channelID, senderID string) ([]byte, error) {
	return json.Marshal(Typing{V: Version, Type: TypeTyping, ChannelID: channelID, SenderID: senderID})
}

func EncodeError(code ErrorCode, detail, channelID, ref string) ([]byte, error) {
	return json.Marshal(Error{V: Version, Type: TypeError, Code: code, Detail: detail, ChannelID: channelID, Ref: ref})
}

func EncodeAck(ref string, degraded bool) ([]byte, error) {
	return json.Marshal(Ack{V: Version, Type: TypeAck, Ref: ref, Degraded: degraded})
}
