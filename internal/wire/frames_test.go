package wire_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/a-essam23/go-relay/internal/auth"
	"github.com/a-essam23/go-relay/internal/permission"
	"github.com/a-essam23/go-relay/internal/session"
	"github.com/a-essam23/go-relay/internal/wire"
	"github.com/a-essam23/go-relay/pkg/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestDecode_ValidFrames(t *testing.T) {
	in, err := wire.Decode([]byte(`{"v":1,"type":"message","channelId":"general","payload":{"text":"hi"},"ref":"r1"}`))
	require.NoError(t, err)
	assert.Equal(t, wire.TypeMessage, in.Type)
	assert.Equal(t, "general", in.ChannelID)
	assert.JSONEq(t, `{"text":"hi"}`, string(in.Payload))
	assert.Equal(t, "r1", in.Ref)

	in, err = wire.Decode([]byte(`{"v":1,"type":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, wire.TypePing, in.Type)

	in, err = wire.Decode([]byte(`{"v":1,"type":"subscribe","channelId":"c1","future":"ignored"}`))
	require.NoError(t, err)
	assert.Equal(t, "c1", in.ChannelID)
}

func TestDecode_Errors(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		want  error
		ref   string
	}{
		{"not json", `{"v":1,`, wire.ErrMalformed, ""},
		{"array", `[1,2]`, wire.ErrMalformed, ""},
		{"no version", `{"type":"ping","ref":"a"}`, wire.ErrMalformed, "a"},
		{"string version", `{"v":"1","type":"ping"}`, wire.ErrMalformed, ""},
		{"future version", `{"v":2,"type":"ping","ref":"b"}`, wire.ErrUnsupportedVersion, "b"},
		{"fractional version", `{"v":1.5,"type":"ping"}`, wire.ErrUnsupportedVersion, ""},
		{"no type", `{"v":1}`, wire.ErrMalformed, ""},
		{"unknown type", `{"v":1,"type":"shout","ref":"c"}`, wire.ErrUnknownType, "c"},
		{"server type from client", `{"v":1,"type":"event"}`, wire.ErrUnknownType, ""},
		{"subscribe without channel", `{"v":1,"type":"subscribe","ref":"d"}`, wire.ErrMalformed, "d"},
		{"message without payload", `{"v":1,"type":"message","channelId":"c"}`, wire.ErrMalformed, ""},
		{"message with null payload", `{"v":1,"type":"message","channelId":"c","payload":null}`, wire.ErrMalformed, ""},
		{"wrong field type", `{"v":1,"type":"typing","channelId":7,"ref":"e"}`, wire.ErrMalformed, "e"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in, err := wire.Decode([]byte(tc.frame))
			assert.ErrorIs(t, err, tc.want)
			require.NotNil(t, in)
			assert.Equal(t, tc.ref, in.Ref)
		})
	}
}

func TestEncodeEvent(t *testing.T) {
	frame, err := wire.EncodeEvent("e1", "general", "alice", []byte(`{"text":"hi"}`), 3, 1700000000000)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1,"type":"event","id":"e1","channelId":"general","senderId":"alice","payload":{"text":"hi"},"seq":3,"sentAt":1700000000000}`, string(frame))

	frame, err = wire.EncodeEvent("e2", "general", "alice", []byte("plain text"), 4, 0)
	require.NoError(t, err)
	assert.Equal(t, "plain text", gjson.GetBytes(frame, "payload").String())
}

func TestEncodeControlFrames(t *testing.T) {
	ack, err := wire.EncodeAck("r1", true)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1,"type":"ack","ref":"r1","degraded":true}`, string(ack))

	ack, err = wire.EncodeAck("", false)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1,"type":"ack"}`, string(ack))

	e, err := wire.EncodeError(wire.CodePermissionRevoked, "read revoked", "general", "")
	require.NoError(t, err)
	var out wire.Error
	require.NoError(t, json.Unmarshal(e, &out))
	assert.Equal(t, wire.CodePermissionRevoked, out.Code)
	assert.Equal(t, "general", out.ChannelID)

	typing, err := wire.EncodeTyping("general", "bob")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1,"type":"typing","channelId":"general","senderId":"bob"}`, string(typing))
}

func TestCodeFor(t *testing.T) {
	cases := map[wire.ErrorCode]error{
		wire.CodeUnauthorized:   fmt.Errorf("%w: expired", auth.ErrAuthFailure),
		wire.CodeForbidden:      fmt.Errorf("%w: read", permission.ErrPermissionDenied),
		wire.CodeBackpressure:   session.ErrBackpressureOverflow,
		wire.CodeBusUnavailable: fmt.Errorf("publish: %w", bus.ErrConnectionLost),
		wire.CodeVersion:        wire.ErrUnsupportedVersion,
		wire.CodeUnknownType:    wire.ErrUnknownType,
		wire.CodeMalformed:      wire.ErrMalformed,
		wire.CodeInternal:       errors.New("boom"),
	}
	for code, err := range cases {
		assert.Equal(t, code, wire.CodeFor(err), err.Error())
	}
	assert.Equal(t, "internal error", wire.Detail(errors.New("db password leaked")))
}
