package codec_test

import (
	"testing"

	"github.com/a-essam23/go-relay/pkg/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	B string `cbor:"b"`
	A int    `cbor:"a"`
	P []byte `cbor:"p"`
}

func TestMarshalIsDeterministic(t *testing.T) {
	v := sample{B: "x", A: 7, P: []byte(`{"text":"hi"}`)}
	first, err := codec.Marshal(v)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := codec.Marshal(v)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	var out sample
	require.NoError(t, codec.Unmarshal(first, &out))
	assert.Equal(t, v, out)
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	data, err := codec.Marshal(map[string]any{"a": 1, "b": "x", "future": true})
	require.NoError(t, err)

	var out sample
	require.NoError(t, codec.Unmarshal(data, &out))
	assert.Equal(t, 1, out.A)
	assert.Equal(t, "x", out.B)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	var out sample
	assert.Error(t, codec.Unmarshal([]byte{0xff, 0x00, 0x13}, &out))
}
