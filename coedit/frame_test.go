package coedit

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestFrameCodec(t *testing.T) {
	clientId := NewId()

	b, err := EncodeFrame(&UpdateFrame{
		OriginClientId: clientId,
		Clock:          7,
		BaseSeq:        3,
		Ops: []RegisterOp{
			{Key: "title", Value: value("hello"), Ts: 7},
			{Key: "stale", Delete: true, Ts: 7},
		},
	})
	assert.Equal(t, err, nil)

	decoded, err := DecodeFrame(b)
	assert.Equal(t, err, nil)
	update, ok := decoded.(*UpdateFrame)
	assert.Equal(t, ok, true)
	assert.Equal(t, update.OriginClientId, clientId)
	assert.Equal(t, update.Clock, uint64(7))
	assert.Equal(t, update.BaseSeq, uint64(3))
	assert.Equal(t, len(update.Ops), 2)
	assert.Equal(t, update.Ops[1].Delete, true)
}

func TestFrameCodecErrors(t *testing.T) {
	_, err := DecodeFrame([]byte("not json"))
	assert.NotEqual(t, err, nil)

	_, err = DecodeFrame([]byte(`{"t":99,"p":{}}`))
	assert.NotEqual(t, err, nil)

	type notAFrame struct{}
	_, err = ToFrame(&notAFrame{})
	assert.NotEqual(t, err, nil)
}
