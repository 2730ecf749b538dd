package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := Message{
		Type:      OpenTCP,
		GatewayID: 7,
		Host:      "example.com",
		Port:      443,
		Data:      []byte{1, 2, 3},
	}

	frame, err := Encode(msg)
	assert.NoError(t, err)

	var buf bytes.Buffer
	buf.Write(frame)
	got, err := ReadMessage(&buf)
	assert.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestWriteMessageThenReadMessage(t *testing.T) {
	var buf bytes.Buffer
	msg := Message{Type: DNSResult, Name: "example.com", Addresses: []string{"1.2.3.4"}}

	assert.NoError(t, WriteMessage(&buf, msg))
	got, err := ReadMessage(&buf)
	assert.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestReadMessageMultipleFramesInSequence(t *testing.T) {
	var buf bytes.Buffer
	first := Message{Type: ListenRequest, Port: 8080}
	second := Message{Type: ListenOK, ListenerID: 1, ActualPort: 8080}

	assert.NoError(t, WriteMessage(&buf, first))
	assert.NoError(t, WriteMessage(&buf, second))

	got1, err := ReadMessage(&buf)
	assert.NoError(t, err)
	assert.Equal(t, first, got1)

	got2, err := ReadMessage(&buf)
	assert.NoError(t, err)
	assert.Equal(t, second, got2)
}

func TestReadMessageRejectsOversizedFrameLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF}) // length prefix far beyond maxFrameLen
	_, err := ReadMessage(&buf)
	assert.Error(t, err)
}

func TestReadMessageTruncatedFrameFails(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 10}) // claims 10 bytes body, provides none
	_, err := ReadMessage(&buf)
	assert.Error(t, err)
}

func TestEmptyFieldsOmittedDoNotAffectDecode(t *testing.T) {
	frame, err := Encode(Message{Type: GatewayClose, GatewayID: 3})
	assert.NoError(t, err)

	var buf bytes.Buffer
	buf.Write(frame)
	got, err := ReadMessage(&buf)
	assert.NoError(t, err)
	assert.Equal(t, Code(GatewayClose), got.Type)
	assert.Equal(t, uint64(3), got.GatewayID)
	assert.Equal(t, "", got.Host)
	assert.Nil(t, got.Data)
}
