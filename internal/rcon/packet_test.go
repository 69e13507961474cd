package rcon

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketMarshalLayout(t *testing.T) {
	buf, err := Packet{ID: 7, Type: TypeExecCommand, Body: "/time"}.MarshalBinary()
	require.NoError(t, err)

	require.Len(t, buf, 4+8+5+2)
	assert.Equal(t, uint32(8+5+2), binary.LittleEndian.Uint32(buf[0:4]))
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(buf[4:8]))
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(buf[8:12]))
	assert.Equal(t, "/time", string(buf[12:17]))
	assert.Equal(t, []byte{0, 0}, buf[17:])
}

func TestReadPacket(t *testing.T) {
	var stream bytes.Buffer
	require.NoError(t, WritePacket(&stream, Packet{ID: 1, Type: TypeResponseValue, Body: "hello"}))
	require.NoError(t, WritePacket(&stream, Packet{ID: -1, Type: TypeAuthResponse}))

	p, err := ReadPacket(&stream)
	require.NoError(t, err)
	assert.Equal(t, Packet{ID: 1, Type: TypeResponseValue, Body: "hello"}, p)

	p, err = ReadPacket(&stream)
	require.NoError(t, err)
	assert.Equal(t, int32(-1), p.ID)
	assert.Equal(t, "", p.Body)

	_, err = ReadPacket(&stream)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadPacketMalformed(t *testing.T) {
	frame := func(size uint32, rest []byte) io.Reader {
		var b bytes.Buffer
		_ = binary.Write(&b, binary.LittleEndian, size)
		b.Write(rest)
		return &b
	}

	tests := []struct {
		name    string
		input   io.Reader
		wantErr error
	}{
		{"length below minimum", frame(4, make([]byte, 4)), ErrProtocol},
		{"length above maximum", frame(MaxFrameSize+1, nil), ErrProtocol},
		{"missing terminator", frame(11, []byte{1, 0, 0, 0, 0, 0, 0, 0, 'x', 'y', 'z'}), ErrProtocol},
		{"truncated body", frame(20, []byte{1, 0, 0, 0}), io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadPacket(tt.input)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestMarshalRejectsOversizedPayload(t *testing.T) {
	_, err := Packet{Body: string(make([]byte, MaxFrameSize))}.MarshalBinary()
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDescribe(t *testing.T) {
	assert.Contains(t, Describe(ErrAuthenticationFailed), "password")
	assert.Contains(t, Describe(ErrNotConnected), "not connected")
	assert.Contains(t, Describe(errors.New("boom")), "boom")
	assert.Empty(t, Describe(nil))
}

func TestRetryClassification(t *testing.T) {
	assert.False(t, IsRetryable(ErrAuthenticationFailed))
	assert.True(t, IsRetryable(ErrConnectionRefused))
	assert.True(t, IsConnectionFatal(ErrProtocol))
	assert.False(t, IsConnectionFatal(ErrRequestTimeout))
}
