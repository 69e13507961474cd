package rcon

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Packet types. Exec and auth-response share the value 2; direction disambiguates.
const (
	TypeResponseValue int32 = 0
	TypeExecCommand   int32 = 2
	TypeAuthResponse  int32 = 2
	TypeAuth          int32 = 3
)

const (
	// headerSize is requestId + type.
	headerSize = 8
	// trailerSize is the two terminating null bytes.
	trailerSize = 2
	// MinFrameSize is the smallest legal value of the length field (empty payload).
	MinFrameSize = headerSize + trailerSize
	// MaxFrameSize bounds the length field of inbound frames.
	MaxFrameSize = 1 << 20
)

// Packet is one framed protocol message.
type Packet struct {
	ID   int32
	Type int32
	Body string
}

// MarshalBinary encodes p as {length, id, type, body, 0, 0}, little-endian.
func (p Packet) MarshalBinary() ([]byte, error) {
	size := headerSize + len(p.Body) + trailerSize
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds frame limit", ErrProtocol, len(p.Body))
	}
	buf := make([]byte, 4+size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(size))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.ID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(p.Type))
	copy(buf[12:], p.Body)
	// trailing two bytes are already zero
	return buf, nil
}

// ReadPacket reads exactly one frame from r.
// Short reads surface as io.EOF / io.ErrUnexpectedEOF; malformed frames as ErrProtocol.
func ReadPacket(r io.Reader) (Packet, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Packet{}, err
	}
	size := binary.LittleEndian.Uint32(lenBuf[:])
	if size < MinFrameSize || size > MaxFrameSize {
		return Packet{}, fmt.Errorf("%w: invalid frame length %d", ErrProtocol, size)
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Packet{}, err
	}
	if frame[size-1] != 0 || frame[size-2] != 0 {
		return Packet{}, fmt.Errorf("%w: missing frame terminator", ErrProtocol)
	}

	return Packet{
		ID:   int32(binary.LittleEndian.Uint32(frame[0:4])),
		Type: int32(binary.LittleEndian.Uint32(frame[4:8])),
		Body: string(frame[headerSize : size-trailerSize]),
	}, nil
}

// WritePacket encodes p and writes it to w in a single call.
func WritePacket(w io.Writer, p Packet) error {
	buf, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
