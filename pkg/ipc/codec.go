package ipc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// encodeHeader writes h in wire order (little-endian) to buf, which must
// be at least headerSize bytes.
func encodeHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Type))
	binary.LittleEndian.PutUint16(buf[4:6], h.Len)
	binary.LittleEndian.PutUint16(buf[6:8], h.Flags)
	binary.LittleEndian.PutUint32(buf[8:12], h.PeerID)
	binary.LittleEndian.PutUint32(buf[12:16], h.Pid)
}

func decodeHeader(buf []byte) Header {
	return Header{
		Type:   Type(binary.LittleEndian.Uint32(buf[0:4])),
		Len:    binary.LittleEndian.Uint16(buf[4:6]),
		Flags:  binary.LittleEndian.Uint16(buf[6:8]),
		PeerID: binary.LittleEndian.Uint32(buf[8:12]),
		Pid:    binary.LittleEndian.Uint32(buf[12:16]),
	}
}

// Encode serialises msg to its wire representation: header followed by
// payload. It does not carry the ancillary file descriptor, if any --
// that travels out-of-band over the transport (see Channel.Send).
func Encode(msg Message) ([]byte, error) {
	if int(msg.Header.Len) != len(msg.Payload) {
		return nil, fmt.Errorf("ipc: encode %s: header.Len=%d payload=%d mismatch", msg.Header.Type, msg.Header.Len, len(msg.Payload))
	}
	buf := make([]byte, headerSize+len(msg.Payload))
	encodeHeader(buf, msg.Header)
	copy(buf[headerSize:], msg.Payload)
	return buf, nil
}

// Decoder reads a sequence of framed messages from an underlying byte
// stream. It is deliberately independent of how that stream is chunked:
// feeding it the same bytes split at arbitrary offsets always yields the
// same sequence of messages (spec.md §8 property 2), since it buffers
// until a full frame is available before returning one.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r for framed message decoding.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next reads and returns the next complete message, blocking on the
// underlying reader as needed. It returns *ErrCeilingExceeded if the
// frame declares a payload larger than its type's ceiling -- callers
// MUST treat that as fatal and terminate the channel (spec.md §4.1).
func (d *Decoder) Next() (Message, error) {
	hdrBuf := make([]byte, headerSize)
	if _, err := io.ReadFull(d.r, hdrBuf); err != nil {
		return Message{}, err
	}
	h := decodeHeader(hdrBuf)

	ceiling := MaxPayload(h.Type)
	if h.Len > ceiling {
		return Message{}, &ErrCeilingExceeded{Type: h.Type, Len: h.Len, Ceiling: ceiling}
	}

	payload := make([]byte, h.Len)
	if h.Len > 0 {
		if _, err := io.ReadFull(d.r, payload); err != nil {
			return Message{}, err
		}
	}
	return Message{Header: h, Payload: payload}, nil
}
