// Package protocol implements the two wire framings of the service
// transport.
//
// v1 frames carry an explicit length prefix so requests can be pipelined on
// one connection:
//
//	0      3  4        8
//	┌──────┬──┬─────────┬────────────────┐
//	│magic │v │ paylen  │   payload ...  │
//	│ grp  │01│ uint32  │  paylen bytes  │
//	└──────┴──┴─────────┴────────────────┘
//
// v0 has no transport-level framing at all: the serialized envelope is
// written raw and the receiver performs a single bounded read. The envelope
// itself is self-delimiting (see codec), but because there is no length
// prefix a v0 message must fit in one read of MaxDatagramV0 bytes, and only
// one request may be in flight per connection. MaxDatagramV0 is therefore
// the maximum v0 message size.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Protocol versions. V0 is the legacy one-shot datagram transport; V1 is
// the length-prefixed pipelined transport.
const (
	V0 uint8 = 0
	V1 uint8 = 1
)

// Magic number bytes: "grp". A quick sanity check that the peer speaks this
// protocol, rejecting stray connections before any payload is read.
const (
	MagicByte0 byte = 0x67 // 'g'
	MagicByte1 byte = 0x72 // 'r'
	MagicByte2 byte = 0x70 // 'p'

	// PreambleSize is 3 (magic) + 1 (version) + 4 (payload length).
	PreambleSize = 8
)

const (
	// MaxDatagramV0 bounds a v0 message; v0 has no length prefix and relies
	// on a single read of this size.
	MaxDatagramV0 = 64 * 1024

	// DefaultMaxFrameV1 bounds a v1 payload unless the caller configures a
	// different maximum.
	DefaultMaxFrameV1 = 8 * 1024 * 1024
)

// DecodeError reports a malformed frame: short preamble, wrong magic,
// unsupported version, or a length beyond the configured maximum. The
// session closes on any DecodeError.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "protocol: " + e.Reason
}

// WriteFrame writes one v1 frame (preamble + payload) to w.
// Writers sharing w must serialize calls, otherwise frames interleave.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, PreambleSize)
	buf[0] = MagicByte0
	buf[1] = MagicByte1
	buf[2] = MagicByte2
	buf[3] = V1
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))

	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "write frame preamble")
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "write frame payload")
	}
	return nil
}

// ReadFrame reads one v1 frame from r and returns its payload. maxFrame
// bounds the payload length; pass 0 for DefaultMaxFrameV1. io.ReadFull
// guarantees complete reads, so a short stream surfaces as an error rather
// than a truncated payload.
func ReadFrame(r io.Reader, maxFrame uint32) ([]byte, error) {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrameV1
	}

	buf := make([]byte, PreambleSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &DecodeError{Reason: "short preamble"}
		}
		return nil, err
	}

	if buf[0] != MagicByte0 || buf[1] != MagicByte1 || buf[2] != MagicByte2 {
		return nil, &DecodeError{Reason: fmt.Sprintf("invalid magic number: %x", buf[0:3])}
	}
	if buf[3] != V1 {
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported version: %d", buf[3])}
	}

	payloadLen := binary.BigEndian.Uint32(buf[4:8])
	if payloadLen > maxFrame {
		return nil, &DecodeError{Reason: fmt.Sprintf("frame of %d bytes exceeds maximum %d", payloadLen, maxFrame)}
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteDatagram writes one raw v0 message. The payload must fit the v0
// size limit; there is no preamble.
func WriteDatagram(w io.Writer, payload []byte) error {
	if len(payload) > MaxDatagramV0 {
		return &DecodeError{Reason: fmt.Sprintf("v0 message of %d bytes exceeds maximum %d", len(payload), MaxDatagramV0)}
	}
	_, err := w.Write(payload)
	return errors.Wrap(err, "write datagram")
}

// ReadDatagram performs the single bounded v0 read. buf must be
// MaxDatagramV0 bytes; the returned slice aliases it. One read is expected
// to deliver one complete message — the documented v0 limitation.
func ReadDatagram(r io.Reader, buf []byte) ([]byte, error) {
	n, err := r.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}
