// Package protocol implements the binary frame protocol spoken by the injected WCF module.
//
// The endpoint is strictly request/response: one request frame is answered by exactly one
// response frame, so frames carry no sequence id. A fixed 10-byte header is followed by a
// variable-length body; the receiver reads the header first to learn the body length, then
// reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6            10
//	┌──────┬──┬──┬──┬────────────┬───────────────┐
//	│magic │v │ct│cd│  bodyLen   │    body ...    │
//	│ wcf  │01│  │  │  uint32    │ bodyLen bytes  │
//	└──────┴──┴──┴──┴────────────┴───────────────┘
//
// cd is the opcode on requests and the status on responses.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "wcf".
const (
	MagicNumber byte = 0x77 // 'w'
	MagicByte2  byte = 0x63 // 'c'
	MagicByte3  byte = 0x66 // 'f'
	Version     byte = 0x01
	HeaderSize  int  = 10 // 3 (magic) + 1 (version) + 1 (codec) + 1 (code) + 4 (bodyLen)

	// MaxBodyLen bounds a single frame body. SQL results over the whole message
	// store can be large, anything beyond this is treated as a corrupt stream.
	MaxBodyLen uint32 = 16 << 20
)

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON byte = 0
	CodecTypeCBOR byte = 1
)

// Header represents the fixed 10-byte frame header.
type Header struct {
	CodecType byte   // Payload serialization: 0=JSON, 1=CBOR
	Code      byte   // Opcode (request) or Status (response)
	BodyLen   uint32 // Body length in bytes
}

// Encode writes a complete frame (header + body) to w.
// The caller must serialize writers sharing w; frames from different calls must not interleave.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = h.Code
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	// One write per frame, so a failed write never leaves a header without its body
	// sitting in a userspace buffer.
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version and codec type, and bounds the body length.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeCBOR {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[6:10])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("frame body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		// A header without its body is a truncated frame, not a clean EOF.
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		Code:      headerBuf[5],
		BodyLen:   bodyLen,
	}, body, nil
}
