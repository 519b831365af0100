// Package codec serializes opcode payloads for the frame body.
//
// The codec type travels in every frame header, so a response is always decoded with the
// codec the peer actually used.
package codec

import "fmt"

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeCBOR CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=CBOR
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &CBORCodec{}
}

// ParseCodecType maps a configuration name to a CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "", "json":
		return CodecTypeJSON, nil
	case "cbor":
		return CodecTypeCBOR, nil
	default:
		return 0, fmt.Errorf("unknown codec %q", name)
	}
}

func (t CodecType) String() string {
	if t == CodecTypeJSON {
		return "json"
	}
	return "cbor"
}
