package codec

import (
	"encoding/json"
)

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
)

// Codec serializes queue channel envelopes. Binary attachments never pass through a Codec,
// they are written as raw frames.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec returns the codec for codecType, or nil for a type this client does not speak.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}
	default:
		return nil
	}
}

// JSONCodec uses encoding/json; the backend only speaks JSON text frames.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
