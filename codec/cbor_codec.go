package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding: the same payload always produces the same bytes.
var encMode cbor.EncMode

// decMode decodes untyped maps (EXEC_SQL rows) as map[string]any so they stay
// compatible with the JSON path.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBORCodec is the compact binary payload encoding. Struct fields use their json tags
// as CBOR keys, so both codecs share one set of payload types.
type CBORCodec struct{}

func (c *CBORCodec) Encode(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func (c *CBORCodec) Decode(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

func (c *CBORCodec) Type() CodecType {
	return CodecTypeCBOR
}
