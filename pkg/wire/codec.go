package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"google.golang.org/protobuf/proto"
)

var (
	ErrEncode = errors.New("wire: could not encode value")
	ErrDecode = errors.New("wire: could not decode value")
)

// Codec turns values into bytes and back.
//
// Decoding into a `*any` never fails because of a missing concrete type:
// maps, slices and scalars are used as a generic representation.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(buf []byte, into any) error
}

// MsgpackCodec is the default Codec. It is safe for concurrent use.
type MsgpackCodec struct {
	h *codec.MsgpackHandle
}

var _ Codec = (*MsgpackCodec)(nil)

func NewMsgpackCodec() *MsgpackCodec {
	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	h.RawToString = true
	h.MapType = reflect.TypeOf(map[string]any(nil))
	return &MsgpackCodec{h: h}
}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, c.h).Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return buf, nil
}

func (c *MsgpackCodec) Decode(buf []byte, into any) error {
	if len(buf) == 0 {
		return fmt.Errorf("%w: empty buffer", ErrDecode)
	}
	if err := codec.NewDecoderBytes(buf, c.h).Decode(into); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return nil
}

// DecodeAny decodes buf without knowing its type.
func DecodeAny(c Codec, buf []byte) (any, error) {
	var v any
	err := c.Decode(buf, &v)
	return v, err
}

// JSONCodec trades size for readability, which helps when debugging a mesh.
type JSONCodec struct{}

var _ Codec = JSONCodec{}

func NewJSONCodec() JSONCodec {
	return JSONCodec{}
}

func (JSONCodec) Encode(v any) ([]byte, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return buf, nil
}

func (JSONCodec) Decode(buf []byte, into any) error {
	if len(buf) == 0 {
		return fmt.Errorf("%w: empty buffer", ErrDecode)
	}
	if err := json.Unmarshal(buf, into); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return nil
}

// ProtoCodec encodes protobuf messages with their own wire format and
// everything else with the fallback codec.
type ProtoCodec struct {
	fallback Codec
}

var _ Codec = (*ProtoCodec)(nil)

func NewProtoCodec(fallback Codec) *ProtoCodec {
	if fallback == nil {
		fallback = NewMsgpackCodec()
	}
	return &ProtoCodec{fallback: fallback}
}

func (c *ProtoCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return c.fallback.Encode(v)
	}
	buf, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return buf, nil
}

// Decode into a protobuf message accepts an empty buffer, it is the
// encoding of a message with only default values.
func (c *ProtoCodec) Decode(buf []byte, into any) error {
	msg, ok := asMessage(into)
	if !ok {
		return c.fallback.Decode(buf, into)
	}
	if err := proto.Unmarshal(buf, msg); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return nil
}

var protoMessageType = reflect.TypeFor[proto.Message]()

// asMessage accepts a message or a pointer to a message pointer, which is
// allocated if nil.
func asMessage(into any) (proto.Message, bool) {
	if msg, ok := into.(proto.Message); ok {
		return msg, true
	}
	rv := reflect.ValueOf(into)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return nil, false
	}
	elem := rv.Elem()
	if elem.Kind() != reflect.Pointer || !elem.Type().Implements(protoMessageType) {
		return nil, false
	}
	if elem.IsNil() {
		elem.Set(reflect.New(elem.Type().Elem()))
	}
	return elem.Interface().(proto.Message), true
}
