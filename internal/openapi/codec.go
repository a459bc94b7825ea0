package openapi

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// MaxFrameSize bounds a single wire frame. Anything larger is treated as a
// corrupt stream; the largest legitimate broker frame (a full symbols list)
// stays well under 1 MiB.
const MaxFrameSize = 16 << 20

// Frame is one decoded wire frame. Message is nil when Unknown is set.
type Frame struct {
	PayloadType uint32
	ClientMsgID string
	Message     *dynamicpb.Message
	Unknown     bool
}

// Codec encodes and decodes length-prefixed envelope frames against a loaded
// Schema. It is stateless apart from the descriptor tables and safe for
// concurrent use.
type Codec struct {
	schema *Schema
}

// NewCodec returns a Codec bound to a compiled schema.
func NewCodec(schema *Schema) *Codec {
	return &Codec{schema: schema}
}

// Schema exposes the codec's descriptor tables.
func (c *Codec) Schema() *Schema { return c.schema }

// Encode builds the inner message from params keyed by field name, wraps it
// in the envelope with payloadType and clientMsgID, and prepends the 4-byte
// big-endian length. The returned bytes are a complete wire frame.
func (c *Codec) Encode(payloadType uint32, params map[string]any, clientMsgID string) ([]byte, error) {
	md, ok := c.schema.Descriptor(payloadType)
	if !ok {
		return nil, &SchemaError{Message: "encode", Detail: fmt.Sprintf("payload type %d not in schema", payloadType)}
	}
	inner, err := buildMessage(md, params)
	if err != nil {
		return nil, err
	}
	payload, err := proto.Marshal(inner)
	if err != nil {
		return nil, &SchemaError{Message: "encode", Detail: fmt.Sprintf("marshaling %s: %v", md.Name(), err)}
	}

	env := dynamicpb.NewMessage(c.schema.envelope)
	env.Set(c.schema.envPayloadType, protoreflect.ValueOfUint32(payloadType))
	env.Set(c.schema.envPayload, protoreflect.ValueOfBytes(payload))
	if clientMsgID != "" {
		env.Set(c.schema.envClientMsgID, protoreflect.ValueOfString(clientMsgID))
	}
	body, err := proto.Marshal(env)
	if err != nil {
		return nil, &SchemaError{Message: "encode", Detail: fmt.Sprintf("marshaling envelope: %v", err)}
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	return frame, nil
}

// Decode is the inverse of Encode: it consumes a complete frame including
// the length prefix. Malformed input yields a *FrameError. A payload type
// absent from the schema yields the envelope fields with Unknown set plus an
// *UnknownMessageError, so the session can log and drop without losing the
// connection.
func (c *Codec) Decode(frame []byte) (Frame, error) {
	if len(frame) < 4 {
		return Frame{}, &FrameError{Detail: fmt.Sprintf("frame shorter than length prefix (%d bytes)", len(frame))}
	}
	n := binary.BigEndian.Uint32(frame)
	if int(n) != len(frame)-4 {
		return Frame{}, &FrameError{Detail: fmt.Sprintf("length prefix %d does not match body length %d", n, len(frame)-4)}
	}

	env := dynamicpb.NewMessage(c.schema.envelope)
	if err := proto.Unmarshal(frame[4:], env); err != nil {
		return Frame{}, &FrameError{Detail: "unmarshaling envelope", Err: err}
	}
	pt := uint32(env.Get(c.schema.envPayloadType).Uint())
	cm := env.Get(c.schema.envClientMsgID).String()

	md, ok := c.schema.Descriptor(pt)
	if !ok {
		return Frame{PayloadType: pt, ClientMsgID: cm, Unknown: true},
			&UnknownMessageError{PayloadType: pt, ClientMsgID: cm}
	}
	inner := dynamicpb.NewMessage(md)
	if err := proto.Unmarshal(env.Get(c.schema.envPayload).Bytes(), inner); err != nil {
		return Frame{}, &FrameError{Detail: fmt.Sprintf("unmarshaling %s payload", md.Name()), Err: err}
	}
	return Frame{PayloadType: pt, ClientMsgID: cm, Message: inner}, nil
}

// ReadFrame reads one length-prefixed frame from r and returns it whole,
// prefix included, ready for Decode. It returns a *FrameError for oversize
// or zero-length prefixes and passes through io errors unchanged so the
// session can tell a dead socket from a corrupt one.
func ReadFrame(r io.Reader) ([]byte, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(head[:])
	if n == 0 {
		return nil, &FrameError{Detail: "zero-length frame"}
	}
	if n > MaxFrameSize {
		return nil, &FrameError{Detail: fmt.Sprintf("frame of %d bytes exceeds limit %d", n, MaxFrameSize)}
	}
	frame := make([]byte, 4+int(n))
	copy(frame, head[:])
	if _, err := io.ReadFull(r, frame[4:]); err != nil {
		return nil, err
	}
	return frame, nil
}

// Field accessors. They return the zero value when the field is absent or
// not declared, which matches proto2 optional semantics for readers.

// Int64 returns a scalar integer field by name.
func (f Frame) Int64(name string) int64 {
	fd := f.field(name)
	if fd == nil {
		return 0
	}
	return f.Message.Get(fd).Int()
}

// Uint64 returns a scalar unsigned field by name.
func (f Frame) Uint64(name string) uint64 {
	fd := f.field(name)
	if fd == nil {
		return 0
	}
	return f.Message.Get(fd).Uint()
}

// String returns a scalar string field by name.
func (f Frame) String(name string) string {
	fd := f.field(name)
	if fd == nil {
		return ""
	}
	return f.Message.Get(fd).String()
}

// Bool returns a scalar bool field by name.
func (f Frame) Bool(name string) bool {
	fd := f.field(name)
	if fd == nil {
		return false
	}
	return f.Message.Get(fd).Bool()
}

// Enum returns an enum field's number by name.
func (f Frame) Enum(name string) int32 {
	fd := f.field(name)
	if fd == nil {
		return 0
	}
	return int32(f.Message.Get(fd).Enum())
}

// Has reports whether the named field is present on the decoded message.
func (f Frame) Has(name string) bool {
	fd := f.field(name)
	if fd == nil {
		return false
	}
	return f.Message.Has(fd)
}

// Messages returns a repeated message field by name.
func (f Frame) Messages(name string) []*dynamicpb.Message {
	fd := f.field(name)
	if fd == nil || !fd.IsList() {
		return nil
	}
	list := f.Message.Get(fd).List()
	out := make([]*dynamicpb.Message, 0, list.Len())
	for i := 0; i < list.Len(); i++ {
		if m, ok := list.Get(i).Message().Interface().(*dynamicpb.Message); ok {
			out = append(out, m)
		}
	}
	return out
}

// Int64s returns a repeated integer field by name.
func (f Frame) Int64s(name string) []int64 {
	fd := f.field(name)
	if fd == nil || !fd.IsList() {
		return nil
	}
	list := f.Message.Get(fd).List()
	out := make([]int64, 0, list.Len())
	for i := 0; i < list.Len(); i++ {
		out = append(out, list.Get(i).Int())
	}
	return out
}

func (f Frame) field(name string) protoreflect.FieldDescriptor {
	if f.Message == nil {
		return nil
	}
	return f.Message.Descriptor().Fields().ByName(protoreflect.Name(name))
}

// MessageUint64 reads a scalar unsigned field from a nested message.
func MessageUint64(m *dynamicpb.Message, name string) uint64 {
	fd := m.Descriptor().Fields().ByName(protoreflect.Name(name))
	if fd == nil {
		return 0
	}
	return m.Get(fd).Uint()
}

// MessageInt64 reads a scalar integer field from a nested message.
func MessageInt64(m *dynamicpb.Message, name string) int64 {
	fd := m.Descriptor().Fields().ByName(protoreflect.Name(name))
	if fd == nil {
		return 0
	}
	return m.Get(fd).Int()
}

// MessageString reads a scalar string field from a nested message.
func MessageString(m *dynamicpb.Message, name string) string {
	fd := m.Descriptor().Fields().ByName(protoreflect.Name(name))
	if fd == nil {
		return ""
	}
	return m.Get(fd).String()
}

// MessageBool reads a scalar bool field from a nested message.
func MessageBool(m *dynamicpb.Message, name string) bool {
	fd := m.Descriptor().Fields().ByName(protoreflect.Name(name))
	if fd == nil {
		return false
	}
	return m.Get(fd).Bool()
}

// MessageEnum reads an enum field's number from a nested message.
func MessageEnum(m *dynamicpb.Message, name string) int32 {
	fd := m.Descriptor().Fields().ByName(protoreflect.Name(name))
	if fd == nil {
		return 0
	}
	return int32(m.Get(fd).Enum())
}

// MessageHas reports field presence on a nested message.
func MessageHas(m *dynamicpb.Message, name string) bool {
	fd := m.Descriptor().Fields().ByName(protoreflect.Name(name))
	if fd == nil {
		return false
	}
	return m.Has(fd)
}

func buildMessage(md protoreflect.MessageDescriptor, params map[string]any) (*dynamicpb.Message, error) {
	m := dynamicpb.NewMessage(md)
	for name, value := range params {
		fd := md.Fields().ByName(protoreflect.Name(name))
		if fd == nil {
			return nil, &SchemaError{Message: "encode", Field: name, Detail: fmt.Sprintf("not a field of %s", md.Name())}
		}
		if err := setField(m, fd, value); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func setField(m *dynamicpb.Message, fd protoreflect.FieldDescriptor, value any) error {
	if fd.IsList() {
		items, err := listItems(fd, value)
		if err != nil {
			return err
		}
		list := m.Mutable(fd).List()
		for _, it := range items {
			v, err := scalarValue(fd, it)
			if err != nil {
				return err
			}
			list.Append(v)
		}
		return nil
	}
	v, err := scalarValue(fd, value)
	if err != nil {
		return err
	}
	m.Set(fd, v)
	return nil
}

func listItems(fd protoreflect.FieldDescriptor, value any) ([]any, error) {
	switch v := value.(type) {
	case []any:
		return v, nil
	case []int64:
		out := make([]any, len(v))
		for i, x := range v {
			out[i] = x
		}
		return out, nil
	case []uint64:
		out := make([]any, len(v))
		for i, x := range v {
			out[i] = x
		}
		return out, nil
	case []int:
		out := make([]any, len(v))
		for i, x := range v {
			out[i] = x
		}
		return out, nil
	case []string:
		out := make([]any, len(v))
		for i, x := range v {
			out[i] = x
		}
		return out, nil
	case []map[string]any:
		out := make([]any, len(v))
		for i, x := range v {
			out[i] = x
		}
		return out, nil
	default:
		return nil, &SchemaError{Message: "encode", Field: string(fd.Name()), Detail: fmt.Sprintf("cannot use %T for a repeated field", value)}
	}
}

func scalarValue(fd protoreflect.FieldDescriptor, value any) (protoreflect.Value, error) {
	bad := func(detail string) (protoreflect.Value, error) {
		return protoreflect.Value{}, &SchemaError{Message: "encode", Field: string(fd.Name()), Detail: detail}
	}
	switch fd.Kind() {
	case protoreflect.StringKind:
		s, ok := value.(string)
		if !ok {
			return bad(fmt.Sprintf("want string, got %T", value))
		}
		return protoreflect.ValueOfString(s), nil
	case protoreflect.BoolKind:
		b, ok := value.(bool)
		if !ok {
			return bad(fmt.Sprintf("want bool, got %T", value))
		}
		return protoreflect.ValueOfBool(b), nil
	case protoreflect.BytesKind:
		b, ok := value.([]byte)
		if !ok {
			return bad(fmt.Sprintf("want bytes, got %T", value))
		}
		return protoreflect.ValueOfBytes(b), nil
	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind:
		n, ok := asInt64(value)
		if !ok || n < math.MinInt32 || n > math.MaxInt32 {
			return bad(fmt.Sprintf("cannot use %v (%T) as int32", value, value))
		}
		return protoreflect.ValueOfInt32(int32(n)), nil
	case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		n, ok := asInt64(value)
		if !ok {
			return bad(fmt.Sprintf("cannot use %v (%T) as int64", value, value))
		}
		return protoreflect.ValueOfInt64(n), nil
	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		n, ok := asUint64(value)
		if !ok || n > math.MaxUint32 {
			return bad(fmt.Sprintf("cannot use %v (%T) as uint32", value, value))
		}
		return protoreflect.ValueOfUint32(uint32(n)), nil
	case protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		n, ok := asUint64(value)
		if !ok {
			return bad(fmt.Sprintf("cannot use %v (%T) as uint64", value, value))
		}
		return protoreflect.ValueOfUint64(n), nil
	case protoreflect.FloatKind:
		f, ok := asFloat64(value)
		if !ok {
			return bad(fmt.Sprintf("cannot use %v (%T) as float", value, value))
		}
		return protoreflect.ValueOfFloat32(float32(f)), nil
	case protoreflect.DoubleKind:
		f, ok := asFloat64(value)
		if !ok {
			return bad(fmt.Sprintf("cannot use %v (%T) as double", value, value))
		}
		return protoreflect.ValueOfFloat64(f), nil
	case protoreflect.EnumKind:
		switch v := value.(type) {
		case string:
			ev := fd.Enum().Values().ByName(protoreflect.Name(v))
			if ev == nil {
				return bad(fmt.Sprintf("no enum value %q in %s", v, fd.Enum().Name()))
			}
			return protoreflect.ValueOfEnum(ev.Number()), nil
		default:
			n, ok := asInt64(value)
			if !ok {
				return bad(fmt.Sprintf("cannot use %v (%T) as enum", value, value))
			}
			if fd.Enum().Values().ByNumber(protoreflect.EnumNumber(n)) == nil {
				return bad(fmt.Sprintf("no enum number %d in %s", n, fd.Enum().Name()))
			}
			return protoreflect.ValueOfEnum(protoreflect.EnumNumber(n)), nil
		}
	case protoreflect.MessageKind:
		fields, ok := value.(map[string]any)
		if !ok {
			return bad(fmt.Sprintf("want map[string]any for nested %s, got %T", fd.Message().Name(), value))
		}
		nested, err := buildMessage(fd.Message(), fields)
		if err != nil {
			return protoreflect.Value{}, err
		}
		return protoreflect.ValueOfMessage(nested), nil
	default:
		return bad(fmt.Sprintf("unsupported field kind %s", fd.Kind()))
	}
}

func asInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint32:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	default:
		return 0, false
	}
}

func asUint64(value any) (uint64, bool) {
	switch v := value.(type) {
	case int:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case int32:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	case float64:
		if v < 0 || v != math.Trunc(v) {
			return 0, false
		}
		return uint64(v), true
	default:
		return 0, false
	}
}

func asFloat64(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}
