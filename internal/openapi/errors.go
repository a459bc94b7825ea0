package openapi

import "fmt"

// SchemaError reports a request that cannot be expressed against the loaded
// broker schema: unknown payload type, unknown field, or a value that does
// not fit the field's descriptor.
type SchemaError struct {
	Message string
	Field   string
	Detail  string
}

func (e *SchemaError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("openapi: schema error: %s field %q: %s", e.Message, e.Field, e.Detail)
	}
	return fmt.Sprintf("openapi: schema error: %s: %s", e.Message, e.Detail)
}

// FrameError reports a malformed wire frame: short or inconsistent length
// prefix, or an envelope/payload that does not unmarshal.
type FrameError struct {
	Detail string
	Err    error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("openapi: bad frame: %s: %v", e.Detail, e.Err)
	}
	return "openapi: bad frame: " + e.Detail
}

func (e *FrameError) Unwrap() error { return e.Err }

// UnknownMessageError reports a structurally valid frame whose payload type
// is not present in the loaded schema. The session logs and drops these
// instead of tearing the connection down.
type UnknownMessageError struct {
	PayloadType uint32
	ClientMsgID string
}

func (e *UnknownMessageError) Error() string {
	return fmt.Sprintf("openapi: unknown payload type %d", e.PayloadType)
}
