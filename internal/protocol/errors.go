package protocol

import (
	"errors"
	"fmt"
)

// Sentinel causes carried by EncodeError and DecodeError.
var (
	ErrEmptyMessage = errors.New("empty message")
	ErrTruncated    = errors.New("truncated message")
	ErrMalformed    = errors.New("malformed message")
	ErrUnknownTag   = errors.New("unknown event tag")
	ErrWireType     = errors.New("unexpected wire type")
	ErrInvalidUTF8  = errors.New("string is not valid UTF-8")
	ErrNilEvent     = errors.New("nil event")
)

// EncodeError reports an event that cannot be represented on the wire.
type EncodeError struct {
	Kind Kind
	Err  error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encoding %s: %v", e.Kind, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError reports bytes that do not form a valid event. It is always
// recoverable: the caller discards the message and carries on.
type DecodeError struct {
	Err    error
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("decoding event: %v", e.Err)
	}
	return fmt.Sprintf("decoding event: %v: %s", e.Err, e.Detail)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(err error, format string, args ...any) *DecodeError {
	return &DecodeError{Err: err, Detail: fmt.Sprintf(format, args...)}
}
