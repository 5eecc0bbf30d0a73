package domain

import "fmt"

// CodecErrorKind classifies document codec failures.
type CodecErrorKind int

const (
	// Malformed marks truncated, length-mismatched or otherwise
	// unparseable input.
	Malformed CodecErrorKind = iota
	// Overflow marks a numeric narrowing that cannot hold the wire value.
	Overflow
)

func (k CodecErrorKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case Overflow:
		return "overflow"
	}
	return "unknown"
}

// CodecError reports a document encoding or decoding failure.
type CodecError struct {
	Kind   CodecErrorKind
	Detail string
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("codec: %s: %s", e.Kind, e.Detail)
}

// NewCodecError builds a CodecError with a formatted detail message.
func NewCodecError(kind CodecErrorKind, format string, args ...interface{}) *CodecError {
	return &CodecError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// IdentifierError reports a missing or unassignable identifier on an
// operation that requires one.
type IdentifierError struct {
	Op     string // operation being attempted, e.g. "save"
	Type   string // entity type name, if known
	Detail string
}

func (e *IdentifierError) Error() string {
	msg := "identifier: " + e.Detail
	if e.Type != "" {
		msg += " (type " + e.Type + ")"
	}
	if e.Op != "" {
		msg += " during " + e.Op
	}
	return msg
}

// ProtocolError reports a wire-level failure: connection errors, oversized
// messages, unexpected message types.
type ProtocolError struct {
	Op     string
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol: " + e.Op + ": " + e.Detail
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ServerError is a structured failure reported by the remote
// acknowledgement, observable only in strict mode.
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("server: %s (code %d)", e.Message, e.Code)
	}
	return "server: " + e.Message
}
