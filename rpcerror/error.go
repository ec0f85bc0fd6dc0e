package rpcerror

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// Error is the tagged value every component raises: a domain-qualified code,
// a human message, a bag of nested attributes (carried as a protobuf Struct,
// the same shape the original header uses for its error field), and
// optional inner errors for composition (e.g. a retrying wrapper reporting
// the last attempt's failure alongside the envelope timeout).
type Error struct {
	Code       Code
	Message    string
	Attributes *structpb.Struct
	Inner      []*Error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an Error with no attributes.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithAttributes returns a copy of e with attrs merged in, building the
// protobuf Struct lazily so the hot, attribute-free path never allocates one.
func (e *Error) WithAttributes(attrs map[string]interface{}) *Error {
	s, err := structpb.NewStruct(attrs)
	if err != nil {
		// Attributes are diagnostic only; a marshaling failure must not
		// mask the underlying error.
		s = nil
	}
	out := *e
	out.Attributes = s
	return &out
}

// WithInner appends inner as a nested cause.
func (e *Error) WithInner(inner *Error) *Error {
	out := *e
	out.Inner = append(append([]*Error{}, e.Inner...), inner)
	return &out
}

// Is reports whether err carries code, unwrapping *Error values only (no
// wire error wraps a non-rpcerror cause).
func Is(err error, code Code) bool {
	e, ok := err.(*Error)
	return ok && e != nil && e.Code == code
}

// CodeOf extracts the Code from err, defaulting to Transport for errors that
// did not originate in this package (e.g. a raw I/O error from the bus).
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return Transport
}

// NewUnavailable, NewCanceled, NewAbandoned and NewTimeout are convenience
// constructors used at the many call sites in the channel and service base
// that retire a request with one of these everyday codes.
func NewUnavailable(format string, args ...interface{}) *Error { return New(Unavailable, format, args...) }
func NewCanceled(format string, args ...interface{}) *Error    { return New(Canceled, format, args...) }
func NewAbandoned(format string, args ...interface{}) *Error   { return New(Abandoned, format, args...) }
func NewTimeout(format string, args ...interface{}) *Error     { return New(Timeout, format, args...) }
