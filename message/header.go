package message

import (
	"time"

	"github.com/dzen-platform/corerpc/rpcerror"
	"github.com/google/uuid"
)

// RequestHeader carries exactly the fields spec §3 names. MutationID and
// Retry are used by the response keeper (spec §4.4); Timeout and StartTime
// are stamped by the channel on Send (spec §4.2).
//
// Identifier fields use uuid.UUID directly rather than a raw [16]byte: the
// msgpack codec marshals it through uuid.UUID's MarshalBinary/UnmarshalBinary
// methods, so the wire representation is the same 16 raw bytes either way.
type RequestHeader struct {
	RequestID      uuid.UUID         `msgpack:"id"`
	RealmID        uuid.UUID         `msgpack:"realm"`
	Service        string            `msgpack:"service"`
	Method         string            `msgpack:"method"`
	ProtocolVer    int32             `msgpack:"proto"`
	MutationID     *uuid.UUID        `msgpack:"mut,omitempty"`
	Retry          bool              `msgpack:"retry,omitempty"`
	TimeoutMillis  *int64            `msgpack:"timeout,omitempty"`
	StartTimeUnix  *int64            `msgpack:"start,omitempty"`
	User           string            `msgpack:"user,omitempty"`
	// TraceContext is the calling Channel's x/net/trace family/title for this
	// call (stamped in Send), so a receiver instrumented with the same
	// event-log registry can open a correlated trace entry instead of an
	// unrelated one.
	TraceContext string `msgpack:"trace,omitempty"`
	RequestFormat  string            `msgpack:"reqfmt,omitempty"`
	ResponseFormat string            `msgpack:"respfmt,omitempty"`
	ResponseCodec  string            `msgpack:"respcodec,omitempty"`
	Extra          map[string]string `msgpack:"extra,omitempty"`
}

func (h *RequestHeader) Timeout() (time.Duration, bool) {
	if h.TimeoutMillis == nil {
		return 0, false
	}
	return time.Duration(*h.TimeoutMillis) * time.Millisecond, true
}

func (h *RequestHeader) SetTimeout(d time.Duration) {
	ms := d.Milliseconds()
	h.TimeoutMillis = &ms
}

func (h *RequestHeader) SetStartTime(t time.Time) {
	u := t.UnixNano()
	h.StartTimeUnix = &u
}

func (h *RequestHeader) StartTime() (time.Time, bool) {
	if h.StartTimeUnix == nil {
		return time.Time{}, false
	}
	return time.Unix(0, *h.StartTimeUnix), true
}

// WireError is the protobuf-Struct-free, msgpack-friendly mirror of
// rpcerror.Error used inside ResponseHeader: attributes travel as a plain
// map on the wire and are rehydrated into a structpb.Struct by the caller
// when an Error needs to be constructed, keeping the codec itself free of
// the protobuf dependency's allocation overhead on the steady-state path.
type WireError struct {
	Code       int32             `msgpack:"code"`
	Message    string            `msgpack:"message"`
	Attributes map[string]string `msgpack:"attrs,omitempty"`
}

func FromError(err *rpcerror.Error) *WireError {
	if err == nil {
		return nil
	}
	we := &WireError{Code: int32(err.Code), Message: err.Message}
	if err.Attributes != nil {
		we.Attributes = make(map[string]string, len(err.Attributes.Fields))
		for k, v := range err.Attributes.Fields {
			we.Attributes[k] = v.GetStringValue()
		}
	}
	return we
}

func (we *WireError) ToError() *rpcerror.Error {
	if we == nil {
		return nil
	}
	e := rpcerror.New(rpcerror.Code(we.Code), "%s", we.Message)
	if len(we.Attributes) > 0 {
		attrs := make(map[string]interface{}, len(we.Attributes))
		for k, v := range we.Attributes {
			attrs[k] = v
		}
		e = e.WithAttributes(attrs)
	}
	return e
}

// ResponseHeader carries exactly the fields spec §3 names.
type ResponseHeader struct {
	RequestID  uuid.UUID  `msgpack:"id"`
	Error      *WireError `msgpack:"error,omitempty"`
	BodyFormat string     `msgpack:"bodyfmt,omitempty"`
	MemoryZone string     `msgpack:"memzone,omitempty"`
	Codec      string     `msgpack:"codec,omitempty"`
}

// CancelationHeader carries the id of the request being cancelled.
type CancelationHeader struct {
	RequestID uuid.UUID `msgpack:"id"`
}

// StreamPayloadHeader tags one attachment payload envelope (spec §4.7).
type StreamPayloadHeader struct {
	RequestID  uuid.UUID `msgpack:"id"`
	Direction  int8      `msgpack:"dir"` // 0 = client->server, 1 = server->client
	Sequence   uint64    `msgpack:"seq"`
	Codec      string    `msgpack:"codec,omitempty"`
	MemoryZone string    `msgpack:"memzone,omitempty"`
	Fin        bool      `msgpack:"fin,omitempty"`
}

// StreamFeedbackHeader carries the single field spec §4.7 describes: the
// peer's current ReadPosition.
type StreamFeedbackHeader struct {
	RequestID    uuid.UUID `msgpack:"id"`
	Direction    int8      `msgpack:"dir"`
	ReadPosition int64     `msgpack:"read"`
}

// AcknowledgementHeader is the whole envelope for a bus-level delivery ack
// (spec §4.2: RequestAck/OnAcknowledgement): it carries nothing beyond the
// id of the request whose envelope reached the peer's connection, well
// before that request's handler has run.
type AcknowledgementHeader struct {
	RequestID uuid.UUID `msgpack:"id"`
}
