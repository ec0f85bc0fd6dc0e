package message

import (
	"encoding/binary"

	"github.com/dzen-platform/corerpc/rpcerror"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// encodePart0 writes the kind magic followed by the msgpack encoding of hdr.
// Steady-state allocation is one small buffer per call, matching spec
// §4.1's "never allocates on steady-state paths beyond a small header
// buffer" requirement.
func encodePart0(kind Kind, hdr interface{}) (Part, error) {
	body, err := msgpack.Marshal(hdr)
	if err != nil {
		return nil, rpcerror.New(rpcerror.Transport, "message: encode header: %v", err)
	}
	buf := make([]byte, magicSize+len(body))
	binary.LittleEndian.PutUint32(buf[:magicSize], uint32(kind))
	copy(buf[magicSize:], body)
	return buf, nil
}

func decodePart0(part Part, want Kind, out interface{}) error {
	if len(part) < magicSize {
		return errBadKind
	}
	got := Kind(binary.LittleEndian.Uint32(part[:magicSize]))
	if got != want {
		return rpcerror.New(rpcerror.Transport, "message: expected kind %s, got %s", want, got)
	}
	if err := msgpack.Unmarshal(part[magicSize:], out); err != nil {
		return rpcerror.New(rpcerror.Transport, "message: decode header: %v", err)
	}
	return nil
}

// BuildRequest constructs a request envelope. body and attachments are
// shared, not copied: the caller retains ownership of the returned parts'
// identity (spec §8 property 1).
func BuildRequest(hdr *RequestHeader, body Part, attachments []Part) (Message, error) {
	p0, err := encodePart0(KindRequest, hdr)
	if err != nil {
		return Message{}, err
	}
	return assemble(p0, body, attachments)
}

// BuildCancellation constructs a cancellation envelope. Cancellation
// envelopes never carry a body or attachments.
func BuildCancellation(hdr *CancelationHeader) (Message, error) {
	p0, err := encodePart0(KindCancellation, hdr)
	if err != nil {
		return Message{}, err
	}
	return Message{Parts: []Part{p0}}, nil
}

// BuildResponse constructs a successful response envelope.
func BuildResponse(hdr *ResponseHeader, body Part, attachments []Part) (Message, error) {
	if hdr.Error != nil {
		// spec §6: "a response whose header has the error field set has no
		// body or attachments."
		return Message{}, rpcerror.New(rpcerror.Transport, "message: BuildResponse called with an error header; use BuildErrorResponse")
	}
	p0, err := encodePart0(KindResponse, hdr)
	if err != nil {
		return Message{}, err
	}
	return assemble(p0, body, attachments)
}

// BuildErrorResponse constructs an error response envelope: no body, no
// attachments, per spec §6.
func BuildErrorResponse(hdr *ResponseHeader) (Message, error) {
	if hdr.Error == nil {
		return Message{}, rpcerror.New(rpcerror.Transport, "message: BuildErrorResponse requires a non-nil Error")
	}
	p0, err := encodePart0(KindResponse, hdr)
	if err != nil {
		return Message{}, err
	}
	return Message{Parts: []Part{p0}}, nil
}

func assemble(p0 Part, body Part, attachments []Part) (Message, error) {
	parts := make([]Part, 0, 2+len(attachments))
	parts = append(parts, p0)
	if body != nil {
		parts = append(parts, body)
	} else if len(attachments) > 0 {
		// Keep positional meaning of part 1 == body even when there is no
		// body but there are attachments.
		parts = append(parts, Part{})
	}
	parts = append(parts, attachments...)
	m := Message{Parts: parts}
	if err := CheckLimits(m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// ParseRequestHeader decodes part 0 as a request header.
func ParseRequestHeader(m Message) (*RequestHeader, error) {
	if len(m.Parts) == 0 {
		return nil, errBadKind
	}
	var hdr RequestHeader
	if err := decodePart0(m.Parts[0], KindRequest, &hdr); err != nil {
		return nil, err
	}
	return &hdr, nil
}

// ParseResponseHeader decodes part 0 as a response header.
func ParseResponseHeader(m Message) (*ResponseHeader, error) {
	if len(m.Parts) == 0 {
		return nil, errBadKind
	}
	var hdr ResponseHeader
	if err := decodePart0(m.Parts[0], KindResponse, &hdr); err != nil {
		return nil, err
	}
	return &hdr, nil
}

// ParseCancellationHeader decodes part 0 as a cancellation header.
func ParseCancellationHeader(m Message) (*CancelationHeader, error) {
	if len(m.Parts) == 0 {
		return nil, errBadKind
	}
	var hdr CancelationHeader
	if err := decodePart0(m.Parts[0], KindCancellation, &hdr); err != nil {
		return nil, err
	}
	return &hdr, nil
}

// BuildStreamPayload and BuildStreamFeedback construct the two streaming
// envelope kinds (spec §4.7); they are the only kinds whose header package
// is reused directly by the stream package rather than re-exported, since
// no other component needs to build them.
func BuildStreamPayload(hdr *StreamPayloadHeader, buffers []Part) (Message, error) {
	p0, err := encodePart0(KindStreamPayload, hdr)
	if err != nil {
		return Message{}, err
	}
	parts := append([]Part{p0}, buffers...)
	m := Message{Parts: parts}
	if err := CheckLimits(m); err != nil {
		return Message{}, err
	}
	return m, nil
}

func ParseStreamPayloadHeader(m Message) (*StreamPayloadHeader, error) {
	if len(m.Parts) == 0 {
		return nil, errBadKind
	}
	var hdr StreamPayloadHeader
	if err := decodePart0(m.Parts[0], KindStreamPayload, &hdr); err != nil {
		return nil, err
	}
	return &hdr, nil
}

func BuildStreamFeedback(hdr *StreamFeedbackHeader) (Message, error) {
	p0, err := encodePart0(KindStreamFeedback, hdr)
	if err != nil {
		return Message{}, err
	}
	return Message{Parts: []Part{p0}}, nil
}

func ParseStreamFeedbackHeader(m Message) (*StreamFeedbackHeader, error) {
	if len(m.Parts) == 0 {
		return nil, errBadKind
	}
	var hdr StreamFeedbackHeader
	if err := decodePart0(m.Parts[0], KindStreamFeedback, &hdr); err != nil {
		return nil, err
	}
	return &hdr, nil
}

// BuildAcknowledgement constructs a bus-level delivery ack envelope; it
// never carries a body or attachments.
func BuildAcknowledgement(hdr *AcknowledgementHeader) (Message, error) {
	p0, err := encodePart0(KindAcknowledgement, hdr)
	if err != nil {
		return Message{}, err
	}
	return Message{Parts: []Part{p0}}, nil
}

// ParseAcknowledgementHeader decodes part 0 as an acknowledgement header.
func ParseAcknowledgementHeader(m Message) (*AcknowledgementHeader, error) {
	if len(m.Parts) == 0 {
		return nil, errBadKind
	}
	var hdr AcknowledgementHeader
	if err := decodePart0(m.Parts[0], KindAcknowledgement, &hdr); err != nil {
		return nil, err
	}
	return &hdr, nil
}

// RequestIDOf extracts the request id a message's header carries, for the
// kinds that name one directly — used by the bus layer to address a
// synthesized acknowledgement without the bus needing to understand every
// RPC-level header shape.
func RequestIDOf(m Message) (uuid.UUID, bool) {
	switch kind, err := GetMessageKind(m); {
	case err != nil:
		return uuid.UUID{}, false
	case kind == KindRequest:
		if hdr, err := ParseRequestHeader(m); err == nil {
			return hdr.RequestID, true
		}
	case kind == KindStreamPayload:
		if hdr, err := ParseStreamPayloadHeader(m); err == nil {
			return hdr.RequestID, true
		}
	}
	return uuid.UUID{}, false
}
