// Package message implements the wire-level envelope codec described in
// spec §3–§4.1 and §6: an RPC unit is an ordered sequence of immutable byte
// buffers ("parts"), part 0 being a length-prefixed, kind-tagged header.
//
// The teacher (chalvern-grpc-go) never shipped its own wire codec (that
// lives in grpc-go's internal/transport, not part of the retrieved files),
// so this package is grounded instead on the binary-framing idiom visible in
// the rest of the example pack (rockstar-0000-aistore's transport package:
// a small magic-tagged prelude followed by a structured header) combined
// with the teacher's insistence, throughout stream.go, that codec errors
// become status-tagged RPC errors rather than being returned raw.
package message

import "github.com/dzen-platform/corerpc/rpcerror"

// Kind identifies what a message on the wire is for. The numeric values are
// the little-endian interpretation of the 4-byte ASCII magic tags fixed by
// spec §6 and must not change.
type Kind uint32

const (
	KindRequest         Kind = 0x69637072 // "rpci"
	KindCancellation    Kind = 0x63637072 // "rpcc"
	KindResponse        Kind = 0x6f637072 // "rpco"
	KindStreamPayload   Kind = 0x70637072 // "rpcp" — streaming payload envelope
	KindStreamFeedback  Kind = 0x66637072 // "rpcf" — streaming feedback envelope
	KindAcknowledgement Kind = 0x61637072 // "rpca" — bus-level delivery ack
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "Request"
	case KindCancellation:
		return "Cancellation"
	case KindResponse:
		return "Response"
	case KindStreamPayload:
		return "StreamPayload"
	case KindStreamFeedback:
		return "StreamFeedback"
	case KindAcknowledgement:
		return "Acknowledgement"
	default:
		return "Unknown"
	}
}

// errBadKind is returned by GetMessageKind and the Parse* functions when the
// message has no parts or part 0 is too short to carry a magic tag. A tag
// that doesn't match what was asked for gets its own "expected kind" error.
var errBadKind = rpcerror.New(rpcerror.Transport, "message: missing or unrecognized kind prelude")
