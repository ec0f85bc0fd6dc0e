// Package rpcerror defines the domain-tagged error taxonomy shared by every
// component of the RPC engine: the channel, the service base, the response
// keeper and the streaming attachments all raise and inspect values of this
// package rather than bare Go errors, mirroring the teacher's codes/status
// split (github.com/chalvern/grpc-go/codes, .../status).
package rpcerror

// Code is a domain-qualified error code. The numeric space below is fixed by
// the wire protocol (spec §6) and must not be renumbered.
type Code int32

const (
	// OK is never sent on the wire; it exists so a zero Code is meaningful.
	OK Code = 0

	// Transport covers codec/framing failures: bad header, size/count limit
	// violations, and similar deterministic, local failures.
	Transport Code = 1

	// ProtocolError is returned when a request's protocol version is neither
	// generic nor the one the method expects.
	ProtocolError Code = 101
	// NoSuchService is returned when (service name, realm id) has no
	// registered service.
	NoSuchService Code = 102
	// NoSuchMethod is returned when the service has no method by that name.
	NoSuchMethod Code = 103
	// Unavailable is returned when the service (or the keeper covering it)
	// is stopped, or when a kept future needs to be retried cleanly.
	Unavailable Code = 105
	// PoisonPill is fatal to the receiving client process by design.
	PoisonPill Code = 106
	// Abandoned is returned when a request is given up on without ever
	// reaching a handler outcome: the channel it was queued on closed, the
	// server dropped it during shutdown, and similar give-up conditions
	// distinct from an explicit caller Cancel.
	Abandoned Code = 107
	// RequestQueueSizeLimitExceeded is returned when a method's queue is
	// full at admission time.
	RequestQueueSizeLimitExceeded Code = 108
	// AuthenticationError is reserved for the bus/auth layer; the RPC engine
	// only forwards it.
	AuthenticationError Code = 109
	// InvalidCsrfToken is reserved for the bus/auth layer.
	InvalidCsrfToken Code = 110

	// Canceled mirrors the host platform's cancellation code.
	Canceled Code = 1101
	// Timeout mirrors the host platform's deadline-exceeded code.
	Timeout Code = 1102

	// DuplicateNotMarkedRetry and Warmup are response-keeper-local codes;
	// they never cross the wire standalone but are wrapped into a regular
	// Error so callers can match on Code like any other failure.
	DuplicateNotMarkedRetry Code = 2001
	Warmup                  Code = 2002
)

// Retriable lists the codes the retrying channel wrapper (spec §4.3) is
// allowed to resubmit on. Canceled is deliberately excluded: an explicit
// caller cancellation must reach the caller exactly once, never be retried
// behind its back.
func (c Code) Retriable() bool {
	switch c {
	case Transport, Unavailable, Abandoned, RequestQueueSizeLimitExceeded, Timeout:
		return true
	default:
		return false
	}
}

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case Transport:
		return "Transport"
	case ProtocolError:
		return "ProtocolError"
	case NoSuchService:
		return "NoSuchService"
	case NoSuchMethod:
		return "NoSuchMethod"
	case Unavailable:
		return "Unavailable"
	case PoisonPill:
		return "PoisonPill"
	case Abandoned:
		return "Abandoned"
	case RequestQueueSizeLimitExceeded:
		return "RequestQueueSizeLimitExceeded"
	case AuthenticationError:
		return "AuthenticationError"
	case InvalidCsrfToken:
		return "InvalidCsrfToken"
	case Canceled:
		return "Canceled"
	case Timeout:
		return "Timeout"
	case DuplicateNotMarkedRetry:
		return "DuplicateNotMarkedRetry"
	case Warmup:
		return "Warmup"
	default:
		return "Unknown"
	}
}
