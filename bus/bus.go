// Package bus defines the minimal transport contract the RPC engine needs
// from "the bus layer" that spec §1 treats as an external collaborator:
// connection-level framing, TLS, authentication and address resolution all
// live below this interface and are out of scope. Only enough surface is
// defined here to drive the channel, server and streaming contracts; see
// bus/tcp for the one concrete implementation this module ships, used to
// make the engine runnable end-to-end and exercised by its tests.
package bus

import (
	"context"

	"github.com/dzen-platform/corerpc/message"
)

// Band is a multiplexing band (spec §6): each gets its own bus connection
// per remote endpoint and its own TOS mapping.
type Band int

const (
	BandDefault Band = iota
	BandControl
	BandHeavy
)

func (b Band) String() string {
	switch b {
	case BandDefault:
		return "default"
	case BandControl:
		return "control"
	case BandHeavy:
		return "heavy"
	default:
		return "unknown"
	}
}

// Handler receives inbound messages from the bus. A client session and a
// server both implement Handler and subscribe to their bus.
type Handler interface {
	// HandleMessage is invoked for every inbound message. Implementations
	// must not block: hand off to a queue/invoker instead.
	HandleMessage(m message.Message)
	// HandleTermination is invoked exactly once, when the bus terminates,
	// with the reason.
	HandleTermination(err error)
}

// SendOptions mirrors the handful of per-send knobs the bus itself (as
// opposed to the RPC layer) is responsible for: delivery acknowledgement
// and attachment checksumming.
type SendOptions struct {
	RequestAck                  bool
	GenerateAttachmentChecksums bool
}

// Bus is one live connection (or connection-equivalent, for the local
// channel) to a remote endpoint on one multiplexing band.
type Bus interface {
	// Send enqueues m for delivery. If opts.RequestAck is set, the returned
	// error channel-less acknowledgement path is instead delivered through
	// the subscribed Handler — bus implementations do not block Send on the
	// network round trip.
	Send(ctx context.Context, m message.Message, opts SendOptions) error
	// Subscribe installs the handler that receives inbound messages and the
	// termination notice. Only one handler may be installed.
	Subscribe(h Handler)
	// Terminate tears the bus down with err as the reported reason. Safe to
	// call more than once; only the first call's error is reported.
	Terminate(err error)
	// Done reports whether Terminate has run.
	Done() <-chan struct{}
}

// Dialer creates a Bus to addr on the given band. Implemented by bus/tcp;
// kept as an interface here so the channel package and tests can swap in a
// fake.
type Dialer interface {
	Dial(ctx context.Context, addr string, band Band) (Bus, error)
}
