package tcp

import (
	"net"

	"github.com/dzen-platform/corerpc/bus"
	"github.com/dzen-platform/corerpc/keepalive"
	"github.com/sirupsen/logrus"
)

// Listener accepts inbound connections and hands each, wrapped as a
// bus.Bus, to the onAccept callback given to Serve. It is the server-side half of package tcp; the
// rpc server (package server) owns one Listener and subscribes itself as
// every accepted Conn's bus.Handler.
type Listener struct {
	ln        net.Listener
	Keepalive keepalive.ServerParameters
	Log       logrus.FieldLogger
}

// Listen starts accepting on addr.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln}, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Close() error { return l.ln.Close() }

// Accept blocks for the next inbound connection and returns it wrapped as a
// bus.Bus on BandDefault. Callers that want band-specific listeners run one
// Listener per band (spec §6: "Each band gets its own bus connection").
func (l *Listener) Accept() (bus.Bus, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewConn(c, bus.BandDefault, keepalive.ClientParameters{Time: l.Keepalive.Time, Timeout: l.Keepalive.Timeout}, l.Log), nil
}

// Serve loops Accept, handing each new bus.Bus to onAccept. It returns when
// the listener is closed.
func (l *Listener) Serve(onAccept func(bus.Bus)) error {
	for {
		b, err := l.Accept()
		if err != nil {
			return err
		}
		onAccept(b)
	}
}
