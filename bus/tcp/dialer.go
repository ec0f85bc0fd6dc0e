package tcp

import (
	"context"
	"net"

	"github.com/dzen-platform/corerpc/bus"
	"github.com/dzen-platform/corerpc/keepalive"
	"github.com/sirupsen/logrus"
)

// Dialer dials plain TCP connections, one per (address, band) pair. It
// implements bus.Dialer.
type Dialer struct {
	Keepalive keepalive.ClientParameters
	Log       logrus.FieldLogger
}

func (d Dialer) Dial(ctx context.Context, addr string, band bus.Band) (bus.Bus, error) {
	target := ParseTarget(addr)
	var dialer net.Dialer
	c, err := dialer.DialContext(ctx, "tcp", target.Endpoint)
	if err != nil {
		return nil, err
	}
	return NewConn(c, band, d.Keepalive, d.Log), nil
}
