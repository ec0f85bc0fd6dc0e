package corerpc

import (
	"context"
	"sync"

	"github.com/dzen-platform/corerpc/bus"
	"github.com/sirupsen/logrus"
)

// multiBandChannel is the Channel callers normally construct: one
// clientSession per multiplexing band, created lazily the first time a Send
// picks that band (spec §6: "each band gets its own bus connection per
// remote endpoint").
type multiBandChannel struct {
	dialer bus.Dialer
	addr   string
	log    logrus.FieldLogger

	mu       sync.Mutex
	sessions map[bus.Band]*clientSession
	termErr  error
}

// NewChannel builds a Channel to addr, dialing through dialer. log may be
// nil, in which case logrus.StandardLogger() is used.
func NewChannel(dialer bus.Dialer, addr string, log logrus.FieldLogger) Channel {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &multiBandChannel{
		dialer:   dialer,
		addr:     addr,
		log:      log,
		sessions: make(map[bus.Band]*clientSession),
	}
}

func (c *multiBandChannel) sessionFor(band bus.Band) (*clientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.termErr != nil {
		return nil, c.termErr
	}
	if s, ok := c.sessions[band]; ok {
		return s, nil
	}
	s := newClientSession(c.dialer, c.addr, band, c.log)
	c.sessions[band] = s
	return s, nil
}

// Send implements Channel: it resolves the target band from opts, then
// delegates to (and lazily creates) that band's session.
func (c *multiBandChannel) Send(ctx context.Context, req *Request, h ResponseHandler, opts ...SendOption) (RequestControl, error) {
	o := defaultSendOptions()
	for _, opt := range opts {
		opt(&o)
	}
	s, err := c.sessionFor(o.band)
	if err != nil {
		return nil, err
	}
	return s.Send(ctx, req, h, opts...)
}

// Terminate implements Channel: it tears down every band session this
// channel has opened.
func (c *multiBandChannel) Terminate(err error) {
	c.mu.Lock()
	if c.termErr != nil {
		c.mu.Unlock()
		return
	}
	c.termErr = err
	sessions := c.sessions
	c.sessions = make(map[bus.Band]*clientSession)
	c.mu.Unlock()

	for _, s := range sessions {
		s.Terminate(err)
	}
}
