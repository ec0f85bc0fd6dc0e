// Package tcp is the one concrete Bus implementation this module ships: a
// length-framed connection over net.Conn carrying message.Message values.
// Framing, dialing and keepalive live entirely below the bus.Bus interface,
// matching spec §1's assignment of "connection-level framing ... and
// address resolution" to the bus layer.
package tcp

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/dzen-platform/corerpc/bus"
	"github.com/dzen-platform/corerpc/keepalive"
	"github.com/dzen-platform/corerpc/message"
	"github.com/dzen-platform/corerpc/rpcerror"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Conn is a bus.Bus backed by one net.Conn.
type Conn struct {
	conn net.Conn
	band bus.Band
	log  logrus.FieldLogger

	sendMu sync.Mutex
	writer *bufio.Writer

	mu        sync.Mutex
	handler   bus.Handler
	done      chan struct{}
	closeOnce sync.Once
	termErr   error
}

// NewConn wraps an already-established net.Conn as a bus.Bus and starts its
// read loop. ka may be the zero value, disabling keepalive.
func NewConn(c net.Conn, band bus.Band, ka keepalive.ClientParameters, log logrus.FieldLogger) *Conn {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if tc, ok := c.(*net.TCPConn); ok && ka.Time > 0 {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(ka.Time)
	}
	cn := &Conn{
		conn:   c,
		band:   band,
		log:    log.WithField("band", band.String()),
		writer: bufio.NewWriter(c),
		done:   make(chan struct{}),
	}
	go cn.readLoop(ka.Timeout)
	return cn
}

func (c *Conn) Subscribe(h bus.Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Conn) Send(_ context.Context, m message.Message, opts bus.SendOptions) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	select {
	case <-c.done:
		return rpcerror.NewUnavailable("tcp bus: connection terminated: %v", c.termErr)
	default:
	}
	if err := writeMessage(c.writer, m, opts.RequestAck); err != nil {
		c.Terminate(err)
		return err
	}
	return c.writer.Flush()
}

// sendAck writes a standalone acknowledgement envelope back to the peer,
// outside of sendMu's normal Send path since it is synthesized by the read
// loop rather than requested by this side's caller.
func (c *Conn) sendAck(id uuid.UUID) {
	m, err := message.BuildAcknowledgement(&message.AcknowledgementHeader{RequestID: id})
	if err != nil {
		c.log.WithError(err).Warn("tcp bus: build acknowledgement")
		return
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	if err := writeMessage(c.writer, m, false); err != nil {
		c.log.WithError(err).Warn("tcp bus: write acknowledgement")
		return
	}
	_ = c.writer.Flush()
}

func (c *Conn) readLoop(timeout time.Duration) {
	for {
		if timeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
		}
		m, requestAck, err := readMessage(c.conn)
		if err != nil {
			c.Terminate(rpcerror.NewUnavailable("tcp bus: connection closed: %v", err))
			return
		}
		if requestAck {
			if id, ok := message.RequestIDOf(m); ok {
				go c.sendAck(id)
			}
		}
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h == nil {
			c.log.Debug("tcp bus: dropping message, no handler subscribed yet")
			continue
		}
		h.HandleMessage(m)
	}
}

func (c *Conn) Terminate(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.termErr = err
		h := c.handler
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
		if h != nil {
			h.HandleTermination(err)
		}
	})
}

func (c *Conn) Done() <-chan struct{} { return c.done }
