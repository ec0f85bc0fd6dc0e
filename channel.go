// Package corerpc is the client-facing surface of the RPC engine: the
// Channel that multiplexes requests over one bus connection per band (spec
// §4.2), its decorating wrappers (spec §4.3), and the Request/ResponseHandler
// types the generated-code-equivalent call sites use. It plays the role the
// teacher's root `grpc` package plays for ClientConn/ Invoke/ NewStream.
package corerpc

import (
	"context"
	"sync"
	"time"

	"github.com/dzen-platform/corerpc/bus"
	"github.com/dzen-platform/corerpc/dispatcher"
	"github.com/dzen-platform/corerpc/message"
	"github.com/dzen-platform/corerpc/rpcerror"
	"github.com/dzen-platform/corerpc/stream"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/trace"
	"golang.org/x/sync/singleflight"
)

// clientStreamWindowSize bounds in-flight, unacknowledged attachment bytes
// for a client-initiated stream (spec §4.7's W), mirroring the server side's
// default.
const clientStreamWindowSize = 1 << 20

// streamFeedbackInterval is how often the client reports read progress back
// to the server for a stream it is consuming (spec §4.7).
const streamFeedbackInterval = 20 * time.Millisecond

// ResponseHandler is the per-request callback set a caller of Send supplies.
// Exactly one of OnResponse/OnError fires, exactly once, for every accepted
// Send (spec §8 property 2); OnAcknowledgement fires at most once, only
// when RequestAck was requested and only before the terminal callback.
type ResponseHandler interface {
	OnResponse(body message.Part, attachments []message.Part)
	OnError(err *rpcerror.Error)
	OnAcknowledgement()
}

// Request is everything a caller supplies to Send; the channel stamps the
// remaining header fields (request id, start time, timeout).
type Request struct {
	Service     string
	Method      string
	RealmID     RealmID
	User        string
	MutationID  *MutationID
	Retry       bool
	ProtocolVer int32
	Body        message.Part
	Attachments []message.Part

	// ID, if non-nil, is used as the wire request id instead of generating
	// a fresh one. The retrying wrapper (spec §4.3: "the original request id
	// is preserved across tries") sets this on every attempt, the first
	// included.
	ID *RequestID
}

// RequestControl is the per-request client-side handle spec §3 describes:
// created on Send, retired on exactly one of
// {response, error, cancellation, timeout, bus termination}.
type RequestControl interface {
	RequestID() RequestID
	// Cancel requests cancellation. It is safe to call more than once and
	// safe to call after the request has already retired (a no-op then).
	Cancel()
}

// StreamingRequestControl is the RequestControl a Send made with
// WithAttachmentStreaming returns: it exposes the call's live attachment
// streams in place of a Request.Attachments slice (spec §4.7). The
// RequestControl returned by a NewChannel session implements it; the one
// returned by the retrying wrapper does not. OutputStream/InputStream are nil
// when the call wasn't sent with WithAttachmentStreaming.
type StreamingRequestControl interface {
	RequestControl
	OutputStream() *stream.ClientOutputStream
	InputStream() *stream.ClientInputStream
}

// Channel is the contract every wrapper (spec §4.3) and the local channel
// (spec §4.8) implement.
type Channel interface {
	Send(ctx context.Context, req *Request, h ResponseHandler, opts ...SendOption) (RequestControl, error)
	// Terminate is idempotent; every Send after it fails with err, and every
	// in-flight handler receives err.
	Terminate(err error)
}

// sessionState is the per-band session state machine from spec §4.2.
type sessionState int32

const (
	stateIdle sessionState = iota
	stateOpen
	stateTerminated
)

// clientRequestControl is the concrete RequestControl; it also holds what
// the session needs to retire the request.
type clientRequestControl struct {
	id       RequestID
	service  string
	method   string
	handler  ResponseHandler
	start    time.Time
	timer    *time.Timer
	disp     *dispatcher.Dispatcher

	// streamOut and streamIn are non-nil only when Send was called with
	// WithAttachmentStreaming (spec §4.7).
	streamOut *stream.AttachmentsOutputStream
	streamIn  *stream.AttachmentsInputStream

	// tr is the event log backing this call's entry on the /debug/requests
	// page; it is finished exactly once, alongside retirement.
	tr trace.Trace

	mu       sync.Mutex
	retired  bool
	finalAt  time.Time
	finalErr *rpcerror.Error
}

func (c *clientRequestControl) RequestID() RequestID { return c.id }

func (c *clientRequestControl) callError() *rpcerror.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalErr
}

// OutputStream and InputStream implement StreamingRequestControl. A call
// sent without WithAttachmentStreaming reports nil for both.
func (c *clientRequestControl) OutputStream() *stream.ClientOutputStream {
	if c.streamOut == nil {
		return nil
	}
	return stream.NewClientOutputStream(c.streamOut, false)
}

func (c *clientRequestControl) InputStream() *stream.ClientInputStream {
	if c.streamIn == nil {
		return nil
	}
	return stream.NewClientInputStream(c.streamIn, c.callError)
}

// clientSession is one multiplexing-band session: one bus connection, one
// active-requests map, one state machine. It implements Channel directly;
// NewChannel composes one clientSession per band behind a single Channel
// value.
type clientSession struct {
	band   bus.Band
	dialer bus.Dialer
	addr   string
	disp   *dispatcher.Dispatcher
	log    logrus.FieldLogger

	mu      sync.Mutex
	state   sessionState
	b       bus.Bus
	active  map[RequestID]*clientRequestControl
	termErr error

	metaMu sync.RWMutex
	meta   map[methodKey]*methodMetadata

	// dialGroup coalesces concurrent first-Sends racing to dial the same
	// (addr, band): without it, two Sends arriving before the session
	// leaves IDLE would each open their own bus connection, with all but
	// one immediately discarded.
	dialGroup singleflight.Group
}

type methodKey struct{ service, method string }

type methodMetadata struct {
	mu    sync.Mutex
	count int64
	total time.Duration
}

func newClientSession(dialer bus.Dialer, addr string, band bus.Band, log logrus.FieldLogger) *clientSession {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &clientSession{
		band:   band,
		dialer: dialer,
		addr:   addr,
		disp:   dispatcher.Get(),
		log:    log,
		state:  stateIdle,
		active: make(map[RequestID]*clientRequestControl),
		meta:   make(map[methodKey]*methodMetadata),
	}
}

// ensureOpen lazily dials the bus on first Send (spec §4.2: "IDLE -> OPEN
// (on first Send, creates Bus)").
func (s *clientSession) ensureOpen(ctx context.Context) (bus.Bus, error) {
	s.mu.Lock()
	switch s.state {
	case stateTerminated:
		err := s.termErr
		s.mu.Unlock()
		return nil, err
	case stateOpen:
		b := s.b
		s.mu.Unlock()
		return b, nil
	}
	s.mu.Unlock()

	v, err, _ := s.dialGroup.Do("dial", func() (interface{}, error) {
		return s.dialer.Dial(ctx, s.addr, s.band)
	})
	if err != nil {
		return nil, rpcerror.NewUnavailable("rpc: dial %s band %s: %v", s.addr, s.band, err)
	}
	b := v.(bus.Bus)

	s.mu.Lock()
	if s.state == stateTerminated {
		err := s.termErr
		s.mu.Unlock()
		b.Terminate(err)
		return nil, err
	}
	s.state = stateOpen
	s.b = b
	s.mu.Unlock()

	b.Subscribe(&sessionBusHandler{session: s})
	return b, nil
}

// Send implements Channel.
func (s *clientSession) Send(ctx context.Context, req *Request, h ResponseHandler, opts ...SendOption) (RequestControl, error) {
	o := defaultSendOptions()
	for _, opt := range opts {
		opt(&o)
	}

	b, err := s.ensureOpen(ctx)
	if err != nil {
		return nil, err
	}

	id := NewRequestID()
	if req.ID != nil {
		id = *req.ID
	}
	hdr := &message.RequestHeader{
		RequestID:   id.toUUID(),
		RealmID:     req.RealmID.toUUID(),
		Service:     req.Service,
		Method:      req.Method,
		ProtocolVer: req.ProtocolVer,
		User:        req.User,
		Retry:       req.Retry,
	}
	if req.MutationID != nil {
		u := req.MutationID.toUUID()
		hdr.MutationID = &u
	}
	start := time.Now()
	hdr.SetStartTime(start)
	if o.hasTimeout {
		hdr.SetTimeout(o.timeout)
	}

	// tr is this call's /debug/requests entry (grouped by service, titled by
	// method+id); its family/title is also stamped onto the wire as
	// TraceContext so a callee sharing the same event-log registry can open
	// a correlated entry instead of an unrelated one.
	tr := trace.New("corerpc.Send."+req.Service, req.Service+"."+req.Method+" "+id.String())
	if o.hasTimeout {
		tr.LazyPrintf("timeout %s", o.timeout)
	}
	hdr.TraceContext = "corerpc.Send." + req.Service + "/" + req.Service + "." + req.Method + " " + id.String()
	ctx = trace.NewContext(ctx, tr)

	ctrl := &clientRequestControl{
		id:      id,
		service: req.Service,
		method:  req.Method,
		handler: h,
		start:   start,
		disp:    s.disp,
		tr:      tr,
	}
	if o.attachmentStreaming {
		ctrl.streamOut = stream.NewAttachmentsOutputStream(clientStreamWindowSize, "")
		ctrl.streamIn = stream.NewAttachmentsInputStream()
	}
	ctrlOwner := &sessionOwnedControl{clientRequestControl: ctrl, owner: s}

	build := func() (message.Message, error) {
		return message.BuildRequest(hdr, req.Body, req.Attachments)
	}

	doSend := func() {
		m, err := build()
		if err != nil {
			s.retireControl(ctrlOwner, rpcerror.New(rpcerror.Transport, "rpc: build request: %v", err), false)
			return
		}

		s.mu.Lock()
		if s.state == stateTerminated {
			err := s.termErr
			s.mu.Unlock()
			s.retireControl(ctrlOwner, toRPCError(err), false)
			return
		}
		if prev, ok := s.active[id]; ok {
			// spec §4.2: a duplicate id is permitted and retires the prior
			// entry with a "request resent" error.
			delete(s.active, id)
			s.mu.Unlock()
			s.retireControl(&sessionOwnedControl{clientRequestControl: prev, owner: s},
				rpcerror.New(rpcerror.Transport, "rpc: request resent"), false)
			s.mu.Lock()
		}
		s.active[id] = ctrl
		s.mu.Unlock()

		if o.hasTimeout {
			ctrl.timer = time.AfterFunc(o.timeout, func() {
				s.retireControl(ctrlOwner, rpcerror.NewTimeout("rpc: %s.%s timed out after %s", req.Service, req.Method, o.timeout), false)
			})
		}

		sendOpts := bus.SendOptions{RequestAck: o.requestAck, GenerateAttachmentChecksums: o.checksums}
		if err := b.Send(ctx, m, sendOpts); err != nil {
			s.retireControl(ctrlOwner, toRPCError(err), false)
			return
		}
		if o.attachmentStreaming {
			go pumpStreamOutput(b, id, ctrl.streamOut)
			go pumpStreamFeedback(b, id, ctrl.streamIn)
		}
	}

	// Serialization runs on the heavy invoker only when the caller marked
	// the request heavy (spec §4.2: "on the heavy invoker if the request is
	// marked heavy, inline otherwise").
	if o.heavy {
		s.disp.Heavy().Submit(doSend)
	} else {
		doSend()
	}

	return ctrlOwner, nil
}

// pumpStreamOutput drains out's ready payloads onto b as they become
// available, stamping each with id and the client->server direction (spec
// §4.7), until out closes, fails, or the bus goes down.
func pumpStreamOutput(b bus.Bus, id RequestID, out *stream.AttachmentsOutputStream) {
	for {
		for {
			hdr, bufs, ok := out.TryPull()
			if !ok {
				break
			}
			hdr.RequestID = id.toUUID()
			hdr.Direction = 0
			msg, err := message.BuildStreamPayload(hdr, bufs)
			if err != nil {
				out.Abort(rpcerror.New(rpcerror.Transport, "rpc: build stream payload: %v", err))
				return
			}
			if err := b.Send(context.Background(), msg, bus.SendOptions{}); err != nil {
				out.Abort(toRPCError(err))
				return
			}
			if hdr.Fin {
				return
			}
		}
		select {
		case <-out.Notify():
		case <-b.Done():
			return
		}
	}
}

// pumpStreamFeedback periodically reports in's read progress back to the
// server so its AttachmentsOutputStream's write window can advance (spec
// §4.7), until in reaches a terminal state or the bus goes down.
func pumpStreamFeedback(b bus.Bus, id RequestID, in *stream.AttachmentsInputStream) {
	ticker := time.NewTicker(streamFeedbackInterval)
	defer ticker.Stop()
	last := int64(-1)
	for {
		select {
		case <-ticker.C:
		case <-b.Done():
			return
		}
		pos := in.ReadPosition()
		done := in.Done()
		if pos != last {
			hdr := &message.StreamFeedbackHeader{RequestID: id.toUUID(), Direction: 1, ReadPosition: pos}
			if msg, err := message.BuildStreamFeedback(hdr); err == nil {
				_ = b.Send(context.Background(), msg, bus.SendOptions{})
			}
			last = pos
		}
		if done {
			return
		}
	}
}

// toRPCError coerces any error into an *rpcerror.Error, wrapping foreign
// errors (a raw I/O error from the bus, for instance) as Unavailable.
func toRPCError(err error) *rpcerror.Error {
	if err == nil {
		return nil
	}
	if re, ok := err.(*rpcerror.Error); ok {
		return re
	}
	return rpcerror.NewUnavailable("rpc: %v", err)
}

// sessionOwnedControl is the RequestControl handed back to callers; it
// carries the owning session so Cancel can reach the active map.
type sessionOwnedControl struct {
	*clientRequestControl
	owner *clientSession
}

// Cancel posts the cancellation onto the light invoker rather than running
// it inline, per spec §9 ("Avoiding stack blow-up on cancellation"): a chain
// of dependent requests cancelling each other synchronously can recurse
// thousands of frames deep.
func (c *sessionOwnedControl) Cancel() {
	c.owner.disp.Light().Submit(func() {
		c.owner.retireControl(c, rpcerror.NewCanceled("rpc: %s.%s canceled", c.service, c.method), true)
	})
}

func (s *clientSession) retireControl(c *sessionOwnedControl, err *rpcerror.Error, sendCancel bool) {
	c.mu.Lock()
	if c.retired {
		c.mu.Unlock()
		return
	}
	c.retired = true
	c.finalAt = time.Now()
	c.finalErr = err
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()

	s.mu.Lock()
	if cur, ok := s.active[c.id]; ok && cur == c.clientRequestControl {
		delete(s.active, c.id)
	}
	b := s.b
	s.mu.Unlock()

	if err != nil {
		if c.streamIn != nil {
			c.streamIn.Abort(err)
		}
		if c.streamOut != nil {
			c.streamOut.Abort(err)
		}
		if c.tr != nil {
			c.tr.LazyPrintf("error: %v", err)
			c.tr.SetError()
			c.tr.Finish()
		}
		c.handler.OnError(err)
	}
	if sendCancel && b != nil {
		cm, cerr := message.BuildCancellation(&message.CancelationHeader{RequestID: c.id.toUUID()})
		if cerr == nil {
			_ = b.Send(context.Background(), cm, bus.SendOptions{})
		}
	}
}

// Terminate implements Channel: idempotent, retires every in-flight
// request with err, and fails every subsequent Send with it.
func (s *clientSession) Terminate(err error) {
	s.mu.Lock()
	if s.state == stateTerminated {
		s.mu.Unlock()
		return
	}
	s.state = stateTerminated
	s.termErr = err
	active := s.active
	s.active = make(map[RequestID]*clientRequestControl)
	b := s.b
	s.mu.Unlock()

	re := toRPCError(err)
	for _, ctrl := range active {
		s.retireControl(&sessionOwnedControl{clientRequestControl: ctrl, owner: s}, re, false)
	}
	if b != nil {
		b.Terminate(err)
	}
}

// sessionBusHandler adapts bus.Handler onto clientSession: the bus holds this
// thin handler, the handler holds the session, and the session holds the bus.
// All three references are strong and tearing the bus down clears none of
// them; the garbage collector reclaims the cycle once nothing outside it
// refers to any of the three (spec §9, "Cyclic references").
type sessionBusHandler struct {
	session *clientSession
}

func (h *sessionBusHandler) HandleMessage(m message.Message) {
	kind, err := message.GetMessageKind(m)
	if err != nil {
		h.session.log.WithError(err).Debug("rpc: dropping malformed message")
		return
	}
	switch kind {
	case message.KindResponse:
		h.session.handleResponse(m)
	case message.KindAcknowledgement:
		h.session.handleAcknowledgement(m)
	case message.KindStreamPayload:
		h.session.handleStreamPayload(m)
	case message.KindStreamFeedback:
		h.session.handleStreamFeedback(m)
	default:
		h.session.log.WithField("kind", kind).Debug("rpc: dropping unexpected message kind on client session")
	}
}

func (h *sessionBusHandler) HandleTermination(err error) {
	h.session.Terminate(err)
}

func (s *clientSession) handleResponse(m message.Message) {
	hdr, err := message.ParseResponseHeader(m)
	if err != nil {
		s.log.WithError(err).Debug("rpc: malformed response header")
		return
	}
	id := RequestID(hdr.RequestID)

	s.mu.Lock()
	ctrl, ok := s.active[id]
	if ok {
		delete(s.active, id)
	}
	s.mu.Unlock()
	if !ok {
		// Unknown ids on response are logged at debug and dropped: late
		// responses to timed-out/cancelled requests are expected (spec §7).
		s.log.WithField("request_id", id.String()).Debug("rpc: response for unknown/retired request")
		return
	}

	owned := &sessionOwnedControl{clientRequestControl: ctrl, owner: s}
	if hdr.Error != nil {
		s.retireControl(owned, hdr.Error.ToError(), false)
		return
	}
	owned.mu.Lock()
	if owned.retired {
		owned.mu.Unlock()
		return
	}
	owned.retired = true
	owned.finalAt = time.Now()
	if owned.timer != nil {
		owned.timer.Stop()
	}
	owned.mu.Unlock()
	if owned.tr != nil {
		owned.tr.LazyPrintf("response after %s", owned.finalAt.Sub(owned.start))
		owned.tr.Finish()
	}
	owned.handler.OnResponse(m.Body(), m.Attachments())
}

// handleAcknowledgement delivers a bus-level delivery ack (spec §4.2) to the
// still-active request's handler; it never retires the request, and an ack
// for an already-retired or unknown id is dropped like a late response.
func (s *clientSession) handleAcknowledgement(m message.Message) {
	hdr, err := message.ParseAcknowledgementHeader(m)
	if err != nil {
		s.log.WithError(err).Debug("rpc: malformed acknowledgement header")
		return
	}
	id := RequestID(hdr.RequestID)

	s.mu.Lock()
	ctrl, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	ctrl.mu.Lock()
	retired := ctrl.retired
	ctrl.mu.Unlock()
	if retired {
		return
	}
	ctrl.handler.OnAcknowledgement()
}

// handleStreamPayload routes one inbound server->client attachment payload
// (spec §4.7, Direction 1) to the owning request's input stream. Payloads
// for an unknown or non-streaming request are dropped, matching the
// late-response handling elsewhere on this path.
func (s *clientSession) handleStreamPayload(m message.Message) {
	hdr, err := message.ParseStreamPayloadHeader(m)
	if err != nil {
		s.log.WithError(err).Debug("rpc: malformed stream payload header")
		return
	}
	id := RequestID(hdr.RequestID)

	s.mu.Lock()
	ctrl, ok := s.active[id]
	s.mu.Unlock()
	if !ok || ctrl.streamIn == nil {
		return
	}
	ctrl.streamIn.HandlePayload(hdr, m.Parts[1:])
}

// handleStreamFeedback routes one inbound feedback envelope reporting the
// server's read progress on the client's outbound attachment stream (spec
// §4.7, Direction 0) to that stream's flow-control accounting.
func (s *clientSession) handleStreamFeedback(m message.Message) {
	hdr, err := message.ParseStreamFeedbackHeader(m)
	if err != nil {
		s.log.WithError(err).Debug("rpc: malformed stream feedback header")
		return
	}
	id := RequestID(hdr.RequestID)

	s.mu.Lock()
	ctrl, ok := s.active[id]
	s.mu.Unlock()
	if !ok || ctrl.streamOut == nil {
		return
	}
	ctrl.streamOut.HandleFeedback(hdr)
}
