// Package server is the bus-facing half of the RPC engine's server side
// (spec §4.6): a bus listener, a service map keyed by (service name, realm
// id), and the message-kind dispatch that routes inbound requests and
// cancellations to the right service.
//
// Grounded on the teacher's balancer.Register/Get registry idiom
// (chalvern-grpc-go/balancer/balancer.go) for the service map's shape, and
// on its ClientConn Close/graceful-stop split for Stop(graceful); the
// graceful wait itself uses golang.org/x/sync/errgroup instead of a bare
// sync.WaitGroup, matching the teacher's general preference for structured
// goroutine groups (spec §4.6: "if graceful, it awaits Stop on every
// registered service").
package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dzen-platform/corerpc"
	"github.com/dzen-platform/corerpc/bus"
	"github.com/dzen-platform/corerpc/dispatcher"
	"github.com/dzen-platform/corerpc/encoding"
	"github.com/dzen-platform/corerpc/message"
	"github.com/dzen-platform/corerpc/rpcerror"
	"github.com/dzen-platform/corerpc/service"
	"github.com/dzen-platform/corerpc/stream"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// streamWindowSize bounds the in-flight, unacknowledged attachment bytes per
// direction of one Streaming call (spec §4.7's W), same default the client
// side uses.
const streamWindowSize = 1 << 20

// streamFeedbackInterval is how often a connHandler reports read progress
// back to the peer for a stream it is consuming (spec §4.7: flow control
// relies on the consumer periodically reporting ReadPosition).
const streamFeedbackInterval = 20 * time.Millisecond

// Listener is the server-side transport the Server accepts connections
// from; bus/tcp.Listener implements it.
type Listener interface {
	Serve(onAccept func(bus.Bus)) error
	Close() error
}

// serviceKey is the (service name, realm id) pair spec §4.6 keys the
// service map by.
type serviceKey struct {
	name  string
	realm corerpc.RealmID
}

// Server owns a bus listener and the service map. Each accepted bus.Bus is
// handed a per-connection connHandler that routes into the Server.
type Server struct {
	log logrus.FieldLogger

	addresses []string

	mu       sync.RWMutex
	services map[serviceKey]*service.Service
	cfg      map[string]map[string]MethodConfigOverrides // serviceName -> methodName -> overrides
	active   int32

	connMu sync.Mutex
	conns  map[bus.Bus]struct{}
}

// MethodConfigOverrides mirrors spec §6's "service config is a map
// method-name -> method config" leaf: each field, when set, overrides the
// corresponding Descriptor field at RegisterService time or on a later live
// Configure call (spec: "All reconfiguration is live").
type MethodConfigOverrides struct {
	Heavy          *bool
	ResponseCodec  string
	MaxQueueSize   *int
	MaxConcurrency *int
	LogLevel       *logrus.Level
}

func (o MethodConfigOverrides) apply(d service.Descriptor) service.Descriptor {
	if o.Heavy != nil && *o.Heavy && d.HeavyHandler == nil && d.Handler != nil {
		d.HeavyHandler = d.Handler
		d.Handler = nil
	}
	if o.Heavy != nil && !*o.Heavy && d.Handler == nil && d.HeavyHandler != nil {
		d.Handler = d.HeavyHandler
		d.HeavyHandler = nil
	}
	if o.ResponseCodec != "" {
		d.ResponseCodec = o.ResponseCodec
	}
	if o.MaxQueueSize != nil {
		d.MaxQueueSize = *o.MaxQueueSize
	}
	if o.MaxConcurrency != nil {
		d.MaxConcurrency = *o.MaxConcurrency
	}
	if o.LogLevel != nil {
		d.LogLevel = *o.LogLevel
	}
	return d
}

// New builds a Server. addresses are advertised by the built-in Discover
// method (spec §6: "suggested_addresses").
func New(addresses []string, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		log:       log,
		addresses: addresses,
		services:  make(map[serviceKey]*service.Service),
		cfg:       make(map[string]map[string]MethodConfigOverrides),
		conns:     make(map[bus.Bus]struct{}),
	}
}

// RegisterService installs svc under (svc.Name, realm) and adds the
// built-in Discover method (spec §6: "Every service exposes a built-in
// Discover method ... runs on the light invoker ... marked as a system
// method"). Any configuration previously applied to svc.Name by Configure
// is picked up immediately (spec §4.6: "late service registrations pick up
// configuration by service name").
func (s *Server) RegisterService(svc *service.Service, realm corerpc.RealmID) {
	svc.RegisterMethod(&service.Descriptor{
		Name:    "Discover",
		Invoker: dispatcher.Get().Light(),
		Handler: func(ctx *service.Context, body message.Part, attachments []message.Part) (message.Part, []message.Part, error) {
			return s.handleDiscover()
		},
	})

	s.mu.Lock()
	for method, over := range s.cfg[svc.Name] {
		svc.Reconfigure(method, over.apply)
	}
	s.services[serviceKey{name: svc.Name, realm: realm}] = svc
	s.mu.Unlock()
}

// Lookup returns the service registered under (name, realm), if any. It
// lets a localchannel.Channel share this Server's service map for in-process
// dispatch (spec §4.8) without duplicating the registry.
func (s *Server) Lookup(name string, realm corerpc.RealmID) (*service.Service, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[serviceKey{name: name, realm: realm}]
	return svc, ok
}

func (s *Server) handleDiscover() (message.Part, []message.Part, error) {
	codec := encoding.GetCodec("msgpack")
	body, err := codec.Marshal(struct {
		Up                 bool     `msgpack:"up"`
		SuggestedAddresses []string `msgpack:"suggested_addresses"`
	}{Up: atomic.LoadInt32(&s.active) == 1, SuggestedAddresses: s.addresses})
	if err != nil {
		return nil, nil, rpcerror.New(rpcerror.Transport, "server: encode Discover response: %v", err)
	}
	return message.Part(body), nil, nil
}

// Configure installs or replaces method config overrides for serviceName.
// Services already registered under that name are updated in place; future
// registrations pick the config up in RegisterService (spec §6: "All
// reconfiguration is live: future requests observe the new values").
func (s *Server) Configure(serviceName string, methodOverrides map[string]MethodConfigOverrides) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg[serviceName] == nil {
		s.cfg[serviceName] = make(map[string]MethodConfigOverrides)
	}
	for method, over := range methodOverrides {
		s.cfg[serviceName][method] = over
	}
	for key, svc := range s.services {
		if key.name != serviceName {
			continue
		}
		for method, over := range methodOverrides {
			svc.Reconfigure(method, over.apply)
		}
	}
}

// Start marks the server active and begins accepting connections on ln,
// subscribing a connHandler to every accepted bus.Bus (spec §4.6: "registers
// itself as the bus's message handler"). It blocks until ln.Serve returns;
// Stop does not close ln, so that happens when the caller closes it. Run it
// in its own goroutine.
func (s *Server) Start(ln Listener) error {
	atomic.StoreInt32(&s.active, 1)
	return ln.Serve(func(b bus.Bus) {
		s.connMu.Lock()
		s.conns[b] = struct{}{}
		s.connMu.Unlock()
		b.Subscribe(&connHandler{srv: s, bus: b, streams: make(map[corerpc.RequestID]*connStream)})
	})
}

// Stop marks the server inactive, terminates every accepted connection, and
// — if graceful — awaits Stop on every registered service before returning
// (spec §4.6).
func (s *Server) Stop(graceful bool) error {
	atomic.StoreInt32(&s.active, 0)

	s.connMu.Lock()
	conns := make([]bus.Bus, 0, len(s.conns))
	for b := range s.conns {
		conns = append(conns, b)
	}
	s.conns = make(map[bus.Bus]struct{})
	s.connMu.Unlock()
	for _, b := range conns {
		b.Terminate(rpcerror.NewUnavailable("server: shutting down"))
	}

	if !graceful {
		return nil
	}

	s.mu.RLock()
	svcs := make([]*service.Service, 0, len(s.services))
	for _, svc := range s.services {
		svcs = append(svcs, svc)
	}
	s.mu.RUnlock()

	var g errgroup.Group
	for _, svc := range svcs {
		svc := svc
		g.Go(svc.Stop)
	}
	return g.Wait()
}

// connStream is one Streaming call's live attachment stream pair, keyed by
// request id for the lifetime of the call on this connection.
type connStream struct {
	in  *stream.AttachmentsInputStream
	out *stream.AttachmentsOutputStream
}

// connHandler adapts one accepted bus.Bus into the Server's dispatch logic
// (spec §4.6: "On every inbound message the server dispatches by message
// kind").
type connHandler struct {
	srv *Server
	bus bus.Bus

	streamsMu sync.Mutex
	streams   map[corerpc.RequestID]*connStream
}

func (h *connHandler) HandleMessage(m message.Message) {
	kind, err := message.GetMessageKind(m)
	if err != nil {
		h.srv.log.WithError(err).Warn("server: dropping message with unreadable kind")
		return
	}
	switch kind {
	case message.KindRequest:
		h.handleRequest(m)
	case message.KindCancellation:
		h.handleCancellation(m)
	case message.KindStreamPayload:
		h.handleStreamPayload(m)
	case message.KindStreamFeedback:
		h.handleStreamFeedback(m)
	default:
		h.srv.log.WithField("kind", kind).Warn("server: dropping message of unhandled kind")
	}
}

func (h *connHandler) handleRequest(m message.Message) {
	hdr, err := message.ParseRequestHeader(m)
	if err != nil {
		h.srv.log.WithError(err).Warn("server: dropping request with unparsable header")
		return
	}
	realm := corerpc.RealmIDFromUUID(hdr.RealmID)

	h.srv.mu.RLock()
	svc, ok := h.srv.services[serviceKey{name: hdr.Service, realm: realm}]
	h.srv.mu.RUnlock()
	if !ok {
		h.replyNoSuchService(hdr)
		return
	}

	if svc.IsStreaming(hdr.Method) {
		h.handleStreamingRequest(svc, hdr)
		return
	}
	svc.HandleRequest(hdr, m.Body(), m.Attachments(), (*replyBusAdapter)(h))
}

// handleStreamingRequest creates the live attachment streams a Streaming
// method dispatches through (spec §4.7), registers them under the request's
// id so later KindStreamPayload/KindStreamFeedback envelopes on this
// connection reach them, and starts the goroutines that pump out's ready
// payloads and in's read progress back onto the bus. The call itself is
// dispatched on its own goroutine, so a handler that waits on its input
// stream does not block the bus handler that delivers that stream.
func (h *connHandler) handleStreamingRequest(svc *service.Service, hdr *message.RequestHeader) {
	id := corerpc.RequestIDFromUUID(hdr.RequestID)
	in := stream.NewAttachmentsInputStream()
	out := stream.NewAttachmentsOutputStream(streamWindowSize, "")

	h.streamsMu.Lock()
	h.streams[id] = &connStream{in: in, out: out}
	h.streamsMu.Unlock()

	go h.pumpStreamOutput(id, out)
	go h.pumpStreamFeedback(id, in)
	go svc.HandleStreamingRequest(hdr, in, out, (*replyBusAdapter)(h))
}

// pumpStreamOutput drains out's ready payloads onto the bus as they become
// available, stamping each with id and the server->client direction (spec
// §4.7), until out closes, fails, or the connection goes down.
func (h *connHandler) pumpStreamOutput(id corerpc.RequestID, out *stream.AttachmentsOutputStream) {
	for {
		for {
			hdr, bufs, ok := out.TryPull()
			if !ok {
				break
			}
			hdr.RequestID = id.UUID()
			hdr.Direction = 1
			msg, err := message.BuildStreamPayload(hdr, bufs)
			if err != nil {
				out.Abort(rpcerror.New(rpcerror.Transport, "server: build stream payload: %v", err))
				return
			}
			if err := h.bus.Send(context.Background(), msg, bus.SendOptions{}); err != nil {
				out.Abort(rpcerror.NewUnavailable("server: send stream payload: %v", err))
				return
			}
			if hdr.Fin {
				return
			}
		}
		select {
		case <-out.Notify():
		case <-h.bus.Done():
			return
		}
	}
}

// pumpStreamFeedback periodically reports in's read progress back to the
// peer so its AttachmentsOutputStream's write window can advance (spec
// §4.7), until in reaches a terminal state or the connection goes down.
func (h *connHandler) pumpStreamFeedback(id corerpc.RequestID, in *stream.AttachmentsInputStream) {
	ticker := time.NewTicker(streamFeedbackInterval)
	defer ticker.Stop()
	last := int64(-1)
	for {
		select {
		case <-ticker.C:
		case <-h.bus.Done():
			return
		}
		pos := in.ReadPosition()
		done := in.Done()
		if pos != last {
			fbHdr := &message.StreamFeedbackHeader{RequestID: id.UUID(), Direction: 0, ReadPosition: pos}
			if msg, err := message.BuildStreamFeedback(fbHdr); err == nil {
				_ = h.bus.Send(context.Background(), msg, bus.SendOptions{})
			}
			last = pos
		}
		if done {
			return
		}
	}
}

func (h *connHandler) handleStreamPayload(m message.Message) {
	hdr, err := message.ParseStreamPayloadHeader(m)
	if err != nil {
		h.srv.log.WithError(err).Warn("server: dropping stream payload with unparsable header")
		return
	}
	cs := h.lookupStream(corerpc.RequestIDFromUUID(hdr.RequestID))
	if cs == nil {
		return
	}
	cs.in.HandlePayload(hdr, m.Parts[1:])
}

func (h *connHandler) handleStreamFeedback(m message.Message) {
	hdr, err := message.ParseStreamFeedbackHeader(m)
	if err != nil {
		h.srv.log.WithError(err).Warn("server: dropping stream feedback with unparsable header")
		return
	}
	cs := h.lookupStream(corerpc.RequestIDFromUUID(hdr.RequestID))
	if cs == nil {
		return
	}
	cs.out.HandleFeedback(hdr)
}

func (h *connHandler) lookupStream(id corerpc.RequestID) *connStream {
	h.streamsMu.Lock()
	defer h.streamsMu.Unlock()
	return h.streams[id]
}

func (h *connHandler) unregisterStream(id corerpc.RequestID) {
	h.streamsMu.Lock()
	delete(h.streams, id)
	h.streamsMu.Unlock()
}

func (h *connHandler) replyNoSuchService(hdr *message.RequestHeader) {
	m, _ := message.BuildErrorResponse(&message.ResponseHeader{
		RequestID: hdr.RequestID,
		Error:     message.FromError(rpcerror.New(rpcerror.NoSuchService, "server: no service %q registered for this realm", hdr.Service)),
	})
	_ = h.bus.Send(context.Background(), m, bus.SendOptions{})
}

func (h *connHandler) handleCancellation(m message.Message) {
	hdr, err := message.ParseCancellationHeader(m)
	if err != nil {
		h.srv.log.WithError(err).Warn("server: dropping cancellation with unparsable header")
		return
	}
	id := corerpc.RequestIDFromUUID(hdr.RequestID)

	h.srv.mu.RLock()
	defer h.srv.mu.RUnlock()
	for _, svc := range h.srv.services {
		svc.HandleRequestCancelation(id)
	}
}

func (h *connHandler) HandleTermination(err error) {
	h.srv.connMu.Lock()
	delete(h.srv.conns, h.bus)
	h.srv.connMu.Unlock()

	h.streamsMu.Lock()
	streams := h.streams
	h.streams = make(map[corerpc.RequestID]*connStream)
	h.streamsMu.Unlock()
	termErr := rpcerror.NewUnavailable("server: connection terminated: %v", err)
	for _, cs := range streams {
		cs.in.Abort(termErr)
		cs.out.Abort(termErr)
	}

	h.srv.mu.RLock()
	defer h.srv.mu.RUnlock()
	for _, svc := range h.srv.services {
		svc.NotifyBusTerminated((*replyBusAdapter)(h), termErr)
	}
}

// replyBusAdapter implements service.ReplyBus over one accepted bus.Bus.
type replyBusAdapter connHandler

func (r *replyBusAdapter) SendResponse(m message.Message) error {
	if hdr, err := message.ParseResponseHeader(m); err == nil {
		// A Streaming call's stream pair is no longer needed once its final
		// response goes out; this is also the cleanup path for non-streaming
		// calls, for which the map lookup is just a harmless miss.
		(*connHandler)(r).unregisterStream(corerpc.RequestIDFromUUID(hdr.RequestID))
	}
	return r.bus.Send(context.Background(), m, bus.SendOptions{})
}
