// Package service is the method-dispatch layer spec §4.5 describes: method
// registration, per-method queueing and concurrency limiting, the service
// context state machine, and panic-safe handler execution.
//
// Grounded on the teacher's service_config.go (chalvern-grpc-go) for the
// registration/descriptor shape, generalized from gRPC's per-method
// StreamDesc/MethodDesc pair to this engine's queue-and-semaphore dispatch
// model; handler execution is wrapped with sourcegraph/conc's panics.Catcher
// instead of the teacher's bare recover(), and per-method metrics are
// prometheus/client_golang collectors rather than the teacher's internal
// channelz-only accounting.
package service

import (
	"sync"
	"sync/atomic"
	"time"

	corerpc "github.com/dzen-platform/corerpc"
	"github.com/dzen-platform/corerpc/dispatcher"
	"github.com/dzen-platform/corerpc/message"
	"github.com/dzen-platform/corerpc/rpcerror"
	"github.com/dzen-platform/corerpc/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/panics"
)

// Service is one registered RPC service: a set of methods, each with its
// own queue and concurrency limit.
type Service struct {
	Name string
	// ProtocolVersion is this service's expected protocol version. Zero
	// means "generic": every request is accepted regardless of the version
	// it was stamped with (spec §4.5, step 2).
	ProtocolVersion int32

	reg prometheus.Registerer
	log logrus.FieldLogger
	inv dispatcher.Invoker

	mu      sync.RWMutex
	methods map[string]*runtime
	stopped int32

	wg sync.WaitGroup

	idxMu      sync.Mutex
	byID       map[RequestID]*Context
	byBus      map[ReplyBus]map[RequestID]*Context
}

// New builds a Service. reg and log may be nil.
func New(name string, reg prometheus.Registerer, log logrus.FieldLogger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		Name:    name,
		reg:     reg,
		log:     log,
		inv:     dispatcher.Get().Light(),
		methods: make(map[string]*runtime),
		byID:    make(map[RequestID]*Context),
		byBus:   make(map[ReplyBus]map[RequestID]*Context),
	}
}

// RegisterMethod installs desc in the method map (spec §4.5).
func (s *Service) RegisterMethod(desc *Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[desc.Name] = newRuntime(desc, s.Name, s.reg)
}

// Reconfigure replaces name's descriptor with mutate applied to a copy of
// the current one, rebuilding its queue and concurrency semaphore from the
// new values (spec §6: "All reconfiguration is live: future requests
// observe the new values"). It reports false if no method by that name is
// registered. Work already queued against the old runtime keeps running to
// completion on it; only requests arriving after Reconfigure returns are
// scheduled against the new one.
func (s *Service) Reconfigure(name string, mutate func(Descriptor) Descriptor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.methods[name]
	if !ok {
		return false
	}
	nd := mutate(*rt.desc)
	s.methods[name] = newRuntime(&nd, s.Name, s.reg)
	return true
}

// HandleRequest implements the spec §4.5 dispatch sequence for an ordinary
// (non-Streaming) method: body and attachments arrive already decoded with
// the request.
func (s *Service) HandleRequest(hdr *message.RequestHeader, body message.Part, attachments []message.Part, replyBus ReplyBus) {
	s.dispatch(hdr, replyBus, func(ctx *Context) {
		ctx.ReqBody = body
		ctx.ReqAttachments = attachments
	})
}

// HandleStreamingRequest implements the same dispatch sequence for a method
// whose Descriptor marks it Streaming (spec §4.7): in and out are already
// live, created and registered against the bus connection by the caller (the
// bus-facing server or channel), so its handler reads/writes through
// Context.InputStream/OutputStream instead of a pre-decoded attachments
// slice.
func (s *Service) HandleStreamingRequest(hdr *message.RequestHeader, in *stream.AttachmentsInputStream, out *stream.AttachmentsOutputStream, replyBus ReplyBus) {
	s.dispatch(hdr, replyBus, func(ctx *Context) {
		ctx.InputStream = in
		ctx.OutputStream = out
	})
}

// IsStreaming reports whether method is registered with Descriptor.Streaming
// set. The bus-facing server consults this before dispatch, since a
// Streaming method needs its attachment streams created and registered
// before HandleStreamingRequest (not HandleRequest) is called.
func (s *Service) IsStreaming(method string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.methods[method]
	return ok && rt.desc.Streaming
}

// dispatch is the spec §4.5 sequence shared by HandleRequest and
// HandleStreamingRequest: everything up to and including scheduling is
// identical between the two; setup installs the one piece that differs
// (ReqBody/ReqAttachments vs InputStream/OutputStream).
func (s *Service) dispatch(hdr *message.RequestHeader, replyBus ReplyBus, setup func(*Context)) {
	if atomic.LoadInt32(&s.stopped) == 1 {
		s.replyError(hdr, replyBus, rpcerror.NewUnavailable("service: %s is stopped", s.Name))
		return
	}
	if s.ProtocolVersion != 0 && hdr.ProtocolVer != 0 && hdr.ProtocolVer != s.ProtocolVersion {
		s.replyError(hdr, replyBus, rpcerror.New(rpcerror.ProtocolError,
			"service: %s.%s expects protocol version %d, got %d", s.Name, hdr.Method, s.ProtocolVersion, hdr.ProtocolVer))
		return
	}

	s.mu.RLock()
	rt, ok := s.methods[hdr.Method]
	s.mu.RUnlock()
	if !ok {
		s.replyError(hdr, replyBus, rpcerror.New(rpcerror.NoSuchMethod, "service: %s has no method %q", s.Name, hdr.Method))
		return
	}

	if rt.queueLen() >= rt.desc.maxQueueSize() {
		s.replyError(hdr, replyBus, errQueueFull)
		return
	}

	id := corerpc.RequestIDFromUUID(hdr.RequestID)
	ctx := newContext(id, rt.desc, replyBus, time.Now())
	if ts, ok := hdr.StartTime(); ok {
		ctx.ClientStart = ts
		ctx.HasClientStart = true
	}
	setup(ctx)
	ctx.Retry = hdr.Retry
	if hdr.MutationID != nil {
		mid := corerpc.MutationIDFromUUID(*hdr.MutationID)
		ctx.MutationID = &mid
	}
	ctx.Cancelable = rt.desc.Cancelable
	if d, ok := hdr.Timeout(); ok && d > 0 {
		ctx.armTimeout(d)
	}
	ctx.onComplete = func(c *Context) { s.onContextComplete(rt, c) }

	if ctx.Cancelable {
		s.indexContext(ctx, replyBus)
	}

	s.wg.Add(1)
	rt.queueGauge.Set(float64(rt.queueLen() + 1))
	select {
	case rt.queueCh <- ctx:
	default:
		s.wg.Done()
		s.unindexContext(ctx, replyBus)
		s.replyError(hdr, replyBus, errQueueFull)
		return
	}

	s.schedule(rt)
}

func (s *Service) replyError(hdr *message.RequestHeader, replyBus ReplyBus, err *rpcerror.Error) {
	m, _ := message.BuildErrorResponse(&message.ResponseHeader{
		RequestID: hdr.RequestID,
		Error:     message.FromError(err),
	})
	if replyBus != nil {
		_ = replyBus.SendResponse(m)
	}
}

// HandleRequestCancelation looks up a cancelable context by id and cancels
// it (spec §4.5).
func (s *Service) HandleRequestCancelation(id RequestID) {
	s.idxMu.Lock()
	ctx, ok := s.byID[id]
	s.idxMu.Unlock()
	if !ok {
		return
	}
	ctx.cancel(rpcerror.NewCanceled("service: %s.%s canceled by peer", s.Name, ctx.Method.Name))
}

// NotifyBusTerminated cancels every cancelable context registered against
// bus (spec §4.5: "indexed by reply-bus -> set-of-contexts so that bus
// termination can cancel all contexts sharing that bus").
func (s *Service) NotifyBusTerminated(bus ReplyBus, reason *rpcerror.Error) {
	s.idxMu.Lock()
	set := s.byBus[bus]
	delete(s.byBus, bus)
	s.idxMu.Unlock()
	for _, ctx := range set {
		ctx.cancel(reason)
	}
}

func (s *Service) indexContext(ctx *Context, bus ReplyBus) {
	s.idxMu.Lock()
	s.byID[ctx.RequestID] = ctx
	if s.byBus[bus] == nil {
		s.byBus[bus] = make(map[RequestID]*Context)
	}
	s.byBus[bus][ctx.RequestID] = ctx
	s.idxMu.Unlock()
}

func (s *Service) unindexContext(ctx *Context, bus ReplyBus) {
	s.idxMu.Lock()
	delete(s.byID, ctx.RequestID)
	if set, ok := s.byBus[bus]; ok {
		delete(set, ctx.RequestID)
		if len(set) == 0 {
			delete(s.byBus, bus)
		}
	}
	s.idxMu.Unlock()
}

// schedule is the pump described in spec §4.5: while the method's semaphore
// has room and the queue is non-empty, pop one context and run it. It has no
// reentrancy guard: a handler that finishes inline calls schedule again from
// inside the running loop.
func (s *Service) schedule(rt *runtime) {
	for {
		if rt.sem != nil {
			select {
			case rt.sem <- struct{}{}:
			default:
				return
			}
		}
		var ctx *Context
		select {
		case ctx = <-rt.queueCh:
			rt.queueGauge.Set(float64(rt.queueLen()))
		default:
			if rt.sem != nil {
				<-rt.sem
			}
			return
		}
		rt.inFlightGauge.Inc()
		s.run(rt, ctx)
	}
}

func (s *Service) run(rt *runtime, ctx *Context) {
	ctx.run()
	rt.localWaitHist.Observe(ctx.localWait.Seconds())
	if ctx.HasClientStart {
		rt.remoteWaitHist.Observe(ctx.remoteWait.Seconds())
	}

	exec := func() {
		defer func() {
			rt.inFlightGauge.Dec()
			if rt.sem != nil {
				<-rt.sem
				s.schedule(rt)
			}
		}()
		s.invokeHandler(rt, ctx)
	}

	if rt.desc.HeavyHandler != nil {
		dispatcher.Get().Heavy().Submit(exec)
		return
	}
	if rt.desc.Invoker != nil {
		rt.desc.Invoker.Submit(exec)
		return
	}
	exec()
}

// invokeHandler runs the registered handler under a panics.Catcher, turning
// a recovered panic into an error reply (spec: "A raised exception is
// converted into an error reply").
func (s *Service) invokeHandler(rt *runtime, ctx *Context) {
	var pc panics.Catcher
	var body message.Part
	var attachments []message.Part
	var herr error

	pc.Try(func() {
		h := rt.desc.Handler
		if rt.desc.HeavyHandler != nil {
			h = rt.desc.HeavyHandler
		}
		body, attachments, herr = h(ctx, ctx.ReqBody, ctx.ReqAttachments)
	})

	if recovered := pc.Recovered(); recovered != nil {
		s.log.WithField("method", rt.desc.Name).WithField("panic", recovered.AsError()).
			Error("service: handler panicked")
		ctx.Reply(nil, nil, rpcerror.New(rpcerror.Transport, "service: %s.%s panicked: %v", s.Name, rt.desc.Name, recovered.AsError()))
		return
	}

	// No state pre-check: Context.Reply is itself the atomic claim, so a
	// handler finishing at the same instant its deadline or cancellation
	// fires loses the race silently instead of the two paths panicking on
	// a double reply.
	ctx.Reply(body, attachments, toRPCError(herr))
}

func (s *Service) onContextComplete(rt *runtime, ctx *Context) {
	if ctx.Cancelable {
		s.unindexContext(ctx, ctx.ReplyBus)
	}
	s.wg.Done()
}

// Stop marks the service inactive and blocks until every in-flight request
// has completed (spec §4.6: "awaits Stop on every registered service").
func (s *Service) Stop() error {
	atomic.StoreInt32(&s.stopped, 1)
	s.wg.Wait()
	return nil
}
