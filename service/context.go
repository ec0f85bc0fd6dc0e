package service

import (
	"sync"
	"sync/atomic"
	"time"

	corerpc "github.com/dzen-platform/corerpc"
	"github.com/dzen-platform/corerpc/internal/future"
	"github.com/dzen-platform/corerpc/message"
	"github.com/dzen-platform/corerpc/rpcerror"
	"github.com/dzen-platform/corerpc/stream"
)

// State is one node of the service context state machine from spec §4.5:
//
//	ARRIVED -> RUNNING -> REPLIED -> COMPLETE
//	         \_ TIMED_OUT / CANCELED _/
type State int32

const (
	Arrived State = iota
	Running
	Replied
	Complete
	TimedOut
	Canceled
)

func (s State) String() string {
	switch s {
	case Arrived:
		return "ARRIVED"
	case Running:
		return "RUNNING"
	case Replied:
		return "REPLIED"
	case Complete:
		return "COMPLETE"
	case TimedOut:
		return "TIMED_OUT"
	case Canceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

// ReplyBus is the minimal surface a Context needs to deliver its response;
// a server request is served by a real bus.Bus, a local-channel request by a
// synthetic one (spec §4.8).
type ReplyBus interface {
	SendResponse(m message.Message) error
}

// Context is one in-flight request's bookkeeping: the spec §4.5 state
// machine, the lazily-built/cached response, and the async response future.
type Context struct {
	RequestID RequestID
	Method    *Descriptor
	ReplyBus  ReplyBus
	Arrival   time.Time
	ClientStart time.Time
	HasClientStart bool

	ReqBody        message.Part
	ReqAttachments []message.Part

	// InputStream and OutputStream are set instead of ReqAttachments when
	// Method.Streaming is true (spec §4.7): the handler reads/writes
	// attachments through them as the call progresses rather than receiving
	// them as a pre-decoded slice.
	InputStream  *stream.AttachmentsInputStream
	OutputStream *stream.AttachmentsOutputStream

	// MutationID and Retry mirror the corresponding RequestHeader fields
	// (spec §4.4); nil MutationID means the request is not a mutation the
	// response keeper tracks.
	MutationID *corerpc.MutationID
	Retry      bool

	Cancelable bool

	onComplete func(*Context)

	outcomeMu  sync.Mutex
	outcomeSet bool
	outBody    message.Part
	outAttach  []message.Part
	outErr     *rpcerror.Error
	outcomeCBs []func(message.Part, []message.Part, *rpcerror.Error)

	mu          sync.Mutex
	state       State
	start       time.Time
	localWait   time.Duration
	remoteWait  time.Duration
	replied     bool // guarded by mu: false = not yet replied, true = claimed (Reply is one-shot)
	responseMsg *message.Message
	responseErr error
	respFuture  *future.Future[*message.Message]
	respPromise *future.Promise[*message.Message]

	timedOutFired  int32
	cancelRequested int32
	cancelFn       func()
	timeoutTimer   *time.Timer
}

// armTimeout schedules fireTimeout to run after d (spec §4.5: "ANY ->
// TIMED_OUT when the arming timer fires").
func (c *Context) armTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeoutTimer = time.AfterFunc(d, c.fireTimeout)
	c.mu.Unlock()
}

func (c *Context) stopTimeout() {
	c.mu.Lock()
	t := c.timeoutTimer
	c.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// RequestID is the wire request id type, aliased from the root package so
// service-layer code doesn't need to import corerpc just to spell the type
// at every call site while still sharing its identity with the channel.
type RequestID = corerpc.RequestID

func newContext(id RequestID, method *Descriptor, bus ReplyBus, arrival time.Time) *Context {
	f, p := future.New[*message.Message]()
	return &Context{
		RequestID:   id,
		Method:      method,
		ReplyBus:    bus,
		Arrival:     arrival,
		state:       Arrived,
		respFuture:  f,
		respPromise: p,
	}
}

// State returns the context's current state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Future returns the async response future (spec §4.5: "An asynchronous
// response future, if requested before reply, is fulfilled after the
// message is built").
func (c *Context) Future() *future.Future[*message.Message] { return c.respFuture }

// run transitions ARRIVED -> RUNNING, recording the local/remote wait
// durations spec §4.5 names.
func (c *Context) run() {
	now := time.Now()
	c.mu.Lock()
	if c.state != Arrived {
		c.mu.Unlock()
		return
	}
	c.state = Running
	c.start = now
	c.localWait = now.Sub(c.Arrival)
	if c.HasClientStart {
		rw := c.Arrival.Sub(c.ClientStart)
		if rw < 0 {
			rw = 0
		}
		c.remoteWait = rw
	}
	c.mu.Unlock()
}

// SetCancelFunc installs the function invoked when this context is
// canceled or times out while running; a handler that never checks a
// context cannot truly be interrupted, so this is best-effort, matching the
// "attempts to cancel running work" wording in spec §4.5.
func (c *Context) SetCancelFunc(fn func()) {
	c.mu.Lock()
	c.cancelFn = fn
	alreadyCanceled := atomic.LoadInt32(&c.cancelRequested) == 1
	c.mu.Unlock()
	if alreadyCanceled && fn != nil {
		fn()
	}
}

// OnReplied registers fn to run with the handler's outcome (the body,
// attachments and error passed to Reply, before any wire-limit rewriting) —
// the integration point the response keeper's TryReplyFrom uses to capture
// a miss's result (spec §4.4: "subscribes to the context's completion"). If
// the context has already replied, fn runs immediately.
func (c *Context) OnReplied(fn func(body message.Part, attachments []message.Part, err *rpcerror.Error)) {
	c.outcomeMu.Lock()
	if c.outcomeSet {
		body, attach, err := c.outBody, c.outAttach, c.outErr
		c.outcomeMu.Unlock()
		fn(body, attach, err)
		return
	}
	c.outcomeCBs = append(c.outcomeCBs, fn)
	c.outcomeMu.Unlock()
}

func (c *Context) fireOutcome(body message.Part, attachments []message.Part, err *rpcerror.Error) {
	c.outcomeMu.Lock()
	c.outcomeSet = true
	c.outBody, c.outAttach, c.outErr = body, attachments, err
	cbs := c.outcomeCBs
	c.outcomeCBs = nil
	c.outcomeMu.Unlock()
	for _, cb := range cbs {
		cb(body, attachments, err)
	}
}

// Reply fulfills the request with either a successful (body, attachments)
// pair or an error; exactly one call is honored. Reply itself is the
// authoritative state transition: claiming the reply and leaving ARRIVED/
// RUNNING/TIMED_OUT/CANCELED for REPLIED happen as one atomic step under mu,
// closing the race between a handler finishing and its deadline firing at
// nearly the same instant (spec §4.5's state machine only ever has one
// winner reach REPLIED). A losing caller — the ordinary case of a handler
// racing its own timeout — is dropped silently rather than treated as a
// programming error.
func (c *Context) Reply(body message.Part, attachments []message.Part, err *rpcerror.Error) {
	c.mu.Lock()
	if c.replied {
		c.mu.Unlock()
		return
	}
	c.replied = true
	c.state = Replied
	c.mu.Unlock()

	c.stopTimeout()
	c.fireOutcome(body, attachments, err)

	m, merr := c.buildResponse(body, attachments, err)
	if merr != nil {
		// spec §4.5: "If the serialized response exceeds message limits,
		// the reply is rewritten as an error response carrying the limit
		// violation."
		m, _ = message.BuildErrorResponse(&message.ResponseHeader{
			RequestID: c.RequestID.UUID(),
			Error:     message.FromError(toRPCError(merr)),
		})
	}

	c.mu.Lock()
	c.responseMsg = &m
	c.mu.Unlock()
	c.respPromise.Set(&m, nil)

	c.deliver(m)
}

func (c *Context) buildResponse(body message.Part, attachments []message.Part, err *rpcerror.Error) (message.Message, error) {
	hdr := &message.ResponseHeader{RequestID: c.RequestID.UUID()}
	if err != nil {
		hdr.Error = message.FromError(err)
		return message.BuildErrorResponse(hdr)
	}
	return message.BuildResponse(hdr, body, attachments)
}

// deliver hands the built response to the reply bus and transitions
// REPLIED -> COMPLETE (spec §4.5: "after the response message has been
// handed to the bus").
func (c *Context) deliver(m message.Message) {
	if c.ReplyBus != nil {
		_ = c.ReplyBus.SendResponse(m)
	}
	c.complete()
}

func (c *Context) complete() {
	c.mu.Lock()
	if c.state == Complete {
		c.mu.Unlock()
		return
	}
	c.state = Complete
	c.mu.Unlock()
	if c.onComplete != nil {
		c.onComplete(c)
	}
}

// fireTimeout transitions to TIMED_OUT (spec: "at-most-once via an atomic
// flag") and replies with a Timeout error, attempting to cancel running
// work.
func (c *Context) fireTimeout() {
	if !atomic.CompareAndSwapInt32(&c.timedOutFired, 0, 1) {
		return
	}
	c.mu.Lock()
	if c.replied {
		c.mu.Unlock()
		return
	}
	c.state = TimedOut
	cancelFn := c.cancelFn
	c.mu.Unlock()
	if cancelFn != nil {
		cancelFn()
	}
	// Reply is the authoritative claim: if invokeHandler's own Reply won the
	// race in the window above, this call is a no-op rather than a crash.
	c.Reply(nil, nil, rpcerror.NewTimeout("service: %s timed out", c.Method.Name))
}

// cancel transitions to CANCELED (spec: "on explicit client cancel or
// reply-bus termination").
func (c *Context) cancel(reason *rpcerror.Error) {
	atomic.StoreInt32(&c.cancelRequested, 1)
	c.mu.Lock()
	if c.replied {
		c.mu.Unlock()
		return
	}
	c.state = Canceled
	cancelFn := c.cancelFn
	c.mu.Unlock()
	if cancelFn != nil {
		cancelFn()
	}
	c.Reply(nil, nil, reason)
}

func toRPCError(err error) *rpcerror.Error {
	if err == nil {
		return nil
	}
	if re, ok := err.(*rpcerror.Error); ok {
		return re
	}
	return rpcerror.New(rpcerror.Transport, "service: %v", err)
}
