package corerpc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dzen-platform/corerpc/message"
	"github.com/dzen-platform/corerpc/rpcerror"
)

// authenticatedChannel stamps every outgoing request with a fixed user name
// (spec §4.3: "sets the user field on the request header").
type authenticatedChannel struct {
	inner Channel
	user  string
}

// AuthenticatedChannel wraps inner so every Send carries user.
func AuthenticatedChannel(inner Channel, user string) Channel {
	return &authenticatedChannel{inner: inner, user: user}
}

func (c *authenticatedChannel) Send(ctx context.Context, req *Request, h ResponseHandler, opts ...SendOption) (RequestControl, error) {
	r := *req
	r.User = c.user
	return c.inner.Send(ctx, &r, h, opts...)
}

func (c *authenticatedChannel) Terminate(err error) { c.inner.Terminate(err) }

// realmChannel stamps every outgoing request with a fixed realm id (spec
// §4.3: "sets the realm id").
type realmChannel struct {
	inner Channel
	realm RealmID
}

// RealmChannel wraps inner so every Send carries realm.
func RealmChannel(inner Channel, realm RealmID) Channel {
	return &realmChannel{inner: inner, realm: realm}
}

func (c *realmChannel) Send(ctx context.Context, req *Request, h ResponseHandler, opts ...SendOption) (RequestControl, error) {
	r := *req
	r.RealmID = c.realm
	return c.inner.Send(ctx, &r, h, opts...)
}

func (c *realmChannel) Terminate(err error) { c.inner.Terminate(err) }

// ChannelFactory builds a Channel for an endpoint, the shape the realm and
// authenticated wrapper factories below compose with (spec §4.3:
// "Realm/authenticated factories wrap every channel produced by an inner
// factory").
type ChannelFactory func(addr string) Channel

// RealmChannelFactory returns a ChannelFactory that wraps every channel
// inner produces with RealmChannel(..., realm).
func RealmChannelFactory(inner ChannelFactory, realm RealmID) ChannelFactory {
	return func(addr string) Channel { return RealmChannel(inner(addr), realm) }
}

// AuthenticatedChannelFactory returns a ChannelFactory that wraps every
// channel inner produces with AuthenticatedChannel(..., user).
func AuthenticatedChannelFactory(inner ChannelFactory, user string) ChannelFactory {
	return func(addr string) Channel { return AuthenticatedChannel(inner(addr), user) }
}

// RetryPolicy configures the retrying wrapper (spec §4.3).
type RetryPolicy struct {
	// MaxAttempts is the total number of sends allowed, including the
	// first. Zero means 1 (no retries).
	MaxAttempts int
	// BackoffBase is the initial retry interval; it grows exponentially,
	// matching cenkalti/backoff/v4's ExponentialBackOff defaults.
	BackoffBase time.Duration
	// BackoffMax caps the interval between tries.
	BackoffMax time.Duration
	// Timeout bounds the retry envelope: once Timeout has elapsed since Send,
	// no further attempt starts. An attempt already in flight is not cut
	// short by it. Zero means no overall bound beyond each attempt's own
	// SendOption timeout.
	Timeout time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = 100 * time.Millisecond
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = 5 * time.Second
	}
	return p
}

// retryingChannel resubmits requests that fail with a retriable error (spec
// §4.3), preserving the original request id across attempts and swallowing
// acknowledgements from superseded attempts.
type retryingChannel struct {
	inner  Channel
	policy RetryPolicy
}

// RetryingChannel wraps inner with the retry policy described in spec §4.3.
func RetryingChannel(inner Channel, policy RetryPolicy) Channel {
	return &retryingChannel{inner: inner, policy: policy.normalized()}
}

func (c *retryingChannel) Terminate(err error) { c.inner.Terminate(err) }

func (c *retryingChannel) Send(ctx context.Context, req *Request, h ResponseHandler, opts ...SendOption) (RequestControl, error) {
	id := NewRequestID()
	if req.ID != nil {
		id = *req.ID
	}

	attempt := &retryAttempt{
		ctx:     ctx,
		channel: c,
		req:     *req,
		opts:    opts,
		handler: h,
		id:      id,
		deadline: func() <-chan time.Time {
			if c.policy.Timeout <= 0 {
				return nil
			}
			return time.After(c.policy.Timeout)
		}(),
		bo: newBackoff(c.policy),
	}
	attempt.req.ID = &id

	return attempt.send()
}

// retryAttempt tracks one logical retrying Send across however many
// physical attempts it takes. generation guards against an acknowledgement
// or response from a superseded attempt reaching the caller once a new
// attempt has been issued.
type retryAttempt struct {
	ctx      context.Context
	channel  *retryingChannel
	req      Request
	opts     []SendOption
	handler  ResponseHandler
	id       RequestID
	deadline <-chan time.Time
	bo       backoff.BackOff

	generation int32
	tries      int32

	mu      sync.Mutex
	current RequestControl
}

func (a *retryAttempt) send() (RequestControl, error) {
	gen := atomic.AddInt32(&a.generation, 1)
	atomic.AddInt32(&a.tries, 1)
	ctrl, err := a.channel.inner.Send(a.ctx, &a.req, &retryHandler{attempt: a, generation: gen}, a.opts...)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.current = ctrl
	a.mu.Unlock()
	return &retryControl{attempt: a}, nil
}

func (a *retryAttempt) retry(lastErr *rpcerror.Error) {
	if int(atomic.LoadInt32(&a.tries)) >= a.channel.policy.MaxAttempts {
		a.handler.OnError(lastErr)
		return
	}
	wait := a.bo.NextBackOff()
	if wait == backoff.Stop {
		a.handler.OnError(lastErr)
		return
	}
	timer := time.NewTimer(wait)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-a.deadline:
			a.handler.OnError(rpcerror.NewTimeout("rpc: retry envelope exceeded after %d attempt(s): %v", a.tries, lastErr))
			return
		case <-a.ctx.Done():
			a.handler.OnError(rpcerror.NewCanceled("rpc: retry envelope canceled: %v", a.ctx.Err()))
			return
		}
		if _, err := a.send(); err != nil {
			a.handler.OnError(toRPCError(err))
		}
	}()
}

// newBackoff builds the interval generator for between-attempt waits.
// Attempt counting itself is done by retryAttempt.tries against
// MaxAttempts, not by the backoff policy, so MaxElapsedTime is left
// unbounded here — the retry envelope's own Timeout is what bounds total
// time.
func newBackoff(p RetryPolicy) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BackoffBase
	eb.MaxInterval = p.BackoffMax
	eb.MaxElapsedTime = 0
	return eb
}

// retryHandler is the ResponseHandler the retrying channel installs on each
// physical attempt. Only the most recent attempt's generation is allowed to
// reach the caller; anything from a superseded attempt is swallowed (spec
// §4.3: "Acknowledgements from earlier tries are swallowed").
type retryHandler struct {
	attempt    *retryAttempt
	generation int32
}

func (h *retryHandler) current() bool {
	return atomic.LoadInt32(&h.attempt.generation) == h.generation
}

func (h *retryHandler) OnResponse(body message.Part, attachments []message.Part) {
	if !h.current() {
		return
	}
	h.attempt.handler.OnResponse(body, attachments)
}

func (h *retryHandler) OnError(err *rpcerror.Error) {
	if !h.current() {
		return
	}
	if err != nil && err.Code.Retriable() {
		h.attempt.retry(err)
		return
	}
	h.attempt.handler.OnError(err)
}

func (h *retryHandler) OnAcknowledgement() {
	if !h.current() {
		return
	}
	h.attempt.handler.OnAcknowledgement()
}

// retryControl is the RequestControl handed back to the caller of the
// retrying channel's Send; Cancel reaches whichever physical attempt is
// currently live.
type retryControl struct {
	attempt *retryAttempt
}

func (c *retryControl) RequestID() RequestID { return c.attempt.id }

func (c *retryControl) Cancel() {
	c.attempt.mu.Lock()
	cur := c.attempt.current
	c.attempt.mu.Unlock()
	if cur != nil {
		cur.Cancel()
	}
}
