// Package keeper implements the response keeper from spec §4.4: at-most-once
// semantics for mutating RPC methods, keyed by mutation id.
//
// Grounded on the teacher's balancer/balancer.go registry idiom for the
// Start/Stop lifecycle shape, generalized to a pending/finished map pair
// guarded by one mutex, with future.Future/Promise standing in for the
// kept TFuture<Response>. singleflight.Group was considered for the
// pending side (see DESIGN.md) but doesn't fit: its Do/DoChan run the
// shared work themselves, while here the caller owns execution and reports
// back later via EndRequest/CancelRequest — singleflight is used instead
// in the channel package, to coalesce concurrent first-Send dials.
package keeper

import (
	"sync"
	"time"

	corerpc "github.com/dzen-platform/corerpc"
	"github.com/dzen-platform/corerpc/internal/future"
	"github.com/dzen-platform/corerpc/message"
	"github.com/dzen-platform/corerpc/rpcerror"
	"github.com/dzen-platform/corerpc/service"
	"github.com/prometheus/client_golang/prometheus"
)

// Response is the kept outcome of one mutation: either a body/attachments
// pair, or an error.
type Response struct {
	Body        message.Part
	Attachments []message.Part
	Err         *rpcerror.Error
}

var errDuplicateNotMarkedRetry = rpcerror.New(rpcerror.DuplicateNotMarkedRetry,
	"keeper: duplicate mutation id not marked as a retry")

// Config configures a Keeper. The zero value disables warm-up and never
// expires finished entries (not recommended outside tests).
type Config struct {
	WarmupTime     time.Duration
	ExpirationTime time.Duration
	Registerer     prometheus.Registerer
}

// Keeper is one response keeper instance, typically one per mutating
// service.
type Keeper struct {
	cfg Config

	mu             sync.Mutex
	active         bool
	warmupDeadline time.Time
	pending        map[corerpc.MutationID]*pendingEntry
	finished       map[corerpc.MutationID]finishedEntry
	queue          []queueEntry

	stopCh chan struct{}
	doneCh chan struct{}

	pendingGauge  prometheus.Gauge
	finishedGauge prometheus.Gauge
}

type pendingEntry struct {
	f *future.Future[*Response]
	p *future.Promise[*Response]
}

type finishedEntry struct {
	resp *Response
	at   time.Time
}

type queueEntry struct {
	id corerpc.MutationID
	at time.Time
}

// New builds a Keeper. Start must be called before use.
func New(cfg Config) *Keeper {
	k := &Keeper{
		cfg:      cfg,
		pending:  make(map[corerpc.MutationID]*pendingEntry),
		finished: make(map[corerpc.MutationID]finishedEntry),
	}
	k.pendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "corerpc_keeper_pending", Help: "Number of mutations awaiting completion in the response keeper.",
	})
	k.finishedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "corerpc_keeper_finished", Help: "Number of completed mutations cached by the response keeper.",
	})
	if cfg.Registerer != nil {
		cfg.Registerer.MustRegister(k.pendingGauge, k.finishedGauge)
	}
	return k
}

// Start marks the keeper active and, if warm-up is configured, arms
// WarmupDeadline (spec §4.4). Idempotent while already active.
func (k *Keeper) Start() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.active {
		return
	}
	k.active = true
	if k.cfg.WarmupTime > 0 {
		k.warmupDeadline = time.Now().Add(k.cfg.WarmupTime)
	}
	k.stopCh = make(chan struct{})
	k.doneCh = make(chan struct{})
	go k.evictionLoop(k.stopCh, k.doneCh)
}

// Stop clears both maps and the eviction queue; after it, every operation
// behaves as if the keeper never saw any id (spec §4.4).
func (k *Keeper) Stop() {
	k.mu.Lock()
	if !k.active {
		k.mu.Unlock()
		return
	}
	k.active = false
	stopCh := k.stopCh
	doneCh := k.doneCh
	k.pending = make(map[corerpc.MutationID]*pendingEntry)
	k.finished = make(map[corerpc.MutationID]finishedEntry)
	k.queue = nil
	k.mu.Unlock()

	close(stopCh)
	<-doneCh
	k.pendingGauge.Set(0)
	k.finishedGauge.Set(0)
}

// TryBeginRequest implements spec §4.4's admission check. A nil, nil return
// means "you own this request — execute it and call EndRequest/CancelRequest
// when done."
func (k *Keeper) TryBeginRequest(id corerpc.MutationID, isRetry bool) (*future.Future[*Response], *rpcerror.Error) {
	k.mu.Lock()
	if pe, ok := k.pending[id]; ok {
		if !isRetry {
			k.mu.Unlock()
			return nil, errDuplicateNotMarkedRetry
		}
		k.mu.Unlock()
		return pe.f, nil
	}
	if fe, ok := k.finished[id]; ok {
		if !isRetry {
			k.mu.Unlock()
			return nil, errDuplicateNotMarkedRetry
		}
		k.mu.Unlock()
		return future.Done(fe.resp, nil), nil
	}
	if isRetry && k.active && time.Now().Before(k.warmupDeadline) {
		k.mu.Unlock()
		return nil, rpcerror.New(rpcerror.Warmup, "keeper: warm-up window has not elapsed, cannot tell whether %s was seen before restart", id)
	}
	f, p := future.New[*Response]()
	k.pending[id] = &pendingEntry{f: f, p: p}
	k.mu.Unlock()
	k.pendingGauge.Inc()
	return nil, nil
}

// EndRequest fulfils id's pending promise with resp and moves it to the
// finished map. A duplicate call for an id with no pending entry is a
// silent no-op (spec §4.4).
func (k *Keeper) EndRequest(id corerpc.MutationID, resp *Response) {
	k.mu.Lock()
	pe, ok := k.pending[id]
	if !ok {
		k.mu.Unlock()
		return
	}
	delete(k.pending, id)
	now := time.Now()
	k.finished[id] = finishedEntry{resp: resp, at: now}
	k.queue = append(k.queue, queueEntry{id: id, at: now})
	k.mu.Unlock()

	k.pendingGauge.Dec()
	k.finishedGauge.Inc()
	pe.p.Set(resp, nil)
}

// CancelRequest fulfils id's pending promise with an error and drops it; no
// entry enters the finished map (spec §4.4).
func (k *Keeper) CancelRequest(id corerpc.MutationID, err *rpcerror.Error) {
	k.mu.Lock()
	pe, ok := k.pending[id]
	if !ok {
		k.mu.Unlock()
		return
	}
	delete(k.pending, id)
	k.mu.Unlock()

	k.pendingGauge.Dec()
	pe.p.Set(&Response{Err: err}, nil)
}

// TryReplyFrom is the service-context integration helper from spec §4.4. It
// returns true when it has taken ownership of replying to ctx (either
// immediately, from a kept result, or asynchronously once the in-flight
// attempt finishes). It returns false when ctx has no mutation id to track,
// and also on a miss, after subscribing to ctx's outcome so it is forwarded
// to EndRequest (or CancelRequest for Unavailable); either way the caller
// must execute and reply normally.
func (k *Keeper) TryReplyFrom(ctx *service.Context) bool {
	if ctx.MutationID == nil {
		return false
	}
	id := *ctx.MutationID

	f, err := k.TryBeginRequest(id, ctx.Retry)
	if err != nil {
		ctx.Reply(nil, nil, err)
		return true
	}
	if f != nil {
		f.Subscribe(func(resp *Response, _ error) {
			ctx.Reply(resp.Body, resp.Attachments, resp.Err)
		})
		return true
	}

	ctx.OnReplied(func(body message.Part, attachments []message.Part, rerr *rpcerror.Error) {
		if rerr != nil && rerr.Code == rpcerror.Unavailable {
			// spec §4.4: forward Unavailable through CancelRequest so the
			// client may retry cleanly, rather than caching a failure a
			// retry could plausibly succeed at.
			k.CancelRequest(id, rerr)
			return
		}
		k.EndRequest(id, &Response{Body: body, Attachments: attachments, Err: rerr})
	})
	return false
}

// evictionLoop runs the periodic sweep spec §4.4 describes: pop front
// entries older than ExpirationTime, once a second. A bare time.Ticker is
// used rather than a scheduling library — this is a fixed-period sweep with
// no calendar semantics, nothing a cron-style library would add value to.
func (k *Keeper) evictionLoop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	if k.cfg.ExpirationTime <= 0 {
		<-stopCh
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			k.evictOnce()
		}
	}
}

func (k *Keeper) evictOnce() {
	cutoff := time.Now().Add(-k.cfg.ExpirationTime)
	var evicted int
	k.mu.Lock()
	for len(k.queue) > 0 && k.queue[0].at.Before(cutoff) {
		id := k.queue[0].id
		k.queue = k.queue[1:]
		if _, ok := k.finished[id]; ok {
			delete(k.finished, id)
			evicted++
		}
	}
	k.mu.Unlock()
	if evicted > 0 {
		k.finishedGauge.Sub(float64(evicted))
	}
}
