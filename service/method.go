package service

import (
	"github.com/dzen-platform/corerpc/dispatcher"
	"github.com/dzen-platform/corerpc/message"
	"github.com/dzen-platform/corerpc/rpcerror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// DefaultMaxQueueSize is the ceiling applied when a Descriptor leaves
// MaxQueueSize at zero (spec §4.5: "default 10 000").
const DefaultMaxQueueSize = 10000

// Handler runs one request and returns its response body and attachments,
// or an error to be converted into an error reply (spec §4.5: "A raised
// exception is converted into an error reply" — in Go, a returned error
// plays that role; a genuine panic is still caught by the service's
// panics.Catcher).
type Handler func(ctx *Context, body message.Part, attachments []message.Part) (message.Part, []message.Part, error)

// Descriptor is what RegisterMethod installs (spec §4.5): "handler (lite,
// runs inline) and optional heavy handler (runs on the heavy invoker),
// invoker override, max queue size, max concurrency, cancelable flag,
// pooling flag, response codec, log level, and attachment-checksum flag."
type Descriptor struct {
	Name string

	// Handler runs inline within schedule unless Invoker overrides it.
	Handler Handler
	// HeavyHandler, if set, is used instead of Handler and always runs on
	// the dispatcher's heavy invoker. Its reply is built and sent from that
	// same heavy-invoker goroutine; no continuation is scheduled on the
	// light invoker.
	HeavyHandler Handler

	// Invoker overrides where the lite Handler executes. Nil means "run
	// synchronously within schedule" (spec's default "runs inline").
	Invoker dispatcher.Invoker

	MaxQueueSize   int
	MaxConcurrency int // 0 means unbounded

	Cancelable bool
	Pooling    bool

	ResponseCodec string
	LogLevel      logrus.Level

	GenerateAttachmentChecksums bool

	// Streaming marks a method whose attachments travel as live
	// AttachmentsInputStream/AttachmentsOutputStream pairs (spec §4.7)
	// instead of arriving pre-decoded with the request. A Streaming method's
	// Handler reads Context.InputStream/writes Context.OutputStream rather
	// than the body/attachments parameters, and the bus-facing caller of
	// HandleStreamingRequest (not HandleRequest) owns creating those stream
	// objects and pumping them against the wire.
	Streaming bool
}

func (d *Descriptor) maxQueueSize() int {
	if d.MaxQueueSize <= 0 {
		return DefaultMaxQueueSize
	}
	return d.MaxQueueSize
}

// runtime is the mutable per-method scheduling state: the FIFO queue, the
// concurrency semaphore, and the metrics that track them.
type runtime struct {
	desc *Descriptor

	queueGauge      prometheus.Gauge
	inFlightGauge   prometheus.Gauge
	localWaitHist   prometheus.Observer
	remoteWaitHist  prometheus.Observer

	queueCh chan *Context
	sem     chan struct{} // buffered to MaxConcurrency; nil means unbounded
}

func newRuntime(desc *Descriptor, svcName string, reg prometheus.Registerer) *runtime {
	r := &runtime{desc: desc, queueCh: make(chan *Context, desc.maxQueueSize())}
	if desc.MaxConcurrency > 0 {
		r.sem = make(chan struct{}, desc.MaxConcurrency)
	}

	labels := prometheus.Labels{"service": svcName, "method": desc.Name}
	r.queueGauge = newGauge(reg, "corerpc_service_queue_size", "Number of requests queued for a method.", labels)
	r.inFlightGauge = newGauge(reg, "corerpc_service_in_flight", "Number of requests currently executing for a method.", labels)
	waitHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "corerpc_service_wait_seconds",
		Help:    "Local and remote wait duration observed before a handler starts running.",
		Buckets: prometheus.DefBuckets,
	}, []string{"service", "method", "kind"})
	if reg != nil {
		reg.MustRegister(waitHist)
	}
	r.localWaitHist = waitHist.WithLabelValues(svcName, desc.Name, "local")
	r.remoteWaitHist = waitHist.WithLabelValues(svcName, desc.Name, "remote")
	return r
}

func newGauge(reg prometheus.Registerer, name, help string, labels prometheus.Labels) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help, ConstLabels: labels})
	if reg != nil {
		reg.MustRegister(g)
	}
	return g
}

func (r *runtime) queueLen() int { return len(r.queueCh) }

var errQueueFull = rpcerror.New(rpcerror.RequestQueueSizeLimitExceeded, "service: method queue is full")
