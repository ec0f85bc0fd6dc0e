// Package dispatcher is the process-wide pool of invokers spec §4.9
// describes: a single-threaded light invoker, a heavy invoker for
// serialization/deserialization work, and a compression invoker (a FIFO
// worker pool; submissions carry no priority), plus the per-band TOS mapping. It is lazily initialized exactly
// once per process, mirroring the teacher's balancer.Register/Get registry
// idiom (chalvern-grpc-go/balancer/balancer.go) — here used to register the
// process-wide singleton instead of balancer builders.
package dispatcher

import (
	"sync"

	"github.com/JekaMas/workerpool"
	"github.com/dzen-platform/corerpc/bus"
)

// Invoker runs a unit of work. HeavyInvoker and CompressionInvoker are
// backed by worker pools (github.com/JekaMas/workerpool); LightInvoker is a
// single goroutine draining a FIFO so cancellation/bookkeeping callbacks
// can never be delayed behind a long-running heavy task, and so they never
// recurse into the caller's stack (spec §9, "Avoiding stack blow-up on
// cancellation").
type Invoker interface {
	// Submit schedules fn to run asynchronously. It never blocks the
	// caller on fn's execution.
	Submit(fn func())
}

// Config overrides the default pool sizes. The zero value uses the
// defaults below.
type Config struct {
	HeavyPoolSize       int
	CompressionPoolSize int
}

const (
	defaultHeavyPoolSize       = 8
	defaultCompressionPoolSize = 4
)

// Dispatcher is the process-wide invoker set.
type Dispatcher struct {
	light       *lightInvoker
	heavy       *workerpool.WorkerPool
	compression *workerpool.WorkerPool

	mu      sync.RWMutex
	tos     map[bus.Band]int
}

var (
	once sync.Once
	inst *Dispatcher
)

// Get returns the lazily-initialized process-wide Dispatcher.
func Get() *Dispatcher {
	once.Do(func() { inst = newDispatcher(Config{}) })
	return inst
}

// Configure replaces the process-wide Dispatcher's pool sizes, shutting
// down whatever Dispatcher was previously active. Exists mainly for tests
// that want small pools; safe to call at any time, including before the
// first Get().
func Configure(cfg Config) {
	old := inst
	inst = newDispatcher(cfg)
	once.Do(func() {}) // mark initialization done so Get() keeps this instance
	if old != nil {
		old.Shutdown()
	}
}

func newDispatcher(cfg Config) *Dispatcher {
	heavyN := cfg.HeavyPoolSize
	if heavyN <= 0 {
		heavyN = defaultHeavyPoolSize
	}
	compN := cfg.CompressionPoolSize
	if compN <= 0 {
		compN = defaultCompressionPoolSize
	}
	return &Dispatcher{
		light:       newLightInvoker(),
		heavy:       workerpool.New(heavyN),
		compression: workerpool.New(compN),
		tos: map[bus.Band]int{
			bus.BandDefault: 0x00,
			bus.BandControl: 0x10,
			bus.BandHeavy:   0x08,
		},
	}
}

// Light returns the single-threaded invoker used for cancellation,
// discovery and other bookkeeping callbacks that must not block.
func (d *Dispatcher) Light() Invoker { return d.light }

// Heavy returns the invoker used for request/response serialization.
func (d *Dispatcher) Heavy() Invoker { return workerpoolInvoker{d.heavy} }

// Compression returns the invoker used for attachment
// compression/decompression.
func (d *Dispatcher) Compression() Invoker { return workerpoolInvoker{d.compression} }

// TOS returns the configured ToS byte for band, or 0 if unset.
func (d *Dispatcher) TOS(band bus.Band) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tos[band]
}

// SetTOS overrides the ToS byte used for band.
func (d *Dispatcher) SetTOS(band bus.Band, tos int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tos[band] = tos
}

// Shutdown drains both pools and stops the light invoker. Submissions after
// Shutdown are dropped.
func (d *Dispatcher) Shutdown() {
	d.light.stop()
	d.heavy.StopWait()
	d.compression.StopWait()
}

type workerpoolInvoker struct{ p *workerpool.WorkerPool }

func (w workerpoolInvoker) Submit(fn func()) { w.p.Submit(fn) }
