package corerpc

import (
	"time"

	"github.com/dzen-platform/corerpc/bus"
)

// sendOptions collects the per-send knobs spec §4.2 lists: Timeout,
// RequestAck, MultiplexingBand, GenerateAttachmentChecksums and MemoryZone,
// plus the engine's own Heavy flag controlling which invoker serializes the
// request (spec §4.9).
type sendOptions struct {
	hasTimeout bool
	timeout    time.Duration
	requestAck bool
	band       bus.Band
	checksums  bool
	memoryZone string
	heavy      bool

	attachmentStreaming bool
}

func defaultSendOptions() sendOptions {
	return sendOptions{band: bus.BandDefault}
}

// SendOption configures one Send call.
type SendOption func(*sendOptions)

// WithTimeout arms a client-side deadline: if no response arrives within d
// (a delivery acknowledgement does not stop it), the request is retired with a Timeout error (spec §4.2).
func WithTimeout(d time.Duration) SendOption {
	return func(o *sendOptions) {
		o.hasTimeout = true
		o.timeout = d
	}
}

// WithRequestAck asks the bus to deliver a delivery acknowledgement,
// surfaced to the caller as ResponseHandler.OnAcknowledgement.
func WithRequestAck() SendOption {
	return func(o *sendOptions) { o.requestAck = true }
}

// WithBand selects which multiplexing band (and therefore which bus
// connection) carries the request (spec §6).
func WithBand(band bus.Band) SendOption {
	return func(o *sendOptions) { o.band = band }
}

// WithAttachmentChecksums asks the bus to checksum attachment payloads in
// transit.
func WithAttachmentChecksums() SendOption {
	return func(o *sendOptions) { o.checksums = true }
}

// WithMemoryZone records the caller's preferred memory zone for response
// buffers (spec §4.2) in the send options. The zone is not written into the
// request header and is not passed to the bus.
func WithMemoryZone(zone string) SendOption {
	return func(o *sendOptions) { o.memoryZone = zone }
}

// WithHeavy marks the request as heavy, so its header/body serialization
// runs on the dispatcher's heavy invoker instead of inline on the caller's
// goroutine (spec §4.9).
func WithHeavy() SendOption {
	return func(o *sendOptions) { o.heavy = true }
}

// WithAttachmentStreaming opts a call into live attachment streaming (spec
// §4.7): instead of supplying Request.Attachments up front, the caller
// reads/writes them through the ClientInputStream/ClientOutputStream a
// StreamingRequestControl exposes once Send returns.
func WithAttachmentStreaming() SendOption {
	return func(o *sendOptions) { o.attachmentStreaming = true }
}

// TimeoutFromOptions extracts the timeout WithTimeout set, if any. It exists
// so a Channel implementation outside this package (the local channel, spec
// §4.8, which has no bus round trip to arm a timer around) can still stamp
// the request header's timeout field without needing sendOptions itself to
// be exported.
func TimeoutFromOptions(opts ...SendOption) (time.Duration, bool) {
	o := defaultSendOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o.timeout, o.hasTimeout
}
