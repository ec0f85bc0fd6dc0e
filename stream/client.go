package stream

import (
	"sync"

	"github.com/dzen-platform/corerpc/internal/future"
	"github.com/dzen-platform/corerpc/message"
	"github.com/dzen-platform/corerpc/rpcerror"
)

// ClientInputStream adapts one inbound attachment stream of a live call
// into a plain read-until-EOF surface (spec §4.7's TRpcClientInputStream):
// reads pass through to the underlying AttachmentsInputStream until the
// call itself completes, at which point a call failure takes priority over
// a bare end-of-stream so the caller sees the real reason the stream ended.
type ClientInputStream struct {
	in     *AttachmentsInputStream
	callErr func() *rpcerror.Error
}

// NewClientInputStream wraps in. callErr, if non-nil, is consulted whenever
// in reports end-of-stream, so a call that failed after all attachments
// were already delivered still surfaces its error instead of a clean EOF.
func NewClientInputStream(in *AttachmentsInputStream, callErr func() *rpcerror.Error) *ClientInputStream {
	return &ClientInputStream{in: in, callErr: callErr}
}

func (c *ClientInputStream) Read() *future.Future[message.Part] {
	f, p := future.New[message.Part]()
	go func() {
		part, err := c.in.Read().Get()
		if part == nil && err == nil && c.callErr != nil {
			if callErr := c.callErr(); callErr != nil {
				p.Set(nil, callErr)
				return
			}
		}
		p.Set(part, err)
	}()
	return f
}

// ClientOutputStream adapts one outbound attachment stream of a live call
// (spec §4.7's TRpcClientOutputStream). With per-chunk feedback enabled,
// each Write's future additionally waits for an explicit per-payload
// acknowledgement from the peer instead of being fulfilled purely by the
// window accounting; this is the "separate handshake message" mode the spec
// describes.
type ClientOutputStream struct {
	out        *AttachmentsOutputStream
	requireAck bool

	mu      sync.Mutex
	pending map[uint64]*future.Promise[struct{}]
	seq     uint64
}

// NewClientOutputStream wraps out. requireAck selects the per-chunk
// acknowledgement mode.
func NewClientOutputStream(out *AttachmentsOutputStream, requireAck bool) *ClientOutputStream {
	return &ClientOutputStream{out: out, requireAck: requireAck, pending: make(map[uint64]*future.Promise[struct{}])}
}

func (c *ClientOutputStream) Write(buf message.Part) *future.Future[struct{}] {
	if !c.requireAck {
		return c.out.Write(buf)
	}

	c.mu.Lock()
	seq := c.seq
	c.seq++
	f, p := future.New[struct{}]()
	c.pending[seq] = p
	c.mu.Unlock()

	go func() {
		if _, err := c.out.Write(buf).Get(); err != nil {
			c.mu.Lock()
			delete(c.pending, seq)
			c.mu.Unlock()
			p.Set(struct{}{}, err)
		}
		// On success the future is left pending until HandleAck arrives.
	}()
	return f
}

// HandleAck fulfills the Write future for chunk seq once the peer's
// explicit per-chunk success acknowledgement arrives. A no-op if requireAck
// is false or seq was already acknowledged.
func (c *ClientOutputStream) HandleAck(seq uint64) {
	c.mu.Lock()
	p, ok := c.pending[seq]
	if ok {
		delete(c.pending, seq)
	}
	c.mu.Unlock()
	if ok {
		p.Set(struct{}{}, nil)
	}
}

func (c *ClientOutputStream) Close() *future.Future[struct{}] { return c.out.Close() }
