package stream

import (
	"bytes"
	"io"
	"sync"

	"github.com/dzen-platform/corerpc/dispatcher"
	"github.com/dzen-platform/corerpc/encoding"
	"github.com/dzen-platform/corerpc/internal/future"
	"github.com/dzen-platform/corerpc/message"
	"github.com/dzen-platform/corerpc/rpcerror"
)

type rawPayload struct {
	buffers []message.Part
	codec   string
	fin     bool
}

type queuedAttachment struct {
	data           message.Part
	compressedSize int64
}

// decodedBatch is the decompressed result of one HandlePayload call's
// already wire-ordered rawPayload batch. Batches race through the
// compression invoker out of submission order; a second reorderBuffer keyed
// by dispatchSeq below drains them back into submission order before
// anything reaches s.queue, mirroring the output stream's post-compression
// reassembly (compressWindow in output.go) so decompression parallelism
// never reorders the delivered byte stream.
type decodedBatch struct {
	items []queuedAttachment
	eof   bool
	err   *rpcerror.Error
}

// AttachmentsInputStream is the consumer side of one direction of a
// streaming call (spec §4.7). Incoming payload envelopes carry a sequence
// number and are reassembled in order before being handed, decompressed, to
// the consumer one at a time through Read.
type AttachmentsInputStream struct {
	mu sync.Mutex

	window *reorderBuffer[rawPayload]

	dispatchSeq  uint64
	resultWindow *reorderBuffer[decodedBatch]

	queue  []queuedAttachment
	eof    bool
	closed bool
	err    *rpcerror.Error

	readPos int64

	readInFlight bool
	readPromise  *future.Promise[message.Part]
}

// NewAttachmentsInputStream builds an empty input stream ready to receive
// payload envelopes.
func NewAttachmentsInputStream() *AttachmentsInputStream {
	return &AttachmentsInputStream{
		window:       newReorderBuffer[rawPayload](),
		resultWindow: newReorderBuffer[decodedBatch](),
	}
}

// ReadPosition is the cumulative wire size of every attachment delivered to
// the consumer so far; it is what the peer's AttachmentsOutputStream
// compares its WritePosition against (spec: "flow control credits the
// sender by the wire size, not the decompressed size").
func (s *AttachmentsInputStream) ReadPosition() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readPos
}

// HandlePayload records one received StreamPayloadHeader envelope. It never
// blocks its caller: window bookkeeping happens inline under the lock, and
// any decompression needed to move newly-in-order payloads into the read
// queue is handed to the compression invoker (spec: "Decompression, if any,
// runs on a compression invoker").
func (s *AttachmentsInputStream) HandlePayload(hdr *message.StreamPayloadHeader, buffers []message.Part) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.window.insert(hdr.Sequence, rawPayload{buffers: buffers, codec: hdr.Codec, fin: hdr.Fin})
	ready := s.window.drain()
	if len(ready) == 0 {
		s.mu.Unlock()
		return
	}
	seq := s.dispatchSeq
	s.dispatchSeq++
	s.mu.Unlock()
	dispatcher.Get().Compression().Submit(func() { s.decode(seq, ready) })
}

// decode runs off the caller's goroutine on the compression invoker, so two
// concurrent HandlePayload batches race here out of order; it builds the
// whole decodedBatch before touching any shared state, then reassembles
// batches back into submission order through resultWindow.
func (s *AttachmentsInputStream) decode(seq uint64, ready []rawPayload) {
	var batch decodedBatch
	for _, rp := range ready {
		if rp.fin {
			batch.eof = true
			continue
		}
		for _, buf := range rp.buffers {
			dec, err := decompressAttachment(buf, rp.codec)
			if err != nil {
				batch.err = rpcerror.New(rpcerror.Transport, "stream: decompress attachment: %v", err)
				break
			}
			batch.items = append(batch.items, queuedAttachment{data: dec, compressedSize: int64(len(buf))})
		}
		if batch.err != nil {
			break
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.resultWindow.insert(seq, batch)
	for _, b := range s.resultWindow.drain() {
		if s.err != nil {
			// A prior batch in submission order already failed the stream;
			// later-ordered batches are moot.
			return
		}
		s.queue = append(s.queue, b.items...)
		if b.err != nil {
			s.err = b.err
		}
		if b.eof {
			s.eof = true
		}
		s.deliverLocked()
	}
}

// Read returns a future for the next attachment. A nil Part with a nil
// error signals end-of-stream; any Read after that fails, and at most one
// Read may be in flight at a time (spec §4.7).
func (s *AttachmentsInputStream) Read() *future.Future[message.Part] {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, p := future.New[message.Part]()
	if s.readInFlight {
		p.Set(nil, rpcerror.New(rpcerror.Transport, "stream: concurrent Read on one input stream"))
		return f
	}
	if s.closed {
		p.Set(nil, rpcerror.New(rpcerror.Transport, "stream: Read after end-of-stream"))
		return f
	}
	s.readInFlight = true
	s.readPromise = p
	s.deliverLocked()
	return f
}

func (s *AttachmentsInputStream) deliverLocked() {
	if !s.readInFlight {
		return
	}
	switch {
	case len(s.queue) > 0:
		item := s.queue[0]
		s.queue = s.queue[1:]
		s.readPos += item.compressedSize
		s.fulfillLocked(item.data, nil)
	case s.err != nil:
		s.closed = true
		s.fulfillLocked(nil, s.err)
	case s.eof:
		s.closed = true
		s.fulfillLocked(nil, nil)
	}
}

func (s *AttachmentsInputStream) fulfillLocked(part message.Part, err *rpcerror.Error) {
	p := s.readPromise
	s.readPromise = nil
	s.readInFlight = false
	if err != nil {
		p.Set(nil, err)
		return
	}
	p.Set(part, nil)
}

// Done reports whether the stream has already delivered its terminal event
// (an error or end-of-stream) to the consumer, so a feedback pump driving
// this stream against a live bus connection knows when to stop.
func (s *AttachmentsInputStream) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Abort fails the stream, as a transport error on the underlying bus would.
// The stream arms no read timeout of its own; Abort is the only way to fail
// a Read that is waiting for data.
func (s *AttachmentsInputStream) Abort(err *rpcerror.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.deliverLocked()
}

func decompressAttachment(buf message.Part, codecName string) (message.Part, error) {
	if codecName == "" || codecName == encoding.Identity {
		return buf, nil
	}
	c := encoding.GetCompressor(codecName)
	if c == nil {
		return nil, rpcerror.New(rpcerror.Transport, "stream: unknown attachment compressor %q", codecName)
	}
	r, err := c.Decompress(bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return message.Part(data), nil
}
