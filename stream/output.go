package stream

import (
	"bytes"
	"sync"

	"github.com/dzen-platform/corerpc/dispatcher"
	"github.com/dzen-platform/corerpc/encoding"
	"github.com/dzen-platform/corerpc/internal/future"
	"github.com/dzen-platform/corerpc/message"
	"github.com/dzen-platform/corerpc/rpcerror"
)

type readyAttachment struct {
	data message.Part
	fin  bool
}

// AttachmentsOutputStream is the producer side of one direction of a
// streaming call (spec §4.7). Write enqueues application bytes, which are
// compressed off the compression invoker while preserving producer order;
// TryPull packs the compressed, ready attachments into payload envelopes
// under a byte-budget window W, honoring backpressure fed back from the
// peer's AttachmentsInputStream.
type AttachmentsOutputStream struct {
	mu sync.Mutex

	window int64
	codec  string

	writePos int64
	sentPos  int64
	readPos  int64

	nextWriteSeq   uint64
	compressWindow *reorderBuffer[message.Part]
	ready          []readyAttachment
	outboundSeq    uint64

	parked []*future.Promise[struct{}]

	closing      bool
	closeSent    bool
	closeSentPos int64
	closePromise *future.Promise[struct{}]
	closeFuture  *future.Future[struct{}]

	notify chan struct{}

	err *rpcerror.Error
}

// NewAttachmentsOutputStream builds an output stream bounded by windowSize
// bytes, compressing attachments with codec (encoding.Identity, or empty,
// for no compression).
func NewAttachmentsOutputStream(windowSize int64, codec string) *AttachmentsOutputStream {
	return &AttachmentsOutputStream{
		window:         windowSize,
		codec:          codec,
		compressWindow: newReorderBuffer[message.Part](),
		notify:         make(chan struct{}, 1),
	}
}

// Notify fires whenever TryPull may newly have something to return: a pump
// driving this stream onto a live bus can block on it between TryPull
// passes instead of polling.
func (s *AttachmentsOutputStream) Notify() <-chan struct{} { return s.notify }

func (s *AttachmentsOutputStream) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *AttachmentsOutputStream) WritePosition() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writePos
}

func (s *AttachmentsOutputStream) SentPosition() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sentPos
}

func (s *AttachmentsOutputStream) ReadPosition() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readPos
}

// Write enqueues buf for sending. Its future is fulfilled immediately if
// the stream has room under the window, or parked until peer feedback frees
// enough of it (spec: "A write's future is fulfilled as soon as
// WritePosition − ReadPosition ≤ W").
func (s *AttachmentsOutputStream) Write(buf message.Part) *future.Future[struct{}] {
	s.mu.Lock()
	f, p := future.New[struct{}]()
	if s.err != nil {
		s.mu.Unlock()
		p.Set(struct{}{}, s.err)
		return f
	}
	if s.closing {
		s.mu.Unlock()
		p.Set(struct{}{}, rpcerror.New(rpcerror.Transport, "stream: Write after Close"))
		return f
	}

	seq := s.nextWriteSeq
	s.nextWriteSeq++
	s.writePos += int64(len(buf))
	if s.writePos-s.readPos <= s.window {
		s.mu.Unlock()
		p.Set(struct{}{}, nil)
	} else {
		s.parked = append(s.parked, p)
		s.mu.Unlock()
	}

	dispatcher.Get().Compression().Submit(func() { s.compressAndEnqueue(seq, buf) })
	return f
}

func (s *AttachmentsOutputStream) compressAndEnqueue(seq uint64, buf message.Part) {
	comp, err := compressAttachment(buf, s.codecOrIdentity())
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.failLocked(rpcerror.New(rpcerror.Transport, "stream: compress attachment: %v", err))
		return
	}
	s.compressWindow.insert(seq, comp)
	drained := s.compressWindow.drain()
	for _, c := range drained {
		s.ready = append(s.ready, readyAttachment{data: c})
	}
	if len(drained) > 0 {
		s.signal()
	}
}

func (s *AttachmentsOutputStream) codecOrIdentity() string {
	if s.codec == "" {
		return encoding.Identity
	}
	return s.codec
}

// Close enqueues the end-of-stream marker. The returned future completes
// only once the peer has acknowledged reading it (spec §4.7).
func (s *AttachmentsOutputStream) Close() *future.Future[struct{}] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeFuture != nil {
		return s.closeFuture
	}
	f, p := future.New[struct{}]()
	s.closeFuture = f
	if s.err != nil {
		p.Set(struct{}{}, s.err)
		return f
	}
	s.closePromise = p
	s.closing = true
	s.ready = append(s.ready, readyAttachment{fin: true})
	s.signal()
	return f
}

// TryPull returns the next payload to send, greedily packing ready
// attachments as long as adding the next one keeps SentPosition −
// ReadPosition ≤ W, with the exception that the first packet is emitted
// even if it alone exceeds W (spec §4.7). ok is false when there is nothing
// ready to send.
func (s *AttachmentsOutputStream) TryPull() (hdr *message.StreamPayloadHeader, buffers []message.Part, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ready) == 0 || s.err != nil {
		return nil, nil, false
	}

	var total int64
	fin := false
	n := 0
	for i, item := range s.ready {
		if item.fin {
			if i == 0 {
				n = 1
				fin = true
			}
			break
		}
		projected := s.sentPos + total + int64(len(item.data))
		if i > 0 && projected-s.readPos > s.window {
			break
		}
		buffers = append(buffers, item.data)
		total += int64(len(item.data))
		n = i + 1
	}
	if n == 0 {
		return nil, nil, false
	}

	s.ready = s.ready[n:]
	s.sentPos += total
	if fin {
		s.closeSent = true
		s.closeSentPos = s.sentPos
	}

	seq := s.outboundSeq
	s.outboundSeq++
	return &message.StreamPayloadHeader{Sequence: seq, Codec: s.codecOrIdentity(), Fin: fin}, buffers, true
}

// HandleFeedback applies one feedback envelope from the peer (spec §4.7):
// stale feedback (a ReadPosition lower than the one already known) is
// ignored; feedback claiming to have read more than has been written fails
// the stream.
func (s *AttachmentsOutputStream) HandleFeedback(hdr *message.StreamFeedbackHeader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hdr.ReadPosition < s.readPos {
		return
	}
	if hdr.ReadPosition > s.writePos {
		s.failLocked(rpcerror.New(rpcerror.ProtocolError, "stream: feedback read position %d exceeds write position %d", hdr.ReadPosition, s.writePos))
		return
	}
	s.readPos = hdr.ReadPosition

	if s.writePos-s.readPos <= s.window && len(s.parked) > 0 {
		parked := s.parked
		s.parked = nil
		for _, p := range parked {
			p.Set(struct{}{}, nil)
		}
	}
	if s.closeSent && s.closePromise != nil && s.readPos >= s.closeSentPos {
		p := s.closePromise
		s.closePromise = nil
		p.Set(struct{}{}, nil)
	}
}

// Abort fails the stream and every outstanding write/close future, as a
// transport error on the underlying bus would.
func (s *AttachmentsOutputStream) Abort(err *rpcerror.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLocked(err)
}

func (s *AttachmentsOutputStream) failLocked(err *rpcerror.Error) {
	if s.err != nil {
		return
	}
	s.err = err
	parked := s.parked
	s.parked = nil
	for _, p := range parked {
		p.Set(struct{}{}, err)
	}
	if s.closePromise != nil {
		p := s.closePromise
		s.closePromise = nil
		p.Set(struct{}{}, err)
	}
}

func compressAttachment(buf message.Part, codecName string) (message.Part, error) {
	if codecName == "" || codecName == encoding.Identity {
		return buf, nil
	}
	c := encoding.GetCompressor(codecName)
	if c == nil {
		return nil, rpcerror.New(rpcerror.Transport, "stream: unknown attachment compressor %q", codecName)
	}
	var out bytes.Buffer
	w, err := c.Compress(&out)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(buf); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return message.Part(out.Bytes()), nil
}
