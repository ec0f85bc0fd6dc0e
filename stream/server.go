package stream

import (
	"github.com/dzen-platform/corerpc/internal/future"
	"github.com/dzen-platform/corerpc/message"
	"github.com/dzen-platform/corerpc/rpcerror"
)

// Generator produces the next outbound attachment, or (nil, nil) to signal
// end-of-stream.
type Generator func() (message.Part, error)

// HandleOutputStreamingRequest implements the "pull-from-generator into the
// outbound attachments" server shape (spec §4.7): it drives gen until
// end-of-stream or failure, writing each result to out and closing out when
// done. The returned future completes once out.Close has been acknowledged
// (or the stream failed).
func HandleOutputStreamingRequest(out *AttachmentsOutputStream, gen Generator) *future.Future[struct{}] {
	f, p := future.New[struct{}]()
	go func() {
		for {
			buf, err := gen()
			if err != nil {
				out.Abort(rpcerror.New(rpcerror.Transport, "stream: generator: %v", err))
				p.Set(struct{}{}, err)
				return
			}
			if buf == nil {
				_, closeErr := out.Close().Get()
				p.Set(struct{}{}, closeErr)
				return
			}
			if _, err := out.Write(buf).Get(); err != nil {
				p.Set(struct{}{}, err)
				return
			}
		}
	}()
	return f
}

// Writer consumes one attachment drained from an inbound stream, in order.
type Writer func(message.Part) error

// HandleInputStreamingRequest implements the "drain the inbound attachments
// into a writer" server shape (spec §4.7): it reads in until end-of-stream
// or failure, handing each attachment to w in order. The returned future
// completes when the stream ends.
func HandleInputStreamingRequest(in *AttachmentsInputStream, w Writer) *future.Future[struct{}] {
	f, p := future.New[struct{}]()
	go func() {
		for {
			buf, err := in.Read().Get()
			if err != nil {
				p.Set(struct{}{}, err)
				return
			}
			if buf == nil {
				p.Set(struct{}{}, nil)
				return
			}
			if err := w(buf); err != nil {
				in.Abort(rpcerror.New(rpcerror.Transport, "stream: writer: %v", err))
				p.Set(struct{}{}, err)
				return
			}
		}
	}()
	return f
}

// HandleEchoStreamingRequest implements the "stream everything read from in
// back out through out, in order" server shape (spec §4.7): it reads in
// until end-of-stream or failure, writing each attachment to out as it
// arrives, then closes out. The returned future completes once out.Close has
// been acknowledged, or either side failed.
func HandleEchoStreamingRequest(in *AttachmentsInputStream, out *AttachmentsOutputStream) *future.Future[struct{}] {
	f, p := future.New[struct{}]()
	go func() {
		for {
			buf, err := in.Read().Get()
			if err != nil {
				out.Abort(rpcerror.New(rpcerror.Transport, "stream: echo: input failed: %v", err))
				p.Set(struct{}{}, err)
				return
			}
			if buf == nil {
				_, closeErr := out.Close().Get()
				p.Set(struct{}{}, closeErr)
				return
			}
			if _, err := out.Write(buf).Get(); err != nil {
				in.Abort(rpcerror.New(rpcerror.Transport, "stream: echo: output failed: %v", err))
				p.Set(struct{}{}, err)
				return
			}
		}
	}()
	return f
}
