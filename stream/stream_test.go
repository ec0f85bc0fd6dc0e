package stream

import (
	"testing"
	"time"

	"github.com/dzen-platform/corerpc/message"
	"github.com/dzen-platform/corerpc/rpcerror"
	"github.com/stretchr/testify/require"
)

func getWithTimeout(t *testing.T, f interface {
	Chan() <-chan struct{}
}) {
	select {
	case <-f.Chan():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for future")
	}
}

func TestInputStreamDeliversInOrderDespiteOutOfOrderPayloads(t *testing.T) {
	in := NewAttachmentsInputStream()

	in.HandlePayload(&message.StreamPayloadHeader{Sequence: 1}, []message.Part{message.Part("b")})
	in.HandlePayload(&message.StreamPayloadHeader{Sequence: 0}, []message.Part{message.Part("a")})

	r1 := in.Read()
	getWithTimeout(t, r1)
	part, err := r1.Get()
	require.NoError(t, err)
	require.Equal(t, message.Part("a"), part)

	r2 := in.Read()
	getWithTimeout(t, r2)
	part, err = r2.Get()
	require.NoError(t, err)
	require.Equal(t, message.Part("b"), part)

	require.Equal(t, int64(2), in.ReadPosition())
}

func TestInputStreamEndOfStreamThenFailsFurtherReads(t *testing.T) {
	in := NewAttachmentsInputStream()
	in.HandlePayload(&message.StreamPayloadHeader{Sequence: 0, Fin: true}, nil)

	r := in.Read()
	getWithTimeout(t, r)
	part, err := r.Get()
	require.NoError(t, err)
	require.Nil(t, part)

	_, err = in.Read().Get()
	require.Error(t, err)
}

func TestInputStreamAbortFailsPendingRead(t *testing.T) {
	in := NewAttachmentsInputStream()
	r := in.Read()
	in.Abort(rpcerror.NewUnavailable("peer gone"))

	getWithTimeout(t, r)
	_, err := r.Get()
	require.Error(t, err)
}

func TestInputStreamDecompressesGzipPayload(t *testing.T) {
	in := NewAttachmentsInputStream()
	compressed, err := compressAttachment(message.Part("hello world"), "gzip")
	require.NoError(t, err)

	in.HandlePayload(&message.StreamPayloadHeader{Sequence: 0, Codec: "gzip"}, []message.Part{compressed})

	r := in.Read()
	getWithTimeout(t, r)
	part, err := r.Get()
	require.NoError(t, err)
	require.Equal(t, message.Part("hello world"), part)
	require.Equal(t, int64(len(compressed)), in.ReadPosition())
}

func TestOutputStreamFulfillsWriteImmediatelyWithinWindow(t *testing.T) {
	out := NewAttachmentsOutputStream(1024, "")
	f := out.Write(message.Part("abc"))
	getWithTimeout(t, f)
	_, err := f.Get()
	require.NoError(t, err)
	require.Equal(t, int64(3), out.WritePosition())
}

func TestOutputStreamParksWriteBeyondWindowUntilFeedback(t *testing.T) {
	out := NewAttachmentsOutputStream(2, "")
	f := out.Write(message.Part("abcd"))

	select {
	case <-f.Chan():
		t.Fatal("write should not be fulfilled yet")
	case <-time.After(20 * time.Millisecond):
	}

	out.HandleFeedback(&message.StreamFeedbackHeader{ReadPosition: 4})
	getWithTimeout(t, f)
	_, err := f.Get()
	require.NoError(t, err)
}

func TestOutputStreamTryPullFirstPacketExceedsWindow(t *testing.T) {
	out := NewAttachmentsOutputStream(2, "")
	out.Write(message.Part("abcdefgh"))

	var hdr *message.StreamPayloadHeader
	var bufs []message.Part
	require.Eventually(t, func() bool {
		var ok bool
		hdr, bufs, ok = out.TryPull()
		return ok
	}, time.Second, time.Millisecond)

	require.Len(t, bufs, 1)
	require.Equal(t, message.Part("abcdefgh"), bufs[0])
	require.False(t, hdr.Fin)
	require.Equal(t, int64(8), out.SentPosition())
}

func TestOutputStreamCloseCompletesOnlyAfterFeedbackAcksFin(t *testing.T) {
	out := NewAttachmentsOutputStream(1024, "")
	closeFuture := out.Close()

	hdr, bufs, ok := out.TryPull()
	require.True(t, ok)
	require.True(t, hdr.Fin)
	require.Empty(t, bufs)

	select {
	case <-closeFuture.Chan():
		t.Fatal("close should not complete before feedback acks it")
	case <-time.After(20 * time.Millisecond):
	}

	out.HandleFeedback(&message.StreamFeedbackHeader{ReadPosition: out.SentPosition()})
	getWithTimeout(t, closeFuture)
	_, err := closeFuture.Get()
	require.NoError(t, err)
}

func TestOutputStreamFeedbackExceedingWritePositionFailsStream(t *testing.T) {
	out := NewAttachmentsOutputStream(1024, "")
	f := out.Write(message.Part("ab"))
	getWithTimeout(t, f)

	out.HandleFeedback(&message.StreamFeedbackHeader{ReadPosition: 1000})

	f2 := out.Write(message.Part("cd"))
	getWithTimeout(t, f2)
	_, err := f2.Get()
	require.Error(t, err)
	rerr, ok := err.(*rpcerror.Error)
	require.True(t, ok)
	require.Equal(t, rpcerror.ProtocolError, rerr.Code)
}

func TestHandleOutputStreamingRequestDrainsGeneratorIntoStream(t *testing.T) {
	out := NewAttachmentsOutputStream(1024, "")
	chunks := []message.Part{message.Part("a"), message.Part("b")}
	i := 0
	gen := func() (message.Part, error) {
		if i >= len(chunks) {
			return nil, nil
		}
		c := chunks[i]
		i++
		return c, nil
	}

	done := HandleOutputStreamingRequest(out, gen)

	var sent []message.Part
	require.Eventually(t, func() bool {
		for {
			hdr, bufs, ok := out.TryPull()
			if !ok {
				break
			}
			sent = append(sent, bufs...)
			if hdr.Fin {
				out.HandleFeedback(&message.StreamFeedbackHeader{ReadPosition: out.SentPosition()})
			}
		}
		return done.IsDone()
	}, time.Second, time.Millisecond)

	_, err := done.Get()
	require.NoError(t, err)
	require.Equal(t, chunks, sent)
}

func TestHandleInputStreamingRequestDrainsStreamIntoWriter(t *testing.T) {
	in := NewAttachmentsInputStream()
	var got []message.Part
	done := HandleInputStreamingRequest(in, func(p message.Part) error {
		got = append(got, p)
		return nil
	})

	in.HandlePayload(&message.StreamPayloadHeader{Sequence: 0}, []message.Part{message.Part("x")})
	in.HandlePayload(&message.StreamPayloadHeader{Sequence: 1}, []message.Part{message.Part("y")})
	in.HandlePayload(&message.StreamPayloadHeader{Sequence: 2, Fin: true}, nil)

	getWithTimeout(t, done)
	_, err := done.Get()
	require.NoError(t, err)
	require.Equal(t, []message.Part{message.Part("x"), message.Part("y")}, got)
}

func TestClientOutputStreamAckModeWaitsForExplicitAck(t *testing.T) {
	out := NewAttachmentsOutputStream(1024, "")
	c := NewClientOutputStream(out, true)

	f := c.Write(message.Part("abc"))
	select {
	case <-f.Chan():
		t.Fatal("write should wait for explicit ack")
	case <-time.After(20 * time.Millisecond):
	}

	c.HandleAck(0)
	getWithTimeout(t, f)
	_, err := f.Get()
	require.NoError(t, err)
}
