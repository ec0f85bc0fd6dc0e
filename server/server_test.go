package server

import (
	"context"
	"testing"
	"time"

	"github.com/dzen-platform/corerpc"
	"github.com/dzen-platform/corerpc/bus"
	"github.com/dzen-platform/corerpc/message"
	"github.com/dzen-platform/corerpc/rpcerror"
	"github.com/dzen-platform/corerpc/service"
	"github.com/dzen-platform/corerpc/stream"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

// fakeBus is a minimal bus.Bus used to drive the Server without a real
// transport: Send captures what the server sent back, and a test can
// deliver inbound messages by calling handler.HandleMessage directly once
// Subscribe has run.
type fakeBus struct {
	sent    chan message.Message
	handler bus.Handler
	done    chan struct{}
}

func newFakeBus() *fakeBus { return &fakeBus{sent: make(chan message.Message, 8), done: make(chan struct{})} }

func (b *fakeBus) Send(_ context.Context, m message.Message, _ bus.SendOptions) error {
	b.sent <- m
	return nil
}
func (b *fakeBus) Subscribe(h bus.Handler) { b.handler = h }
func (b *fakeBus) Terminate(err error)     { close(b.done) }
func (b *fakeBus) Done() <-chan struct{}   { return b.done }

// fakeListener hands a single pre-built fakeBus to onAccept and then blocks
// until Close is called.
type fakeListener struct {
	b      *fakeBus
	closed chan struct{}
}

func newFakeListener(b *fakeBus) *fakeListener { return &fakeListener{b: b, closed: make(chan struct{})} }

func (l *fakeListener) Serve(onAccept func(bus.Bus)) error {
	onAccept(l.b)
	<-l.closed
	return nil
}

func (l *fakeListener) Close() error {
	close(l.closed)
	return nil
}

func newEchoService() *service.Service {
	svc := service.New("echo", nil, nil)
	svc.RegisterMethod(&service.Descriptor{
		Name: "Echo",
		Handler: func(ctx *service.Context, body message.Part, attachments []message.Part) (message.Part, []message.Part, error) {
			return body, attachments, nil
		},
	})
	return svc
}

func TestServerDispatchesRequestToService(t *testing.T) {
	srv := New(nil, nil)
	srv.RegisterService(newEchoService(), corerpc.NilRealmID)

	b := newFakeBus()
	ln := newFakeListener(b)
	go srv.Start(ln)
	time.Sleep(10 * time.Millisecond)
	require.NotNil(t, b.handler)

	hdr := &message.RequestHeader{RequestID: uuid.New(), Service: "echo", Method: "Echo"}
	m, err := message.BuildRequest(hdr, message.Part("hi"), nil)
	require.NoError(t, err)
	b.handler.HandleMessage(m)

	resp := <-b.sent
	rh, err := message.ParseResponseHeader(resp)
	require.NoError(t, err)
	require.Nil(t, rh.Error)
	require.Equal(t, message.Part("hi"), resp.Body())

	require.NoError(t, srv.Stop(true))
}

func TestServerUnknownServiceRepliesNoSuchService(t *testing.T) {
	srv := New(nil, nil)
	b := newFakeBus()
	ln := newFakeListener(b)
	go srv.Start(ln)
	time.Sleep(10 * time.Millisecond)

	hdr := &message.RequestHeader{RequestID: uuid.New(), Service: "missing", Method: "Whatever"}
	m, err := message.BuildRequest(hdr, nil, nil)
	require.NoError(t, err)
	b.handler.HandleMessage(m)

	resp := <-b.sent
	rh, err := message.ParseResponseHeader(resp)
	require.NoError(t, err)
	require.NotNil(t, rh.Error)
	require.Equal(t, int32(rpcerror.NoSuchService), rh.Error.Code)

	require.NoError(t, srv.Stop(false))
}

func TestServerDiscoverReportsAdvertisedAddresses(t *testing.T) {
	srv := New([]string{"10.0.0.1:9000"}, nil)
	srv.RegisterService(newEchoService(), corerpc.NilRealmID)

	b := newFakeBus()
	ln := newFakeListener(b)
	go srv.Start(ln)
	time.Sleep(10 * time.Millisecond)

	hdr := &message.RequestHeader{RequestID: uuid.New(), Service: "echo", Method: "Discover"}
	m, err := message.BuildRequest(hdr, nil, nil)
	require.NoError(t, err)
	b.handler.HandleMessage(m)

	resp := <-b.sent
	rh, err := message.ParseResponseHeader(resp)
	require.NoError(t, err)
	require.Nil(t, rh.Error)

	var out struct {
		Up                 bool     `msgpack:"up"`
		SuggestedAddresses []string `msgpack:"suggested_addresses"`
	}
	require.NoError(t, msgpack.Unmarshal(resp.Body(), &out))
	require.True(t, out.Up)
	require.Equal(t, []string{"10.0.0.1:9000"}, out.SuggestedAddresses)

	require.NoError(t, srv.Stop(true))
}

func newStreamingEchoService() *service.Service {
	svc := service.New("streamecho", nil, nil)
	svc.RegisterMethod(&service.Descriptor{
		Name:      "StreamEcho",
		Streaming: true,
		Handler: func(ctx *service.Context, _ message.Part, _ []message.Part) (message.Part, []message.Part, error) {
			if _, err := stream.HandleEchoStreamingRequest(ctx.InputStream, ctx.OutputStream).Get(); err != nil {
				return nil, nil, err
			}
			return nil, nil, nil
		},
	})
	return svc
}

// TestServerStreamsAttachmentsThroughStreamingMethod drives a Streaming
// method end to end through connHandler: a request with no attachments,
// followed by stream payload envelopes delivered exactly as they'd arrive
// over a live bus connection, must come back out as echoed stream payload
// envelopes followed by a clean response.
func TestServerStreamsAttachmentsThroughStreamingMethod(t *testing.T) {
	srv := New(nil, nil)
	srv.RegisterService(newStreamingEchoService(), corerpc.NilRealmID)

	b := newFakeBus()
	ln := newFakeListener(b)
	go srv.Start(ln)
	time.Sleep(10 * time.Millisecond)
	require.NotNil(t, b.handler)

	reqID := uuid.New()
	req, err := message.BuildRequest(&message.RequestHeader{RequestID: reqID, Service: "streamecho", Method: "StreamEcho"}, nil, nil)
	require.NoError(t, err)
	b.handler.HandleMessage(req)

	chunk, err := message.BuildStreamPayload(&message.StreamPayloadHeader{RequestID: reqID, Direction: 0, Sequence: 0}, []message.Part{message.Part("chunk-one")})
	require.NoError(t, err)
	b.handler.HandleMessage(chunk)

	fin, err := message.BuildStreamPayload(&message.StreamPayloadHeader{RequestID: reqID, Direction: 0, Sequence: 1, Fin: true}, nil)
	require.NoError(t, err)
	b.handler.HandleMessage(fin)

	var sawEchoedChunk, sawResponse bool
	for !sawResponse {
		sent := <-b.sent
		kind, err := message.GetMessageKind(sent)
		require.NoError(t, err)
		switch kind {
		case message.KindStreamPayload:
			ph, err := message.ParseStreamPayloadHeader(sent)
			require.NoError(t, err)
			require.Equal(t, int8(1), ph.Direction)
			if len(sent.Parts) > 1 {
				require.Equal(t, message.Part("chunk-one"), sent.Parts[1])
				sawEchoedChunk = true
			}
			if ph.Fin {
				// Acknowledge reading everything, as a live client's feedback
				// pump would, so the server's out.Close can complete.
				fb, err := message.BuildStreamFeedback(&message.StreamFeedbackHeader{RequestID: reqID, Direction: 1, ReadPosition: int64(len("chunk-one"))})
				require.NoError(t, err)
				b.handler.HandleMessage(fb)
			}
		case message.KindResponse:
			rh, err := message.ParseResponseHeader(sent)
			require.NoError(t, err)
			require.Nil(t, rh.Error)
			sawResponse = true
		}
	}
	require.True(t, sawEchoedChunk, "expected the streamed chunk to be echoed back")

	require.NoError(t, srv.Stop(true))
}

func TestServerConfigureAppliesLiveToRegisteredService(t *testing.T) {
	srv := New(nil, nil)
	svc := newEchoService()
	srv.RegisterService(svc, corerpc.NilRealmID)

	small := 1
	srv.Configure("echo", map[string]MethodConfigOverrides{
		"Echo": {MaxQueueSize: &small},
	})

	ok := svc.Reconfigure("Echo", func(d service.Descriptor) service.Descriptor {
		require.Equal(t, 1, d.MaxQueueSize)
		return d
	})
	require.True(t, ok)
}
