package service

import (
	"testing"
	"time"

	corerpc "github.com/dzen-platform/corerpc"
	"github.com/dzen-platform/corerpc/message"
	"github.com/dzen-platform/corerpc/rpcerror"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeBus struct {
	got chan message.Message
}

func newFakeBus() *fakeBus { return &fakeBus{got: make(chan message.Message, 8)} }

func (b *fakeBus) SendResponse(m message.Message) error {
	b.got <- m
	return nil
}

func echoRequest(method string) *message.RequestHeader {
	return &message.RequestHeader{RequestID: uuid.New(), Service: "echo", Method: method}
}

func TestServiceEchoRoundTrip(t *testing.T) {
	svc := New("echo", nil, nil)
	svc.RegisterMethod(&Descriptor{
		Name: "Echo",
		Handler: func(ctx *Context, body message.Part, attachments []message.Part) (message.Part, []message.Part, error) {
			return body, attachments, nil
		},
	})

	bus := newFakeBus()
	hdr := echoRequest("Echo")
	svc.HandleRequest(hdr, message.Part("hello"), nil, bus)

	select {
	case resp := <-bus.got:
		rh, err := message.ParseResponseHeader(resp)
		require.NoError(t, err)
		require.Nil(t, rh.Error)
		require.Equal(t, message.Part("hello"), resp.Body())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestServiceNoSuchMethod(t *testing.T) {
	svc := New("echo", nil, nil)
	bus := newFakeBus()
	hdr := echoRequest("Missing")
	svc.HandleRequest(hdr, nil, nil, bus)

	resp := <-bus.got
	rh, err := message.ParseResponseHeader(resp)
	require.NoError(t, err)
	require.NotNil(t, rh.Error)
	require.Equal(t, int32(rpcerror.NoSuchMethod), rh.Error.Code)
}

func TestServiceQueueFull(t *testing.T) {
	release := make(chan struct{})
	svc := New("echo", nil, nil)
	svc.RegisterMethod(&Descriptor{
		Name:           "Block",
		MaxQueueSize:   1,
		MaxConcurrency: 1,
		HeavyHandler: func(ctx *Context, body message.Part, attachments []message.Part) (message.Part, []message.Part, error) {
			<-release
			return nil, nil, nil
		},
	})

	bus := newFakeBus()
	// First request occupies the single concurrency slot.
	svc.HandleRequest(echoRequest("Block"), nil, nil, bus)
	// Second fills the one-deep queue.
	svc.HandleRequest(echoRequest("Block"), nil, nil, bus)
	// Third should be rejected as queue-full.
	svc.HandleRequest(echoRequest("Block"), nil, nil, bus)

	resp := <-bus.got
	rh, err := message.ParseResponseHeader(resp)
	require.NoError(t, err)
	require.NotNil(t, rh.Error)
	require.Equal(t, int32(rpcerror.RequestQueueSizeLimitExceeded), rh.Error.Code)

	close(release)
}

func TestServiceHandlerError(t *testing.T) {
	svc := New("echo", nil, nil)
	svc.RegisterMethod(&Descriptor{
		Name: "Fail",
		Handler: func(ctx *Context, body message.Part, attachments []message.Part) (message.Part, []message.Part, error) {
			return nil, nil, rpcerror.New(rpcerror.Transport, "boom")
		},
	})

	bus := newFakeBus()
	svc.HandleRequest(echoRequest("Fail"), nil, nil, bus)

	resp := <-bus.got
	rh, err := message.ParseResponseHeader(resp)
	require.NoError(t, err)
	require.NotNil(t, rh.Error)
	require.Equal(t, int32(rpcerror.Transport), rh.Error.Code)
}

func TestServiceCancelation(t *testing.T) {
	started := make(chan struct{})
	svc := New("echo", nil, nil)
	svc.RegisterMethod(&Descriptor{
		Name:       "Cancelable",
		Cancelable: true,
		Handler: func(ctx *Context, body message.Part, attachments []message.Part) (message.Part, []message.Part, error) {
			done := make(chan struct{})
			ctx.SetCancelFunc(func() { close(done) })
			close(started)
			<-done
			return nil, nil, nil
		},
	})

	bus := newFakeBus()
	hdr := echoRequest("Cancelable")
	id := corerpc.RequestIDFromUUID(hdr.RequestID)
	go svc.HandleRequest(hdr, nil, nil, bus)

	<-started
	svc.HandleRequestCancelation(id)

	resp := <-bus.got
	rh, err := message.ParseResponseHeader(resp)
	require.NoError(t, err)
	require.NotNil(t, rh.Error)
	require.Equal(t, int32(rpcerror.Canceled), rh.Error.Code)
}
