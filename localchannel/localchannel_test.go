package localchannel

import (
	"context"
	"testing"
	"time"

	"github.com/dzen-platform/corerpc"
	"github.com/dzen-platform/corerpc/message"
	"github.com/dzen-platform/corerpc/rpcerror"
	"github.com/dzen-platform/corerpc/service"
	"github.com/stretchr/testify/require"
)

type registry map[string]*service.Service

func (r registry) Lookup(name string, realm corerpc.RealmID) (*service.Service, bool) {
	svc, ok := r[name]
	return svc, ok
}

type capturingHandler struct {
	body    message.Part
	attach  []message.Part
	err     *rpcerror.Error
	gotResp chan struct{}
}

func newCapturingHandler() *capturingHandler {
	return &capturingHandler{gotResp: make(chan struct{}, 1)}
}

func (h *capturingHandler) OnResponse(body message.Part, attachments []message.Part) {
	h.body, h.attach = body, attachments
	h.gotResp <- struct{}{}
}
func (h *capturingHandler) OnError(err *rpcerror.Error) {
	h.err = err
	h.gotResp <- struct{}{}
}
func (h *capturingHandler) OnAcknowledgement() {}

func TestLocalChannelRoundTrip(t *testing.T) {
	svc := service.New("echo", nil, nil)
	svc.RegisterMethod(&service.Descriptor{
		Name: "Echo",
		Handler: func(ctx *service.Context, body message.Part, attachments []message.Part) (message.Part, []message.Part, error) {
			return body, attachments, nil
		},
	})

	ch := New(registry{"echo": svc})
	h := newCapturingHandler()
	ctrl, err := ch.Send(context.Background(), &corerpc.Request{
		Service: "echo",
		Method:  "Echo",
		Body:    message.Part("hi"),
	}, h)
	require.NoError(t, err)
	require.NotEqual(t, corerpc.NilRequestID, ctrl.RequestID())

	select {
	case <-h.gotResp:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}
	require.Nil(t, h.err)
	require.Equal(t, message.Part("hi"), h.body)
}

func TestLocalChannelNoSuchService(t *testing.T) {
	ch := New(registry{})
	h := newCapturingHandler()
	_, err := ch.Send(context.Background(), &corerpc.Request{Service: "missing", Method: "X"}, h)
	require.Error(t, err)
	rerr, ok := err.(*rpcerror.Error)
	require.True(t, ok)
	require.Equal(t, rpcerror.NoSuchService, rerr.Code)
}

func TestLocalChannelTerminateFailsSubsequentSends(t *testing.T) {
	ch := New(registry{})
	ch.Terminate(rpcerror.NewUnavailable("shutting down"))

	h := newCapturingHandler()
	_, err := ch.Send(context.Background(), &corerpc.Request{Service: "echo", Method: "Echo"}, h)
	require.Error(t, err)
}

func TestLocalChannelCancel(t *testing.T) {
	started := make(chan struct{})
	svc := service.New("echo", nil, nil)
	svc.RegisterMethod(&service.Descriptor{
		Name:       "Cancelable",
		Cancelable: true,
		Handler: func(ctx *service.Context, body message.Part, attachments []message.Part) (message.Part, []message.Part, error) {
			done := make(chan struct{})
			ctx.SetCancelFunc(func() { close(done) })
			close(started)
			<-done
			return nil, nil, nil
		},
	})

	// Send's default (non-heavy, non-invoker) handler path runs inline, so
	// Send itself blocks until the handler returns; cancel it by id from a
	// second goroutine rather than through the RequestControl Send would
	// only return after the handler completes.
	ch := New(registry{"echo": svc})
	h := newCapturingHandler()
	id := corerpc.NewRequestID()
	go func() {
		_, err := ch.Send(context.Background(), &corerpc.Request{Service: "echo", Method: "Cancelable", ID: &id}, h)
		require.NoError(t, err)
	}()

	<-started
	svc.HandleRequestCancelation(service.RequestID(id))

	select {
	case <-h.gotResp:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancellation reply")
	}
	require.NotNil(t, h.err)
	require.Equal(t, rpcerror.Canceled, h.err.Code)
}
