// Command rpcctl is a thin CLI client exercising Channel.Send against
// rpcserverd (SPEC_FULL.md §13). It is a harness for the tests, not a
// product surface.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dzen-platform/corerpc"
	"github.com/dzen-platform/corerpc/bus/tcp"
	"github.com/dzen-platform/corerpc/keepalive"
	"github.com/dzen-platform/corerpc/message"
	"github.com/dzen-platform/corerpc/rpcerror"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9090", "server address")
	service := flag.String("service", "echo", "service name")
	method := flag.String("method", "Echo", "method name")
	body := flag.String("body", "hi", "request body")
	timeout := flag.Duration("timeout", time.Second, "call timeout")
	flag.Parse()

	log := logrus.StandardLogger()
	dialer := tcp.Dialer{Keepalive: keepalive.ClientParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}, Log: log}
	ch := corerpc.NewChannel(dialer, *addr, log)
	defer ch.Terminate(rpcerror.NewUnavailable("rpcctl: exiting"))

	done := make(chan struct{})
	h := &printingHandler{done: done}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	_, err := ch.Send(ctx, &corerpc.Request{
		Service: *service,
		Method:  *method,
		Body:    message.Part(*body),
	}, h, corerpc.WithTimeout(*timeout))
	if err != nil {
		fmt.Fprintln(os.Stderr, "rpcctl: send:", err)
		os.Exit(1)
	}

	select {
	case <-done:
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "rpcctl: timed out waiting for a response")
		os.Exit(1)
	}
	if h.err != nil {
		fmt.Fprintln(os.Stderr, "rpcctl: error:", h.err)
		os.Exit(1)
	}
}

type printingHandler struct {
	done chan struct{}
	err  *rpcerror.Error
}

func (h *printingHandler) OnResponse(body message.Part, attachments []message.Part) {
	fmt.Println(string(body))
	close(h.done)
}

func (h *printingHandler) OnError(err *rpcerror.Error) {
	h.err = err
	close(h.done)
}

func (h *printingHandler) OnAcknowledgement() {}
