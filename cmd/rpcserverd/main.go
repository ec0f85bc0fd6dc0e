// Command rpcserverd is a small harness binary (SPEC_FULL.md §13): it wires
// a server.Server, a handful of demo services, and a TCP bus listener, so
// the engine has something to run a client call against. It is
// deliberately small; it is not a product surface.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dzen-platform/corerpc"
	"github.com/dzen-platform/corerpc/bus/tcp"
	"github.com/dzen-platform/corerpc/keeper"
	"github.com/dzen-platform/corerpc/message"
	"github.com/dzen-platform/corerpc/server"
	"github.com/dzen-platform/corerpc/service"
	"github.com/dzen-platform/corerpc/stream"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func main() {
	flag.String("listen", ":9090", "address to accept connections on")
	flag.String("advertise", "", "address advertised by the Discover method (defaults to --listen)")
	flag.String("log-level", "info", "logrus level")
	flag.Parse()

	v := viper.New()
	v.SetEnvPrefix("RPCSERVERD")
	v.AutomaticEnv()
	_ = v.BindPFlags(flag.CommandLine)

	log := logrus.StandardLogger()
	if lvl, err := logrus.ParseLevel(v.GetString("log-level")); err == nil {
		log.SetLevel(lvl)
	}

	advertise := v.GetString("advertise")
	if advertise == "" {
		advertise = v.GetString("listen")
	}

	srv := server.New([]string{advertise}, log)
	realm := corerpc.NilRealmID
	srv.RegisterService(newEchoService(log), realm)
	srv.RegisterService(newCounterService(log), realm)
	srv.RegisterService(newStreamingEchoService(log), realm)

	ln, err := tcp.Listen(v.GetString("listen"))
	if err != nil {
		log.WithError(err).Fatal("rpcserverd: listen")
	}
	log.WithField("addr", ln.Addr()).Info("rpcserverd: listening")

	go func() {
		if err := srv.Start(ln); err != nil {
			log.WithError(err).Error("rpcserverd: serve")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("rpcserverd: shutting down")
	if err := srv.Stop(true); err != nil {
		log.WithError(err).Error("rpcserverd: graceful stop")
	}
}

// newEchoService backs S1 (spec §8): a single Echo method that returns its
// request body and attachments unchanged.
func newEchoService(log logrus.FieldLogger) *service.Service {
	svc := service.New("echo", nil, log)
	svc.RegisterMethod(&service.Descriptor{
		Name: "Echo",
		Handler: func(ctx *service.Context, body message.Part, attachments []message.Part) (message.Part, []message.Part, error) {
			return body, attachments, nil
		},
	})
	return svc
}

// newCounterService backs S2 (spec §8): an Increment method whose mutation
// id is deduplicated through a response keeper, so a retried request
// observes the handler run exactly once.
func newCounterService(log logrus.FieldLogger) *service.Service {
	k := keeper.New(keeper.Config{})
	k.Start()

	var mu sync.Mutex
	count := 0
	increment := func() message.Part {
		mu.Lock()
		defer mu.Unlock()
		count++
		return encodeCount(count)
	}

	svc := service.New("counter", nil, log)
	svc.RegisterMethod(&service.Descriptor{
		Name: "Increment",
		Handler: func(ctx *service.Context, body message.Part, attachments []message.Part) (message.Part, []message.Part, error) {
			if ctx.MutationID == nil {
				return increment(), nil, nil
			}

			f, err := k.TryBeginRequest(*ctx.MutationID, ctx.Retry)
			if err != nil {
				return nil, nil, err
			}
			if f != nil {
				resp, err := f.Get()
				if err != nil {
					return nil, nil, err
				}
				return resp.Body, resp.Attachments, nil
			}

			result := increment()
			k.EndRequest(*ctx.MutationID, &keeper.Response{Body: result})
			return result, nil, nil
		},
	})
	return svc
}

// newStreamingEchoService backs a StreamEcho method exercising spec §4.7's
// live attachment streaming end to end: it reads every attachment the
// caller streams in, writes each back out unchanged, and closes the output
// stream once the input stream ends.
func newStreamingEchoService(log logrus.FieldLogger) *service.Service {
	svc := service.New("streamecho", nil, log)
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

func encodeCount(n int) message.Part {
	return message.Part(fmt.Sprintf("%d", n))
}
