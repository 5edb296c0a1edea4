// Command sipstackd runs a standalone registrar/proxy element over the
// core, the generalized counterpart to the teacher's example/proxysip
// demo: the same flag surface, logging bridge and observability
// endpoints, now fronting a Registry of per-Call-ID actors rather than
// one sipgo.Server callback.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"time"

	"github.com/arl/statsviz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	slogzerolog "github.com/samber/slog-zerolog/v2"

	_ "net/http/pprof"

	"github.com/nksip-go/core/auth"
	"github.com/nksip-go/core/ports"
	"github.com/nksip-go/core/sip"
	"github.com/nksip-go/core/stack"
)

func main() {
	udpAddr := flag.String("udp", "127.0.0.1:5060", "address to listen on for SIP/UDP, empty to disable")
	tcpAddr := flag.String("tcp", "127.0.0.1:5060", "address to listen on for SIP/TCP, empty to disable")
	tlsAddr := flag.String("tls", "", "address to listen on for SIP/TLS, empty to disable")
	wsAddr := flag.String("ws", "127.0.0.1:5062", "address to listen on for SIP-over-WebSocket, empty to disable")
	wssAddr := flag.String("wss", "", "address to listen on for SIP-over-WebSocket-over-TLS, empty to disable")
	httpAddr := flag.String("http", ":8080", "address the metrics/health HTTP server binds")
	realm := flag.String("realm", "", "require digest auth on REGISTER for this realm; empty disables auth")
	authUser := flag.String("auth-user", "", "single demo credential's username, paired with -auth-pass")
	authPass := flag.String("auth-pass", "", "single demo credential's password")
	flag.Parse()

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(os.Getenv("LOG_LEVEL"))); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetLogLoggerLevel(lvl)

	zerologLogger := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger()
	log := slog.New(slogzerolog.Option{Level: lvl, Logger: &zerologLogger}.NewZerologHandler())
	slog.SetDefault(log)

	log.Info("starting", "cpus", runtime.NumCPU())
	go httpServer(*httpAddr)

	self := sip.Uri{Scheme: "sip", Host: hostOf(*udpAddr)}

	listenerOpts := transportOptions(*udpAddr, *tcpAddr, *tlsAddr, *wsAddr, *wssAddr)
	if len(listenerOpts) == 0 {
		log.Error("no transport listener configured; pass at least one of -udp/-tcp/-tls/-ws/-wss")
		os.Exit(1)
	}

	opts := []stack.Option{
		stack.WithSelf(self, sip.TransportUDP),
		stack.WithLogger(log),
		stack.WithMetrics(prometheus.DefaultRegisterer),
	}
	opts = append(opts, listenerOpts...)
	if *realm != "" {
		store := auth.NewStaticStore(*realm, map[string]string{*authUser: *authPass})
		opts = append(opts, stack.WithAuthenticator(&auth.DigestAuthenticator{
			Realm: *realm,
			Store: store,
			Clock: ports.RealClock{},
		}))
	}

	s, err := stack.New(&passthroughApp{log: log}, opts...)
	if err != nil {
		log.Error("failed to build stack", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down")
	if err := s.Close(); err != nil {
		log.Error("error during shutdown", "error", err)
	}
}

// transportOptions builds one stack.Option per non-empty address, each on
// its own address/port: SIP/TCP and SIP-over-WebSocket both speak a
// stream framing over a plain net.Listener, so they can never share one
// bound port the way UDP and TCP can share one port number across two
// independent socket families.
func transportOptions(udpAddr, tcpAddr, tlsAddr, wsAddr, wssAddr string) []stack.Option {
	var opts []stack.Option
	if udpAddr != "" {
		opts = append(opts, stack.WithUDP(udpAddr))
	}
	if tcpAddr != "" {
		opts = append(opts, stack.WithTCP(tcpAddr))
	}
	if tlsAddr != "" {
		opts = append(opts, stack.WithTLS(tlsAddr, &tls.Config{}))
	}
	if wsAddr != "" {
		opts = append(opts, stack.WithWS(wsAddr))
	}
	if wssAddr != "" {
		opts = append(opts, stack.WithWSS(wssAddr, &tls.Config{}))
	}
	return opts
}

func hostOf(addr string) string {
	host, _, ok := strings.Cut(addr, ":")
	if !ok {
		return addr
	}
	return host
}

// passthroughApp is the demo ports.Application: it answers every
// routable request with a 200 OK rather than forwarding anywhere,
// enough to exercise REGISTER/registrar end to end without a real
// back-end to proxy toward.
type passthroughApp struct {
	log *slog.Logger
}

func (a *passthroughApp) SipRoute(scheme, user, domain string, req *sip.Request, call *ports.Call) ports.RouteVerdict {
	a.log.Debug("routing", "method", req.Method, "user", user, "domain", domain, "call_id", call.CallID)
	return ports.RouteVerdict{
		Kind:     ports.VerdictReply,
		Response: sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil),
	}
}

func (a *passthroughApp) SipPublish(req *sip.Request, call *ports.Call) int {
	return sip.StatusOK
}

func (a *passthroughApp) SipEventCompositorStore(event, resource string, body []byte) error {
	a.log.Debug("event state stored", "event", event, "resource", resource, "bytes", len(body))
	return nil
}

func httpServer(address string) {
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Alive"))
	})
	http.HandleFunc("/mem", func(w http.ResponseWriter, r *http.Request) {
		runtime.GC()
		stats := &runtime.MemStats{}
		runtime.ReadMemStats(stats)
		data, _ := json.MarshalIndent(stats, "", "  ")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	})
	statsviz.Register(http.DefaultServeMux)

	slog.Info("http server started", "address", address)
	if err := http.ListenAndServe(address, nil); err != nil {
		slog.Error("http server exited", "error", err)
	}
}
