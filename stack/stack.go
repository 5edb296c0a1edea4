// Package stack wires the core's pieces — transport, registrar, the
// per-Call-ID CallProc registry and an embedding program's Application —
// into one runnable unit, generalizing the teacher's UserAgent+Server+
// Client trio (ua.go, server.go, client.go) into a single construction
// entry point for a standalone SIP element rather than a library a host
// program assembles a UA or proxy out of piece by piece.
package stack

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nksip-go/core/callproc"
	"github.com/nksip-go/core/metrics"
	"github.com/nksip-go/core/ports"
	"github.com/nksip-go/core/registrar"
	"github.com/nksip-go/core/sip"
	"github.com/nksip-go/core/transaction"
	"github.com/nksip-go/core/transport"
)

// Stack owns every shared collaborator a running SIP element needs:
// listeners, the Call-ID-keyed actor registry and the registrar.
type Stack struct {
	transport *transport.Manager
	registry  *callproc.Registry
	registrar *registrar.Registrar
	metrics   *metrics.Collector
	log       *slog.Logger
}

// Option configures a Stack at construction time, following the
// teacher's functional-option pattern (UserAgentOption/ServerOption in
// ua.go/server.go).
type Option func(*options) error

type options struct {
	self          sip.Uri
	transportName string
	linger        time.Duration
	sweepInterval time.Duration
	timers        transaction.Timers
	clock         ports.Clock
	logger        *slog.Logger
	authenticator ports.Authenticator
	backend       registrar.Backend
	registerer    prometheus.Registerer

	listeners []func(*transport.Manager) error
}

// WithSelf sets the URI this stack identifies itself by in Via and
// Record-Route headers it inserts while proxying.
func WithSelf(self sip.Uri, transportName string) Option {
	return func(o *options) error {
		o.self = self
		o.transportName = transportName
		return nil
	}
}

// WithLinger overrides callproc.DefaultLinger.
func WithLinger(d time.Duration) Option {
	return func(o *options) error { o.linger = d; return nil }
}

// WithTimers overrides transaction.DefaultTimers.
func WithTimers(t transaction.Timers) Option {
	return func(o *options) error { o.timers = t; return nil }
}

// WithClock overrides the default ports.RealClock, for tests driving the
// whole stack off a ports.FakeClock.
func WithClock(c ports.Clock) Option {
	return func(o *options) error { o.clock = c; return nil }
}

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) error { o.logger = l; return nil }
}

// WithAuthenticator challenges every REGISTER through a Check call before
// it reaches the registrar.
func WithAuthenticator(a ports.Authenticator) Option {
	return func(o *options) error { o.authenticator = a; return nil }
}

// WithRegistrarBackend overrides the default sharded in-memory Backend.
func WithRegistrarBackend(b registrar.Backend) Option {
	return func(o *options) error { o.backend = b; return nil }
}

// WithRegistrarSweep overrides the registrar's expired-binding sweep
// interval.
func WithRegistrarSweep(d time.Duration) Option {
	return func(o *options) error { o.sweepInterval = d; return nil }
}

// WithMetrics registers a Prometheus Collector with reg and wires it into
// every component that reports to one (CallProc lifecycle, proxy forks,
// transport parse errors, live-call/registration gauges). Pass
// prometheus.DefaultRegisterer for the common case.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) error { o.registerer = reg; return nil }
}

// WithUDP adds a UDP listener on addr.
func WithUDP(addr string) Option {
	return func(o *options) error {
		o.listeners = append(o.listeners, func(m *transport.Manager) error {
			_, err := transport.ListenUDP(m, addr)
			return err
		})
		return nil
	}
}

// WithTCP adds a TCP listener on addr.
func WithTCP(addr string) Option {
	return func(o *options) error {
		o.listeners = append(o.listeners, func(m *transport.Manager) error {
			_, err := transport.ListenTCP(m, addr)
			return err
		})
		return nil
	}
}

// WithTLS adds a TLS listener on addr.
func WithTLS(addr string, cfg *tls.Config) Option {
	return func(o *options) error {
		o.listeners = append(o.listeners, func(m *transport.Manager) error {
			_, err := transport.ListenTLS(m, addr, cfg)
			return err
		})
		return nil
	}
}

// WithWS adds a plaintext SIP-over-WebSocket listener on addr.
func WithWS(addr string) Option {
	return func(o *options) error {
		o.listeners = append(o.listeners, func(m *transport.Manager) error {
			_, err := transport.ListenWS(m, addr)
			return err
		})
		return nil
	}
}

// WithWSS adds a TLS-wrapped SIP-over-WebSocket listener on addr.
func WithWSS(addr string, cfg *tls.Config) Option {
	return func(o *options) error {
		o.listeners = append(o.listeners, func(m *transport.Manager) error {
			_, err := transport.ListenWSS(m, addr, cfg)
			return err
		})
		return nil
	}
}

// registryCounter adapts a *callproc.Registry, not yet constructed at the
// point a metrics.Collector needs a LiveCallProvider, into one: r is
// filled in once the registry exists, a few lines after the Collector
// itself is built.
type registryCounter struct {
	r *callproc.Registry
}

func (c *registryCounter) Len() int {
	if c.r == nil {
		return 0
	}
	return c.r.Len()
}

// New builds and starts a Stack: every listener configured by a With*
// option is already bound and reading by the time New returns.
func New(app ports.Application, opts ...Option) (*Stack, error) {
	o := &options{
		transportName: sip.TransportUDP,
		timers:        transaction.DefaultTimers(),
		clock:         ports.RealClock{},
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	if len(o.listeners) == 0 {
		return nil, fmt.Errorf("stack: no transport listener configured (use WithUDP/WithTCP/...)")
	}

	backend := o.backend
	if backend == nil {
		backend = registrar.NewMemoryBackend()
	}
	reg := registrar.New(backend, o.clock)
	reg.Start(o.sweepInterval)

	s := &Stack{
		registrar: reg,
		log:       o.logger,
	}

	mgr := transport.NewManager(s.dispatch, o.logger)

	rc := &registryCounter{}
	var collector *metrics.Collector
	if o.registerer != nil {
		collector = metrics.NewCollector(rc, reg, o.clock.Now())
		if err := o.registerer.Register(collector); err != nil {
			return nil, fmt.Errorf("stack: registering metrics collector: %w", err)
		}
		mgr.SetMetrics(collector)
	}

	cfg := callproc.Config{
		Transport:     mgr,
		Clock:         o.clock,
		Timers:        o.timers,
		App:           app,
		Registrar:     reg,
		Authenticator: o.authenticator,
		Self:          o.self,
		TransportName: o.transportName,
		Linger:        o.linger,
		Logger:        o.logger,
	}
	if collector != nil {
		cfg.Metrics = collector
	}
	s.registry = callproc.NewRegistry(cfg)
	rc.r = s.registry

	for _, bind := range o.listeners {
		if err := bind(mgr); err != nil {
			return nil, err
		}
	}
	s.transport = mgr
	s.metrics = collector

	return s, nil
}

// dispatch is the transport.Manager's sip.MessageHandler, routing each
// inbound message to the Call-ID-keyed actor that owns it. It is safe to
// call before New returns s.registry: no listener is bound, and so
// nothing can call it, until after s.registry is assigned.
func (s *Stack) dispatch(msg sip.Message) {
	switch m := msg.(type) {
	case *sip.Request:
		if err := s.registry.HandleRequest(m); err != nil {
			s.log.Warn("dropping inbound request", "err", err)
		}
	case *sip.Response:
		s.registry.HandleResponse(m)
	default:
		s.log.Warn("dropping message of unknown kind")
	}
}

// Close stops the registrar's sweep loop, shuts down every live CallProc
// and closes every transport listener.
func (s *Stack) Close() error {
	s.registrar.Stop()
	s.registry.Shutdown()
	return s.transport.Close()
}

// Registrar exposes the shared binding store, e.g. for an embedding
// program's admin endpoints.
func (s *Stack) Registrar() *registrar.Registrar { return s.registrar }

// Transport exposes the ports.Transport this Stack built, in case an
// embedding program's Application needs LocalAddr for building Contact
// headers.
func (s *Stack) Transport() ports.Transport { return s.transport }
