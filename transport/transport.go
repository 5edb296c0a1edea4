// Package transport implements the concrete RFC 3261 §18 listeners
// (UDP, TCP, TLS, WS — WSS reuses the TLS listener framed with the same
// WS codec) that satisfy ports.Transport, grounded on the teacher's
// per-network transport/connection-pool split (sip/transport_udp.go,
// transport_tcp.go, transport_tls.go, transport_ws.go), narrowed from
// its GetConnection/CreateConnection/Connection trio down to the
// Send/LocalAddr shape ports.Transport actually needs.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nksip-go/core/sip"
)

// listener is the per-network concern a Manager multiplexes over.
type listener interface {
	network() string
	send(ctx context.Context, destination string, data []byte) error
	localAddr() string
	close() error
}

// ParseErrorRecorder is the narrow metrics hook a Manager reports
// unparseable inbound datagrams/streams to. Kept as a tiny local
// interface rather than importing the metrics package directly, so
// transport has no dependency on how (or whether) a program chooses to
// instrument it.
type ParseErrorRecorder interface {
	IncParseError(network string)
}

// Manager implements ports.Transport by dispatching to whichever
// concrete listener owns the named network. It is the generalization of
// the teacher's TransportLayer (sip/transport_layer.go), narrowed since
// this module's transaction/proxy layers never need a Connection handle
// back, only "send this message" and "what's my local address".
type Manager struct {
	handler sip.MessageHandler
	log     *slog.Logger
	parser  *sip.Parser
	metrics ParseErrorRecorder

	mu        sync.RWMutex
	listeners map[string]listener
}

// SetMetrics attaches a ParseErrorRecorder. Safe to call once before any
// listener is added; nil (the default) disables the hook.
func (m *Manager) SetMetrics(rec ParseErrorRecorder) { m.metrics = rec }

// NewManager builds a Manager delivering every parsed inbound message to
// handler. handler is expected to be non-blocking (the registry/CallProc
// layer posts to an actor's inbox rather than processing inline), since
// it runs directly on each listener's read loop.
func NewManager(handler sip.MessageHandler, log *slog.Logger) *Manager {
	if log == nil {
		log = sip.DefaultLogger()
	}
	return &Manager{
		handler:   handler,
		log:       log,
		parser:    sip.NewParser(),
		listeners: make(map[string]listener),
	}
}

func (m *Manager) add(l listener) {
	m.mu.Lock()
	m.listeners[l.network()] = l
	m.mu.Unlock()
}

// Send implements ports.Transport.
func (m *Manager) Send(ctx context.Context, network, destination string, msg sip.Message) error {
	m.mu.RLock()
	l, ok := m.listeners[network]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: no listener for network %q", network)
	}
	var buf bytes.Buffer
	msg.StringWrite(&buf)
	return l.send(ctx, destination, buf.Bytes())
}

// LocalAddr implements ports.Transport.
func (m *Manager) LocalAddr(network string) (string, error) {
	m.mu.RLock()
	l, ok := m.listeners[network]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("transport: no listener for network %q", network)
	}
	return l.localAddr(), nil
}

// Close shuts down every listener this Manager owns.
func (m *Manager) Close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var firstErr error
	for _, l := range m.listeners {
		if err := l.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// deliver parses a single complete message, stamps its transport/source,
// and hands it to the Manager's handler — the common tail end of every
// listener's read loop (mirroring parseAndHandle/parseStream in each of
// the teacher's transport_*.go files).
func (m *Manager) deliver(data []byte, src, network string) {
	msg, err := m.parser.ParseSIP(data)
	if err != nil {
		m.log.Warn("failed to parse inbound message", "network", network, "src", src, "err", err)
		if m.metrics != nil {
			m.metrics.IncParseError(network)
		}
		return
	}
	msg.SetTransport(network)
	msg.SetSource(src)
	m.handler(msg)
}

// deliverStream feeds data into a connection-scoped stream parser,
// delivering every complete message it yields — the TCP/WS read-loop
// tail, which unlike UDP's deliver must tolerate a message arriving
// split across multiple reads.
func (m *Manager) deliverStream(par *sip.ParserStream, data []byte, src, network string) {
	err := par.ParseSIPStream(data, func(msg sip.Message) {
		msg.SetTransport(network)
		msg.SetSource(src)
		m.handler(msg)
	})
	if err != nil && err != sip.ErrParseSipPartial {
		m.log.Warn("failed to parse inbound stream data", "network", network, "src", src, "err", err)
		if m.metrics != nil {
			m.metrics.IncParseError(network)
		}
	}
}

// isKeepAlive reports whether data is the RFC 5626 §3.5.1 double-CRLF
// (or single-CRLF) ping/pong, which every listener must swallow instead
// of handing to the parser.
func isKeepAlive(data []byte) bool {
	return len(data) <= 4 && len(bytes.Trim(data, "\r\n")) == 0
}
