package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/nksip-go/core/sip"
)

// tcpListener accepts inbound TCP connections and dials outbound ones on
// demand, keeping them in a plain mutex-guarded map keyed by peer address
// for reuse. This is the narrowed replacement for the teacher's TCPConnection
// pool (transport_tcp.go), which refcounts each Connection across every
// transaction holding it open; nothing downstream of ports.Transport here
// ever asks for a Connection handle back, so a transaction's interest in a
// connection staying open is expressed simply by that connection still
// being in the map, not by a reference count.
type tcpListener struct {
	mgr *Manager
	ln  net.Listener

	mu    sync.Mutex
	conns map[string]net.Conn
}

// ListenTCP opens a TCP listener on addr and registers it with m.
func ListenTCP(m *Manager, addr string) (*tcpListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen tcp %q: %w", addr, err)
	}
	l := &tcpListener{mgr: m, ln: ln, conns: make(map[string]net.Conn)}
	m.add(l)
	go l.acceptLoop()
	return l, nil
}

func (l *tcpListener) network() string { return sip.TransportTCP }

func (l *tcpListener) localAddr() string { return l.ln.Addr().String() }

func (l *tcpListener) close() error {
	l.mu.Lock()
	for addr, c := range l.conns {
		c.Close()
		delete(l.conns, addr)
	}
	l.mu.Unlock()
	return l.ln.Close()
}

func (l *tcpListener) send(ctx context.Context, destination string, data []byte) error {
	conn, err := l.connFor(ctx, destination)
	if err != nil {
		return err
	}
	_, err = conn.Write(data)
	if err != nil {
		l.drop(destination)
	}
	return err
}

func (l *tcpListener) connFor(ctx context.Context, destination string) (net.Conn, error) {
	l.mu.Lock()
	if c, ok := l.conns[destination]; ok {
		l.mu.Unlock()
		return c, nil
	}
	l.mu.Unlock()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", destination)
	if err != nil {
		return nil, fmt.Errorf("transport: dial tcp %q: %w", destination, err)
	}
	l.adopt(conn, destination)
	return conn, nil
}

// adopt registers conn under peer and starts reading from it, used both
// for outbound connections dialed by connFor and inbound ones handed to
// us by acceptLoop.
func (l *tcpListener) adopt(conn net.Conn, peer string) {
	l.mu.Lock()
	l.conns[peer] = conn
	l.mu.Unlock()
	go l.readLoop(conn, peer)
}

func (l *tcpListener) drop(peer string) {
	l.mu.Lock()
	if c, ok := l.conns[peer]; ok {
		c.Close()
		delete(l.conns, peer)
	}
	l.mu.Unlock()
}

func (l *tcpListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.mgr.log.Warn("tcp accept error", "err", err)
			continue
		}
		l.adopt(conn, conn.RemoteAddr().String())
	}
}

// readLoop streams bytes off conn into a connection-scoped parser —
// unlike UDP's one-datagram-one-message framing, a SIP message on a TCP
// stream can arrive split across reads or several-to-a-read, which is
// exactly what the teacher's parser.NewSIPStream/ParseSIPStream pair
// exists to reassemble.
func (l *tcpListener) readLoop(conn net.Conn, peer string) {
	defer l.drop(peer)
	par := l.mgr.parser.NewSIPStream()
	buf := make([]byte, 65535)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := buf[:n]
			if !isKeepAlive(data) {
				l.mgr.deliverStream(par, data, peer, sip.TransportTCP)
			} else {
				conn.Write(data)
			}
		}
		if err != nil {
			return
		}
	}
}
