package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/nksip-go/core/sip"
)

// udpListener is a single shared net.PacketConn serving the UDP network,
// grounded on the teacher's TransportUDP/UDPConnection (transport_udp.go)
// but collapsed from its refcounted per-peer Connection pool down to one
// connection: UDP has no per-peer handshake to amortize, so there is
// nothing a pool buys here that writing straight to the shared socket
// doesn't already give for free.
type udpListener struct {
	conn *net.UDPConn
	mgr  *Manager
}

// ListenUDP opens a UDP socket on addr and registers it with m, spawning
// the read loop that feeds every datagram back through m.deliver.
func ListenUDP(m *Manager, addr string) (*udpListener, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve udp addr %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp %q: %w", addr, err)
	}
	l := &udpListener{conn: conn, mgr: m}
	m.add(l)
	go l.readLoop()
	return l, nil
}

func (l *udpListener) network() string { return sip.TransportUDP }

func (l *udpListener) localAddr() string { return l.conn.LocalAddr().String() }

func (l *udpListener) send(_ context.Context, destination string, data []byte) error {
	raddr, err := net.ResolveUDPAddr("udp", destination)
	if err != nil {
		return fmt.Errorf("transport: resolve udp destination %q: %w", destination, err)
	}
	if len(data) > udpMTUWarnSize {
		l.mgr.log.Warn("outbound UDP datagram exceeds typical MTU", "size", len(data), "destination", destination)
	}
	_, err = l.conn.WriteToUDP(data, raddr)
	return err
}

func (l *udpListener) close() error { return l.conn.Close() }

// udpMTUWarnSize mirrors the teacher's WriteMsg MTU check (transport_udp.go):
// it's a diagnostic threshold, not an enforced limit — RFC 3261 §18.1.1
// only requires switching to a congestion-controlled transport above this
// size, which is the sender's decision to make, not this listener's.
const udpMTUWarnSize = 1300

func (l *udpListener) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, raddr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if isClosedErr(err) {
				return
			}
			l.mgr.log.Warn("udp read error", "err", err)
			continue
		}
		if n == 0 || isKeepAlive(buf[:n]) {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		l.mgr.deliver(data, raddr.String(), sip.TransportUDP)
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
