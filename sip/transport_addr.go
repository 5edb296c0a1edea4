package sip

import (
	"net"
	"strconv"
)

// Transport name constants. GO code conventionally uses lowercase, but for
// message parsing/serialization we use these for setting a message's
// Transport field, matching the values that appear on the wire in a Via
// header's sent-protocol.
const (
	TransportUDP  = "UDP"
	TransportTCP  = "TCP"
	TransportTLS  = "TLS"
	TransportSCTP = "SCTP"
	TransportWS   = "WS"
	TransportWSS  = "WSS"
)

// IsReliable reports whether a transport guarantees in-order delivery,
// the RFC 3261 §17.1.1.1 condition under which Timer A (INVITE client
// retransmission) is not armed.
func IsReliable(transport string) bool {
	switch ASCIIToUpper(transport) {
	case TransportTCP, TransportTLS, TransportSCTP, TransportWS, TransportWSS:
		return true
	default:
		return false
	}
}

// DefaultProtocol is assumed when a message carries no Via header and no
// transport was set explicitly.
const DefaultProtocol = TransportUDP

// DefaultPort returns the well-known port for a SIP transport.
// RFC 3261 - 19.1.2, RFC 5389 rules for WS/WSS ports.
func DefaultPort(transport string) uint16 {
	switch ASCIIToUpper(transport) {
	case TransportTLS, TransportWSS:
		return 5061
	case TransportWS:
		return 80
	default:
		return 5060
	}
}

// Addr is a resolved transport-level address. Hostname preserves the
// original string an address was resolved from, for logging, even once IP
// holds the resolved value.
type Addr struct {
	IP       net.IP
	Port     int
	Hostname string
}

func (a *Addr) String() string {
	if a.IP == nil {
		return net.JoinHostPort(a.Hostname, strconv.Itoa(a.Port))
	}
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
}

// ParseAddr splits a "host:port" string.
func ParseAddr(addr string) (host string, port int, err error) {
	host, pstr, err := net.SplitHostPort(addr)
	if err != nil {
		return host, port, err
	}
	port, err = strconv.Atoi(pstr)
	return host, port, err
}

// uriNetIP brackets an IPv6 literal for use in a host:port pair, leaving
// hostnames and IPv4 literals untouched.
func uriNetIP(host string) string {
	ip := net.ParseIP(host)
	if ip != nil && ip.To4() == nil {
		return "[" + host + "]"
	}
	return host
}

// NewHeader builds an opaque header for names the package has no typed
// representation for.
func NewHeader(name, value string) Header {
	return &GenericHeader{HeaderName: name, Contents: value}
}

// TxSeperator joins the Call-ID/tag components of a transaction or dialog
// key.
const TxSeperator = "__"
