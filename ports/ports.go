// Package ports declares the external collaborators the core consults
// instead of owning itself: where bytes go on the wire, how time is told,
// how a request gets authenticated, and how the embedding application
// decides what a request means.
package ports

import (
	"context"
	"time"

	"github.com/nksip-go/core/sip"
)

// Transport sends a serialized message to a destination and is handed
// parsed inbound messages by whatever concrete listener implements it.
// The core never dials a socket itself.
type Transport interface {
	// Send writes msg to destination over the named network ("UDP", "TCP",
	// "TLS", "WS", "WSS"). The core supplies an already-built sip.Message;
	// Transport only serializes and writes it.
	Send(ctx context.Context, network, destination string, msg sip.Message) error

	// LocalAddr reports the address this transport would put in a Via/Contact
	// header for the given network, so the core can build outbound headers
	// without knowing socket details.
	LocalAddr(network string) (string, error)
}

// Timer is the handle returned by Clock.AfterFunc.
type Timer interface {
	// Stop cancels the timer. Returns false if it already fired or was stopped.
	Stop() bool
	// Reset reschedules the timer to fire after d, per the same semantics
	// as time.Timer.Reset — callers should Stop and drain before Reset if
	// they need the old firing to be fully suppressed.
	Reset(d time.Duration) bool
}

// Clock abstracts wall-clock time and deferred callbacks so transaction/
// registrar tests can run with a fake clock instead of racing real timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Challenge is the 401/407 the Authenticator wants the core to send back.
type Challenge struct {
	StatusCode int // sip.StatusUnauthorized or sip.StatusProxyAuthRequired
	Params     map[string]string
}

// Authenticator checks inbound requests against credentials outside the
// core's scope (RFC 2617/7616 digest computation lives in package auth).
type Authenticator interface {
	// Check returns (nil, nil) when the request is authenticated, a
	// non-nil Challenge when it should be rejected with 401/407, and an
	// error only for a hard failure of the authenticator itself.
	Check(ctx context.Context, req *sip.Request) (*Challenge, error)
}

// NoAuth accepts every request. Useful for demos and for components
// (like plain registrar lookups in tests) that have no credential store.
type NoAuth struct{}

func (NoAuth) Check(context.Context, *sip.Request) (*Challenge, error) { return nil, nil }
