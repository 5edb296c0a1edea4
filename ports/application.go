package ports

import "github.com/nksip-go/core/sip"

// HeaderKV is an insert_header option value (§4.6's opts.insert_header).
type HeaderKV struct {
	Name  string
	Value string
}

// ProxyOpts is the closed option set a route verdict may carry (§4.6),
// encoded as a struct instead of the source's ad-hoc key/value list per
// the REDESIGN FLAGS note: unknown options are a startup-time compile
// error here, not a runtime key lookup.
type ProxyOpts struct {
	InsertHeaders       []HeaderKV
	RecordRoute         bool
	FollowRedirects     bool
	Outbound            bool
	Path                []sip.Uri
	RemoveRoutes        bool
	AddContact          bool
	MaxForwardsOverride int // 0 means "use request's own Max-Forwards"
}

// RouteVerdictKind is the closed set of outcomes sip_route may return.
type RouteVerdictKind int

const (
	VerdictProcess RouteVerdictKind = iota
	VerdictProxyTo
	VerdictProxyRURI
	VerdictReply
	VerdictReplyStateless
)

// RouteVerdict is the Router/Application contract result (§4.6).
type RouteVerdict struct {
	Kind     RouteVerdictKind
	Targets  []sip.Uri    // ProxyTo
	Opts     ProxyOpts    // ProxyTo / ProxyRURI
	Response *sip.Response // Reply / ReplyStateless
}

// Call is the per-Call-ID context handed to Application callbacks, the
// generalization of the teacher's per-request handler closures into
// something that can see CallProc-scoped identity without exposing the
// CallProc's internals.
type Call struct {
	CallID string
}

// Application is the embedding program's decision surface (§6/§9): the
// core asks it what to do and never assumes a default.
type Application interface {
	// SipRoute decides the fate of a request with no matching transaction.
	SipRoute(scheme, user, domain string, req *sip.Request, call *Call) RouteVerdict

	// SipPublish handles a PUBLISH request's event-state body (RFC 3903);
	// returns the status code to reply with.
	SipPublish(req *sip.Request, call *Call) int

	// SipEventCompositorStore persists composed event state for a
	// subscription (RFC 3265 event package), keyed by the SUBSCRIBE's
	// Event header and the resource it names.
	SipEventCompositorStore(event, resource string, body []byte) error
}
