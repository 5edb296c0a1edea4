// Package router decides what happens to a request that arrived at a
// CallProc with no matching transaction: consume it locally, proxy it
// (by URI list or by its own Request-URI), or reply directly. The
// decision is never made here — it is delegated to the embedding
// program's Application port — but Router owns extracting the routing
// identity from the wire request and validating the verdict that comes
// back, since a malformed verdict would otherwise reach ProxyEngine or
// the transport layer as malformed state instead of a clear rejection.
package router

import (
	"context"
	"fmt"

	"github.com/nksip-go/core/ports"
	"github.com/nksip-go/core/sip"
)

// Router is the generalization of the teacher's per-method
// RequestHandler table into a single Application-driven decision.
type Router struct {
	App ports.Application
}

// New builds a Router over app.
func New(app ports.Application) *Router {
	return &Router{App: app}
}

// Route extracts (scheme, user, domain) from req's Request-URI, invokes
// the Application's sip_route callback, and validates the verdict's
// required fields for its kind. An invalid verdict is reported as an
// error rather than passed on, so callers don't have to re-validate
// what should already be a closed contract.
func (rt *Router) Route(ctx context.Context, req *sip.Request, call *ports.Call) (ports.RouteVerdict, error) {
	_ = ctx
	ruri := req.Recipient
	verdict := rt.App.SipRoute(ruri.Scheme, ruri.User, ruri.Host, req, call)

	switch verdict.Kind {
	case ports.VerdictProcess:
		// No required fields.
	case ports.VerdictProxyTo:
		if len(verdict.Targets) == 0 {
			return verdict, fmt.Errorf("router: proxy_to verdict has no targets")
		}
	case ports.VerdictProxyRURI:
		// Uses req's own Request-URI; no required fields.
	case ports.VerdictReply, ports.VerdictReplyStateless:
		if verdict.Response == nil {
			return verdict, fmt.Errorf("router: reply verdict has no response")
		}
	default:
		return verdict, fmt.Errorf("router: unrecognized verdict kind %d", verdict.Kind)
	}
	return verdict, nil
}
