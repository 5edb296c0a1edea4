package ports

import "github.com/nksip-go/core/sip"

// HookOutcome is the tagged result every plugin hook returns: either
// "keep going with these (possibly modified) args" or "stop here and use
// this reply instead" (§9's redesign note — no string-keyed dynamic
// dispatch, handlers are a plain Go slice resolved once at startup).
type HookOutcome[T any] struct {
	ShortCircuited bool
	Reply          *sip.Response
	Args           T
}

func Continue[T any](args T) HookOutcome[T] { return HookOutcome[T]{Args: args} }

func ShortCircuit[T any](reply *sip.Response) HookOutcome[T] {
	return HookOutcome[T]{ShortCircuited: true, Reply: reply}
}

// UACProxyArgs is the mutable state a uac_proxy_opts hook may adjust
// before a proxied request's Via/Route/headers are finalized.
type UACProxyArgs struct {
	Request *sip.Request
	Opts    ProxyOpts
}

// TransportUACArgs lets a transport_uac_headers hook add headers just
// before a UAC request is handed to the Transport.
type TransportUACArgs struct {
	Request *sip.Request
}

// RegistrarRequestArgs is passed through registrar_request_opts /
// registrar_request_reply so a hook can adjust a REGISTER's effective
// options, or rewrite the 200 OK just before it's sent.
type RegistrarRequestArgs struct {
	Request  *sip.Request
	Response *sip.Response // nil for registrar_request_opts, set for registrar_request_reply
}

// RegistrarIndexArgs carries the AOR a registrar_get_index hook may
// remap (e.g. normalizing a vanity alias to a canonical AOR) before the
// registrar looks up its contact table.
type RegistrarIndexArgs struct {
	AOR string
}

// ConnectionArgs is passed to connection_sent / connection_recv hooks,
// the lowest-level observation point before bytes cross the Transport.
type ConnectionArgs struct {
	Network     string
	Destination string
	Raw         []byte
}

// PluginChain is the ordered list of hooks the core folds a request
// through at each of the seven points named in §6. Each slot defaults to
// nil (no hook registered for that point); a nil slot is a no-op continue.
type PluginChain struct {
	UACProxyOpts          []func(UACProxyArgs) HookOutcome[UACProxyArgs]
	TransportUACHeaders   []func(TransportUACArgs) HookOutcome[TransportUACArgs]
	RegistrarRequestOpts  []func(RegistrarRequestArgs) HookOutcome[RegistrarRequestArgs]
	RegistrarRequestReply []func(RegistrarRequestArgs) HookOutcome[RegistrarRequestArgs]
	RegistrarGetIndex     []func(RegistrarIndexArgs) HookOutcome[RegistrarIndexArgs]
	ConnectionSent        []func(ConnectionArgs) HookOutcome[ConnectionArgs]
	ConnectionRecv        []func(ConnectionArgs) HookOutcome[ConnectionArgs]
}

// foldUACProxyOpts runs args through every registered hook until one
// short-circuits or the chain is exhausted.
func foldUACProxyOpts(hooks []func(UACProxyArgs) HookOutcome[UACProxyArgs], args UACProxyArgs) HookOutcome[UACProxyArgs] {
	for _, h := range hooks {
		out := h(args)
		if out.ShortCircuited {
			return out
		}
		args = out.Args
	}
	return Continue(args)
}

// RunUACProxyOpts folds the PluginChain's uac_proxy_opts hooks.
func (pc *PluginChain) RunUACProxyOpts(args UACProxyArgs) HookOutcome[UACProxyArgs] {
	if pc == nil {
		return Continue(args)
	}
	return foldUACProxyOpts(pc.UACProxyOpts, args)
}

// RunTransportUACHeaders folds the PluginChain's transport_uac_headers hooks.
func (pc *PluginChain) RunTransportUACHeaders(args TransportUACArgs) HookOutcome[TransportUACArgs] {
	if pc == nil {
		return Continue(args)
	}
	for _, h := range pc.TransportUACHeaders {
		out := h(args)
		if out.ShortCircuited {
			return out
		}
		args = out.Args
	}
	return Continue(args)
}

// RunRegistrarRequestOpts folds the PluginChain's registrar_request_opts hooks.
func (pc *PluginChain) RunRegistrarRequestOpts(args RegistrarRequestArgs) HookOutcome[RegistrarRequestArgs] {
	if pc == nil {
		return Continue(args)
	}
	return foldRegistrarArgs(pc.RegistrarRequestOpts, args)
}

// RunRegistrarRequestReply folds the PluginChain's registrar_request_reply hooks.
func (pc *PluginChain) RunRegistrarRequestReply(args RegistrarRequestArgs) HookOutcome[RegistrarRequestArgs] {
	if pc == nil {
		return Continue(args)
	}
	return foldRegistrarArgs(pc.RegistrarRequestReply, args)
}

func foldRegistrarArgs(hooks []func(RegistrarRequestArgs) HookOutcome[RegistrarRequestArgs], args RegistrarRequestArgs) HookOutcome[RegistrarRequestArgs] {
	for _, h := range hooks {
		out := h(args)
		if out.ShortCircuited {
			return out
		}
		args = out.Args
	}
	return Continue(args)
}

// RunRegistrarGetIndex folds the PluginChain's registrar_get_index hooks.
func (pc *PluginChain) RunRegistrarGetIndex(args RegistrarIndexArgs) HookOutcome[RegistrarIndexArgs] {
	if pc == nil {
		return Continue(args)
	}
	for _, h := range pc.RegistrarGetIndex {
		out := h(args)
		if out.ShortCircuited {
			return out
		}
		args = out.Args
	}
	return Continue(args)
}

// RunConnectionSent folds the PluginChain's connection_sent hooks.
func (pc *PluginChain) RunConnectionSent(args ConnectionArgs) HookOutcome[ConnectionArgs] {
	if pc == nil {
		return Continue(args)
	}
	return foldConnectionArgs(pc.ConnectionSent, args)
}

// RunConnectionRecv folds the PluginChain's connection_recv hooks.
func (pc *PluginChain) RunConnectionRecv(args ConnectionArgs) HookOutcome[ConnectionArgs] {
	if pc == nil {
		return Continue(args)
	}
	return foldConnectionArgs(pc.ConnectionRecv, args)
}

func foldConnectionArgs(hooks []func(ConnectionArgs) HookOutcome[ConnectionArgs], args ConnectionArgs) HookOutcome[ConnectionArgs] {
	for _, h := range hooks {
		out := h(args)
		if out.ShortCircuited {
			return out
		}
		args = out.Args
	}
	return Continue(args)
}
