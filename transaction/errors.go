package transaction

import "errors"

// Transaction-layer errors, surfaced on a ClientTx/ServerTx's Errors()
// channel so callers can distinguish them with errors.Is instead of
// string matching (RFC 3261 §8.1.3.1).
var (
	ErrTransactionTimeout     = errors.New("transaction timeout")
	ErrTransactionTransport   = errors.New("transaction transport error")
	ErrTransactionCanceled    = errors.New("transaction canceled")
	ErrTransactionTerminated  = errors.New("transaction already terminated")
)
