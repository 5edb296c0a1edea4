package transaction

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nksip-go/core/sip"
)

// Seperator joins the legacy (pre-RFC3261) transaction key components.
const Seperator = "__"

// topmostVia returns the first Via in wire order, read straight off the
// header list rather than through msg.Via(): PrependHeader does not
// update the typed accessor, so after a Via is prepended it can still
// point at an older, lower Via instead of the topmost one a transaction
// key must be built from.
func topmostVia(msg sip.Message) *sip.ViaHeader {
	for _, h := range msg.GetHeaders("Via") {
		if v, ok := h.(*sip.ViaHeader); ok {
			return v
		}
	}
	return nil
}

// ClientKey computes the client-transaction matching key for a request
// being sent, or for a response being matched back to it (RFC 3261
// §17.1.3): the topmost Via branch plus the CSeq method, ACK-for-INVITE
// folded into INVITE since an ACK to a non-2xx is part of the INVITE
// client transaction, not its own.
func ClientKey(msg sip.Message) (string, error) {
	cseq := msg.CSeq()
	if cseq == nil {
		return "", fmt.Errorf("'CSeq' header not found in message %q", msg.Short())
	}
	method := cseq.MethodName
	if method == sip.ACK || method == sip.CANCEL {
		method = sip.INVITE
	}

	via := topmostVia(msg)
	if via == nil {
		return "", fmt.Errorf("'Via' header not found in message %q", msg.Short())
	}

	branch, ok := via.Params.Get("branch")
	if !ok || branch == "" || !strings.HasPrefix(branch, sip.RFC3261BranchMagicCookie) ||
		strings.TrimPrefix(branch, sip.RFC3261BranchMagicCookie) == "" {
		return "", fmt.Errorf("'branch' not found or empty in 'Via' header of message %q", msg.Short())
	}

	var b strings.Builder
	b.Grow(len(branch) + len(method) + len(Seperator))
	b.WriteString(branch)
	b.WriteString(Seperator)
	b.WriteString(string(method))
	return b.String(), nil
}

// ServerKey computes the server-transaction matching key for an inbound
// request (RFC 3261 §17.2.3), with a legacy (non-magic-cookie branch)
// fallback to the RFC 2543 tuple match.
func ServerKey(msg sip.Message) (string, error) {
	via := topmostVia(msg)
	if via == nil {
		return "", fmt.Errorf("'Via' header not found in message %q", msg.Short())
	}

	cseq := msg.CSeq()
	if cseq == nil {
		return "", fmt.Errorf("'CSeq' header not found in message %q", msg.Short())
	}
	method := cseq.MethodName
	if method == sip.ACK || method == sip.CANCEL {
		method = sip.INVITE
	}

	branch, ok := via.Params.Get("branch")
	isRFC3261 := ok && branch != "" && strings.HasPrefix(branch, sip.RFC3261BranchMagicCookie) &&
		strings.TrimPrefix(branch, sip.RFC3261BranchMagicCookie) != ""

	var b strings.Builder
	if isRFC3261 {
		port := via.Port
		if port <= 0 {
			port = int(sip.DefaultPort(via.Transport))
		}
		b.WriteString(branch)
		b.WriteString(Seperator)
		b.WriteString(via.Host)
		b.WriteString(Seperator)
		b.WriteString(strconv.Itoa(port))
		b.WriteString(Seperator)
		b.WriteString(string(method))
		return b.String(), nil
	}

	from := msg.From()
	if from == nil {
		return "", fmt.Errorf("'From' header not found in message %q", msg.Short())
	}
	fromTag, ok := from.Params.Get("tag")
	if !ok {
		return "", fmt.Errorf("'tag' param not found in 'From' header of message %q", msg.Short())
	}
	callID := msg.CallID()
	if callID == nil {
		return "", fmt.Errorf("'Call-ID' header not found in message %q", msg.Short())
	}

	b.WriteString(fromTag)
	b.WriteString(Seperator)
	b.WriteString(string(*callID))
	b.WriteString(Seperator)
	b.WriteString(string(method))
	b.WriteString(Seperator)
	b.WriteString(strconv.Itoa(int(cseq.SeqNo)))
	b.WriteString(Seperator)
	via.StringWrite(&b)
	b.WriteString(Seperator)
	return b.String(), nil
}
