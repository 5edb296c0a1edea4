package proxy

import (
	"strings"

	"github.com/nksip-go/core/sip"
)

// Fingerprint computes the loop-detection key for an inbound request per
// RFC 3261 §16.6 step 8: a proxy that has already forwarded a request
// with this exact combination of Request-URI, topmost Via branch,
// To/From tags, Call-ID, CSeq and Proxy-Require values is seeing the
// request loop back to itself, not a legitimate retransmission.
func Fingerprint(req *sip.Request) string {
	var branch string
	if via := topVia(req); via != nil {
		branch, _ = via.Params.Get("branch")
	}

	var toTag string
	if to := req.To(); to != nil {
		toTag, _ = to.Params.Get("tag")
	}

	var fromTag string
	if from := req.From(); from != nil {
		fromTag, _ = from.Params.Get("tag")
	}

	var callID string
	if cid := req.CallID(); cid != nil {
		callID = string(*cid)
	}

	var cseq string
	if cs := req.CSeq(); cs != nil {
		cseq = cs.String()
	}

	var proxyRequire string
	if h := req.GetHeader("Proxy-Require"); h != nil {
		proxyRequire = h.Value()
	}

	return strings.Join([]string{
		req.Recipient.String(), branch, toTag, fromTag, callID, cseq, proxyRequire,
	}, "\x1f")
}

// topVia returns the first Via entry in wire order. req.Via() is not
// used here: PrependHeader does not update the typed accessor, so after
// a Via is prepended it can still point at a lower one.
func topVia(req *sip.Request) *sip.ViaHeader {
	for _, h := range req.GetHeaders("Via") {
		if v, ok := h.(*sip.ViaHeader); ok {
			return v
		}
	}
	return nil
}
