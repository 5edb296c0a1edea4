package registrar

import (
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/nksip-go/core/sip"
)

// instanceKey hashes the +sip.instance Contact param into a stable,
// URI-safe token; an absent instance yields the empty key, per the
// "empty if absent" rule.
func instanceKey(instance string) string {
	if instance == "" {
		return ""
	}
	h := xxhash.Sum64String(instance)
	return hex64(h)
}

func hex64(v uint64) string {
	const digits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf)
}

// pubGRUU mints the stable public GRUU for (aorUser, aorDomain, instance).
func pubGRUU(aorUser, aorDomain, instKey string) sip.Uri {
	h := xxhash.Sum64String(aorUser + "\x00" + aorDomain + "\x00" + instKey)
	return sip.Uri{
		Scheme: "sip",
		User:   aorUser,
		Host:   aorDomain,
		UriParams: sip.HeaderParams{
			{K: "gr", V: hex64(h)},
		},
	}
}

// tempGRUU mints a fresh opaque temporary GRUU for aorDomain. The opaque
// token is a random UUID, matching the teacher's client.go use of
// google/uuid for other opaque wire tokens (Call-ID generation).
func tempGRUU(aorDomain string) sip.Uri {
	return sip.Uri{
		Scheme: "sip",
		User:   uuid.NewString(),
		Host:   aorDomain,
		UriParams: sip.HeaderParams{
			{K: "gr", V: ""},
		},
	}
}

// isGRUU reports whether uri carries a "gr" URI parameter, the marker
// that distinguishes a GRUU from an ordinary contact URI (RFC 5627 §3).
func isGRUU(uri sip.Uri) bool {
	_, ok := uri.UriParams.Get("gr")
	return ok
}
