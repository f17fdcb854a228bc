// Package headers strips hop-by-hop and proxy-leaking headers from
// requests forwarded upstream and responses relayed back to the client.
package headers

import "net/http"

// requestDropDefault lists headers always stripped from the upstream
// request, case-insensitively. Authorization is dropped because the
// engine substitutes the real upstream credential; Host and
// Content-Length are recomputed by the HTTP client/transport.
var requestDropDefault = []string{
	"Host",
	"Content-Length",
	"Connection",
	"Authorization",
}

// responseDropDefault lists hop-by-hop headers always stripped from the
// response relayed to the client. Content-Encoding and Transfer-Encoding
// are dropped because the proxy re-streams the body raw; Content-Length is
// dropped because the HTTP layer re-emits an accurate length or chunked
// framing.
var responseDropDefault = []string{
	"Content-Encoding",
	"Transfer-Encoding",
	"Connection",
	"Content-Length",
}

// CleanRequestHeaders returns a copy of in with requestDropDefault and
// extraDrops removed, case-insensitively. Multi-valued headers are
// preserved verbatim.
func CleanRequestHeaders(in http.Header, extraDrops []string) http.Header {
	return clean(in, append(append([]string{}, requestDropDefault...), extraDrops...))
}

// CleanResponseHeaders returns a copy of in with responseDropDefault
// removed, case-insensitively.
func CleanResponseHeaders(in http.Header) http.Header {
	return clean(in, responseDropDefault)
}

func clean(in http.Header, drop []string) http.Header {
	dropSet := make(map[string]struct{}, len(drop))
	for _, name := range drop {
		dropSet[http.CanonicalHeaderKey(name)] = struct{}{}
	}

	out := make(http.Header, len(in))
	for name, values := range in {
		if _, dropped := dropSet[http.CanonicalHeaderKey(name)]; dropped {
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	return out
}
