package relay

import (
	"net/http"
	"strings"
)

// ingressMatch is a public request resolved to a session.
type ingressMatch struct {
	SessionID string
	Path      string // rewritten path sent to the developer
	ViaHost   bool   // resolved by subdomain rather than path prefix
}

// resolveIngress maps an incoming public request to a session, by
// subdomain first and then by /tunnel/<id>/ path prefix. The id match is
// case-sensitive and strict: lowercase words, single hyphen.
func resolveIngress(r *http.Request, baseHost string) (ingressMatch, bool) {
	host := stripPort(r.Host)
	base := stripPort(baseHost)

	if host != base && strings.HasSuffix(host, "."+base) {
		id := strings.TrimSuffix(host, "."+base)
		if ValidSessionID(id) {
			return ingressMatch{SessionID: id, Path: r.URL.Path, ViaHost: true}, true
		}
	}

	if rest, ok := strings.CutPrefix(r.URL.Path, "/tunnel/"); ok {
		id, tail, found := strings.Cut(rest, "/")
		if !found {
			tail = ""
		}
		if ValidSessionID(id) {
			return ingressMatch{SessionID: id, Path: "/" + tail}, true
		}
	}

	return ingressMatch{}, false
}

// looksLikeSessionHost reports whether the Host header has a subdomain
// under the base domain at all, valid id shape or not. Used to serve the
// 404 page instead of falling through to the API mux.
func looksLikeSessionHost(hostHeader, baseHost string) bool {
	host := stripPort(hostHeader)
	base := stripPort(baseHost)
	return host != base && strings.HasSuffix(host, "."+base)
}
