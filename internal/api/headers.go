package api

import (
	"net/http"
	"strings"
)

// hopByHopHeaders lists headers a proxy must strip before relaying an
// upstream response to the client: RFC 7230 hop-by-hop headers, headers this
// package recomputes itself (Content-Length, Content-Encoding, since gzip
// upstream bodies are decompressed before being re-served), and Set-Cookie,
// which must never leak from one caller's upstream session to another's.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Set-Cookie":          {},
	"Content-Length":      {},
	"Content-Encoding":    {},
}

func filterUpstreamHeaders(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	scoped := connectionScopedHeaders(src)
	dst := make(http.Header)
	for key, values := range src {
		canonical := http.CanonicalHeaderKey(key)
		if _, blocked := hopByHopHeaders[canonical]; blocked {
			continue
		}
		if _, blocked := scoped[canonical]; blocked {
			continue
		}
		dst[key] = values
	}
	if len(dst) == 0 {
		return nil
	}
	return dst
}

func connectionScopedHeaders(src http.Header) map[string]struct{} {
	scoped := make(map[string]struct{})
	for _, raw := range src.Values("Connection") {
		for _, token := range strings.Split(raw, ",") {
			name := strings.TrimSpace(token)
			if name == "" {
				continue
			}
			scoped[http.CanonicalHeaderKey(name)] = struct{}{}
		}
	}
	return scoped
}

func writeUpstreamHeaders(dst http.Header, src http.Header) {
	for key, values := range src {
		if dst.Get(key) != "" {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
