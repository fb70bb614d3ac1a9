package proxyserver

import (
	"strings"

	"github.com/kestrelproxy/kestrel/internal/cache"
	"github.com/kestrelproxy/kestrel/internal/httpparser"
)

// isCacheable decides cacheability per spec.md §4.4: request method is
// GET, response status is 200, no Cache-Control: no-store/private, and a
// known Content-Length <= maxEntryBytes.
func isCacheable(method string, resp *responseHead, maxEntryBytes int64) bool {
	if method != "GET" {
		return false
	}
	if resp.Status != 200 {
		return false
	}
	if cc, ok := resp.Headers.Get("Cache-Control"); ok {
		lower := strings.ToLower(cc)
		if strings.Contains(lower, "no-store") || strings.Contains(lower, "private") {
			return false
		}
	}
	if resp.ContentLength < 0 {
		return false
	}
	if resp.ContentLength > maxEntryBytes {
		return false
	}
	return true
}

// canonicalRequestURI reconciles the Host header and request-target into
// the absolute-URI the cache keys on (spec.md §3).
func canonicalRequestURI(req *httpparser.Request) string {
	scheme := req.Target.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return cache.Canonicalize(scheme, req.Target.Host, req.Target.Port, req.Target.Path)
}
