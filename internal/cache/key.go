package cache

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// Key is the CacheKey of spec.md §3: a fixed-size fingerprint of the
// canonical absolute-URI of a GET request (scheme+host+port+path+query),
// grounded on the teacher's xxh3-based node.Hash [16]byte pattern.
type Key [16]byte

// NewKey hashes the canonical absolute-URI into a Key.
func NewKey(canonicalURI string) Key {
	h := xxh3.Hash128([]byte(canonicalURI))
	var k Key
	binary.BigEndian.PutUint64(k[0:8], h.Hi)
	binary.BigEndian.PutUint64(k[8:16], h.Lo)
	return k
}

// Canonicalize reconciles the Host header and request-target into the
// single canonical absolute-URI form the cache keys on (spec.md §3: "The
// Host header and request-target are reconciled to a single canonical
// form").
func Canonicalize(scheme, host, port, path string) string {
	if path == "" {
		path = "/"
	}
	uri := scheme + "://" + host
	if port != "" && !isDefaultPort(scheme, port) {
		uri += ":" + port
	}
	return uri + path
}

func isDefaultPort(scheme, port string) bool {
	switch scheme {
	case "https":
		return port == "443"
	default:
		return port == "80"
	}
}
