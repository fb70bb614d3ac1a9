package httpparser

import "strings"

// parseTarget decomposes a request-target per spec.md §4.1: absolute-URI
// ("scheme://host[:port][/path]"), CONNECT authority-form ("host:port"), or
// origin-form ("/path", with the Host header supplying authority).
func parseTarget(method, raw, hostHeader string) (Target, *ParseError) {
	t := Target{Raw: raw}

	if idx := strings.Index(raw, "://"); idx >= 0 {
		scheme := raw[:idx]
		rest := raw[idx+3:]
		t.Scheme = strings.ToLower(scheme)

		authority := rest
		path := ""
		if slash := strings.IndexByte(rest, '/'); slash >= 0 {
			authority = rest[:slash]
			path = rest[slash:]
		}
		if authority == "" {
			return Target{}, malformed("absolute-URI missing authority")
		}
		host, port := splitHostPort(authority)
		t.Host = host
		t.Port = port
		if t.Port == "" {
			t.Port = defaultPort(t.Scheme)
		}
		t.Path = path
		return t, nil
	}

	if method == "CONNECT" {
		host, port := splitHostPort(raw)
		if host == "" {
			return Target{}, malformed("CONNECT target missing host")
		}
		t.Host = host
		t.Port = port
		if t.Port == "" {
			t.Port = "443"
		}
		return t, nil
	}

	// Origin-form: request-target is path[?query]; Host header supplies
	// authority (spec.md §4.1).
	t.Path = raw
	if hostHeader != "" {
		host, port := splitHostPort(hostHeader)
		t.Host = host
		t.Port = port
	}
	if t.Port == "" && t.Host != "" {
		t.Port = "80"
	}
	return t, nil
}

// splitHostPort splits "host:port" or "[ipv6]:port" into host and port,
// tolerating a bare host with no port (port is returned empty).
func splitHostPort(authority string) (host, port string) {
	if authority == "" {
		return "", ""
	}
	if strings.HasPrefix(authority, "[") {
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return authority, ""
		}
		host = authority[1:end]
		rest := authority[end+1:]
		if strings.HasPrefix(rest, ":") {
			port = rest[1:]
		}
		return host, port
	}
	if idx := strings.LastIndexByte(authority, ':'); idx >= 0 {
		return authority[:idx], authority[idx+1:]
	}
	return authority, ""
}

func defaultPort(scheme string) string {
	switch scheme {
	case "https":
		return "443"
	default:
		return "80"
	}
}
