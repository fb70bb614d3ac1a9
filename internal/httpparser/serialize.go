package httpparser

import (
	"strconv"
	"strings"
)

// SerializeForward renders req as a request head suitable for sending to an
// origin server: the request-target is reduced to path(+query) with any
// absolute-URI prefix stripped, Proxy-Connection and Proxy-Authorization are
// dropped, Connection is forced to "close" (the forward path does not pool
// connections, spec.md §9), and all other headers are forwarded verbatim in
// their original order (spec.md §4.1).
func SerializeForward(req *Request) []byte {
	var b strings.Builder

	target := req.Target.Path
	if target == "" {
		target = "/"
	}

	b.WriteString(req.Method)
	b.WriteByte(' ')
	b.WriteString(target)
	b.WriteByte(' ')
	b.WriteString(req.Version)
	b.WriteString("\r\n")

	req.Headers.Range(func(name, value string) bool {
		switch {
		case strings.EqualFold(name, "Proxy-Connection"),
			strings.EqualFold(name, "Proxy-Authorization"),
			strings.EqualFold(name, "Connection"):
			return true
		}
		writeHeaderLine(&b, name, value)
		return true
	})
	writeHeaderLine(&b, "Connection", "close")
	b.WriteString("\r\n")

	return []byte(b.String())
}

func writeHeaderLine(b *strings.Builder, name, value string) {
	b.WriteString(name)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\r\n")
}

// ContentLengthHeaderValue formats n for use in a Content-Length header,
// used when the proxy itself originates a response head (spec.md §6).
func ContentLengthHeaderValue(n int64) string {
	return strconv.FormatInt(n, 10)
}
