package httpparser

import (
	"bufio"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// MaxHeadBytes is the default maximum size of a request head (spec.md
// §4.1: "Maximum head size 64 KiB").
const MaxHeadBytes = 64 * 1024

// ParseHead consumes bytes from r until a complete request head (terminated
// by CRLF-CRLF, or LF-LF for lenient line endings) has been read, or fails.
// It tolerates arbitrary chunking of the underlying stream — r is typically
// a *bufio.Reader wrapping a net.Conn with a read deadline already set by
// the caller for the 10s head-read timeout (spec.md §4.6 state 1).
//
// The returned error is either a *ParseError (malformed input, oversized
// head, or unsupported version — spec.md §7 dispositions 400/505) or the
// raw I/O error from r (EOF, timeout, or a closed connection), which the
// caller distinguishes to choose between 400/505/408/ClientGone.
func ParseHead(r *bufio.Reader, maxBytes int) (*Request, error) {
	if maxBytes <= 0 {
		maxBytes = MaxHeadBytes
	}
	var total int

	requestLine, err := readLine(r, &total, maxBytes)
	if err != nil {
		return nil, err
	}
	method, target, version, perr := parseRequestLine(requestLine)
	if perr != nil {
		return nil, perr
	}
	if version != "HTTP/1.0" && version != "HTTP/1.1" {
		return nil, versionUnsupported(version)
	}

	req := &Request{
		Method:  method,
		Version: version,
		BodyLen: -1,
	}

	for {
		line, err := readLine(r, &total, maxBytes)
		if err != nil {
			return nil, err
		}
		if len(line) == 0 {
			break // terminating blank line: end of head
		}
		if line[0] == ' ' || line[0] == '\t' {
			// Obsolete line folding (leading-whitespace continuation) is
			// rejected per spec.md §4.1.
			return nil, malformed("obsolete line folding is not supported")
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, malformed("header line missing ':'")
		}
		name := line[:idx]
		value := strings.TrimLeft(line[idx+1:], " \t")
		if name == "" || !httpguts.ValidHeaderFieldName(name) {
			return nil, malformed("invalid header field name: " + name)
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			return nil, malformed("invalid header field value for " + name)
		}
		req.Headers.Add(name, value)
	}

	if err := applyBodyFraming(req); err != nil {
		return nil, err
	}

	hostHeader, _ := req.Headers.Get("Host")
	t, perr := parseTarget(req.Method, target, hostHeader)
	if perr != nil {
		return nil, perr
	}
	req.Target = t

	return req, nil
}

// parseRequestLine splits a request line on single spaces into exactly
// three tokens; any deviation fails with MalformedRequestLine (spec.md
// §4.1).
func parseRequestLine(line string) (method, target, version string, err *ParseError) {
	tokens := strings.Split(line, " ")
	if len(tokens) != 3 {
		return "", "", "", malformed("request line must have exactly 3 space-separated tokens")
	}
	for _, tok := range tokens {
		if tok == "" {
			return "", "", "", malformed("request line contains empty token")
		}
	}
	return tokens[0], tokens[1], tokens[2], nil
}

func applyBodyFraming(req *Request) *ParseError {
	cl, hasCL := req.Headers.Get("Content-Length")
	_, hasTE := req.Headers.Get("Transfer-Encoding")

	if hasCL && hasTE {
		return malformed("request has both Content-Length and Transfer-Encoding")
	}
	if hasTE {
		req.Chunked = true
		return nil
	}
	if hasCL {
		n, convErr := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if convErr != nil || n < 0 {
			return malformed("invalid Content-Length: " + cl)
		}
		req.BodyLen = n
	}
	return nil
}

// readLine reads a single CRLF- or LF-terminated line from r, enforcing a
// cumulative budget across the whole head (spec.md §4.1's 64 KiB cap
// applies to the entire head, not one line). The trailing line terminator
// is stripped from the returned string.
func readLine(r *bufio.Reader, total *int, max int) (string, error) {
	var line []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		*total++
		if *total > max {
			return "", headTooLarge()
		}
		if b == '\n' {
			break
		}
		line = append(line, b)
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return string(line), nil
}
