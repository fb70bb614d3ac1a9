package proxyserver

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/kestrelproxy/kestrel/internal/httpparser"
)

// responseHead is a parsed upstream response status line + headers, along
// with the exact raw bytes read (so it can be forwarded to the client
// byte-for-byte rather than reconstructed).
type responseHead struct {
	Raw           []byte
	StatusLine    string
	Status        int
	Headers       httpparser.Header
	ContentLength int64 // -1 if absent/unknown
	Chunked       bool
}

// readResponseHead reads an HTTP response head from br, mirroring the
// framing rules of httpparser.ParseHead (CRLF-CRLF termination, 64 KiB
// cap) but for a status line instead of a request line.
func readResponseHead(br *bufio.Reader, maxBytes int) (*responseHead, error) {
	var raw strings.Builder
	var total int

	statusLine, err := readRawLine(br, &raw, &total, maxBytes)
	if err != nil {
		return nil, err
	}

	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("malformed status line: %q", statusLine)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("malformed status code: %q", statusLine)
	}

	resp := &responseHead{StatusLine: statusLine, Status: status, ContentLength: -1}

	for {
		line, err := readRawLine(br, &raw, &total, maxBytes)
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue // tolerate a malformed upstream header line rather than failing the whole response
		}
		name := line[:idx]
		value := strings.TrimLeft(line[idx+1:], " \t")
		resp.Headers.Add(name, value)
	}

	if cl, ok := resp.Headers.Get("Content-Length"); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64); err == nil && n >= 0 {
			resp.ContentLength = n
		}
	}
	if te, ok := resp.Headers.Get("Transfer-Encoding"); ok && strings.Contains(strings.ToLower(te), "chunked") {
		resp.Chunked = true
	}

	resp.Raw = []byte(raw.String())
	return resp, nil
}

// readRawLine reads one CRLF/LF-terminated line, appends its exact wire
// bytes (including the terminator) to raw, and returns the line with its
// terminator stripped.
func readRawLine(br *bufio.Reader, raw *strings.Builder, total *int, maxBytes int) (string, error) {
	var line []byte
	for {
		b, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		*total++
		if *total > maxBytes {
			return "", fmt.Errorf("response head exceeded %d bytes", maxBytes)
		}
		raw.WriteByte(b)
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
