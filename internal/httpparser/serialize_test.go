package httpparser

import (
	"bufio"
	"strings"
	"testing"
)

func TestSerializeForward_StripsAbsoluteURIAndProxyHeaders(t *testing.T) {
	raw := "GET http://example.com/a/b HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Proxy-Connection: keep-alive\r\n" +
		"Proxy-Authorization: Basic abc\r\n" +
		"Connection: keep-alive\r\n" +
		"User-Agent: test\r\n\r\n"

	req, err := ParseHead(bufio.NewReader(strings.NewReader(raw)), 0)
	if err != nil {
		t.Fatalf("ParseHead: %v", err)
	}

	out := string(SerializeForward(req))

	if !strings.HasPrefix(out, "GET /a/b HTTP/1.1\r\n") {
		t.Fatalf("request line wrong: %q", out)
	}
	if strings.Contains(out, "Proxy-Connection") || strings.Contains(out, "Proxy-Authorization") {
		t.Fatalf("proxy headers leaked: %q", out)
	}
	if !strings.Contains(out, "Connection: close\r\n") {
		t.Fatalf("missing Connection: close: %q", out)
	}
	if strings.Count(out, "Connection:") != 1 {
		t.Fatalf("Connection header duplicated: %q", out)
	}
	if !strings.Contains(out, "User-Agent: test\r\n") {
		t.Fatalf("missing forwarded header: %q", out)
	}
	if !strings.HasSuffix(out, "\r\n\r\n") {
		t.Fatalf("missing terminating blank line: %q", out)
	}
}

func TestSerializeForward_RoundTripParsesBack(t *testing.T) {
	// spec.md §8 property 3: serialize_forward's output is itself a valid
	// request head.
	raw := "GET http://example.com/p?x=1 HTTP/1.1\r\nHost: example.com\r\nAccept: */*\r\n\r\n"
	req, err := ParseHead(bufio.NewReader(strings.NewReader(raw)), 0)
	if err != nil {
		t.Fatalf("ParseHead: %v", err)
	}

	out := SerializeForward(req)
	reparsed, err := ParseHead(bufio.NewReader(strings.NewReader(string(out))), 0)
	if err != nil {
		t.Fatalf("reparse: %v\n%s", err, out)
	}
	if reparsed.Method != req.Method {
		t.Fatalf("Method = %q, want %q", reparsed.Method, req.Method)
	}
	if reparsed.Target.Path != req.Target.Path {
		t.Fatalf("Path = %q, want %q", reparsed.Target.Path, req.Target.Path)
	}
	if v, ok := reparsed.Headers.Get("Accept"); !ok || v != "*/*" {
		t.Fatalf("Accept = %q %v", v, ok)
	}
}

func TestSerializeForward_OriginFormTargetUnchanged(t *testing.T) {
	raw := "POST /submit HTTP/1.1\r\nHost: example.com\r\nContent-Length: 0\r\n\r\n"
	req, err := ParseHead(bufio.NewReader(strings.NewReader(raw)), 0)
	if err != nil {
		t.Fatalf("ParseHead: %v", err)
	}
	out := string(SerializeForward(req))
	if !strings.HasPrefix(out, "POST /submit HTTP/1.1\r\n") {
		t.Fatalf("request line wrong: %q", out)
	}
}
