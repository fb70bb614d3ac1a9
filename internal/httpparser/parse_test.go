package httpparser

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"
)

func parseAll(t *testing.T, raw string) *Request {
	t.Helper()
	req, err := ParseHead(bufio.NewReader(strings.NewReader(raw)), 0)
	if err != nil {
		t.Fatalf("ParseHead: %v", err)
	}
	return req
}

func TestParseHead_OriginForm(t *testing.T) {
	raw := "GET /index.html HTTP/1.1\r\nHost: example.com\r\nUser-Agent: test\r\n\r\n"
	req := parseAll(t, raw)

	if req.Method != "GET" {
		t.Fatalf("Method = %q", req.Method)
	}
	if req.Target.Host != "example.com" || req.Target.Port != "80" {
		t.Fatalf("Target = %+v", req.Target)
	}
	if req.Target.Path != "/index.html" {
		t.Fatalf("Path = %q", req.Target.Path)
	}
	if ua, ok := req.Headers.Get("user-agent"); !ok || ua != "test" {
		t.Fatalf("User-Agent lookup failed: %q %v", ua, ok)
	}
}

func TestParseHead_AbsoluteURI(t *testing.T) {
	raw := "GET http://example.com:8080/a/b?q=1 HTTP/1.1\r\nHost: example.com:8080\r\n\r\n"
	req := parseAll(t, raw)

	if req.Target.Scheme != "http" || req.Target.Host != "example.com" || req.Target.Port != "8080" {
		t.Fatalf("Target = %+v", req.Target)
	}
	if req.Target.Path != "/a/b?q=1" {
		t.Fatalf("Path = %q", req.Target.Path)
	}
}

func TestParseHead_Connect(t *testing.T) {
	raw := "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"
	req := parseAll(t, raw)

	if req.Method != "CONNECT" {
		t.Fatalf("Method = %q", req.Method)
	}
	if req.Target.HostPort() != "example.com:443" {
		t.Fatalf("HostPort = %q", req.Target.HostPort())
	}
}

func TestParseHead_ConnectDefaultsPort443(t *testing.T) {
	raw := "CONNECT example.com HTTP/1.1\r\nHost: example.com\r\n\r\n"
	req := parseAll(t, raw)

	if req.Target.Port != "443" {
		t.Fatalf("Port = %q, want 443", req.Target.Port)
	}
}

func TestParseHead_FragmentedStream(t *testing.T) {
	raw := "GET /x HTTP/1.1\r\nHost: example.com\r\nX-Foo: bar\r\n\r\n"
	r := bufio.NewReader(&slowReader{data: []byte(raw)})
	req, err := ParseHead(r, 0)
	if err != nil {
		t.Fatalf("ParseHead: %v", err)
	}
	if req.Target.Path != "/x" {
		t.Fatalf("Path = %q", req.Target.Path)
	}
	if v, ok := req.Headers.Get("X-Foo"); !ok || v != "bar" {
		t.Fatalf("X-Foo = %q %v", v, ok)
	}
}

// slowReader delivers the underlying data one byte at a time, simulating
// arbitrary chunking of the incoming stream (spec.md §4.1: "accepts
// arbitrary chunking").
type slowReader struct {
	data []byte
	pos  int
}

func (s *slowReader) Read(p []byte) (int, error) {
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}
	p[0] = s.data[s.pos]
	s.pos++
	return 1, nil
}

func TestParseHead_HeadTooLarge(t *testing.T) {
	var b bytes.Buffer
	b.WriteString("GET / HTTP/1.1\r\n")
	b.WriteString("X-Big: ")
	b.WriteString(strings.Repeat("a", MaxHeadBytes))
	b.WriteString("\r\n\r\n")

	_, err := ParseHead(bufio.NewReader(&b), 0)
	perr, ok := err.(*ParseError)
	if !ok || perr.Kind != KindHeadTooLarge {
		t.Fatalf("err = %v, want KindHeadTooLarge", err)
	}
}

func TestParseHead_MalformedRequestLine(t *testing.T) {
	cases := []string{
		"GET  / HTTP/1.1\r\n\r\n",  // double space -> empty token
		"GET /\r\n\r\n",            // only 2 tokens
		"GET / HTTP/1.1 extra\r\n\r\n",
	}
	for _, raw := range cases {
		_, err := ParseHead(bufio.NewReader(strings.NewReader(raw)), 0)
		perr, ok := err.(*ParseError)
		if !ok || perr.Kind != KindMalformed {
			t.Fatalf("raw=%q err = %v, want KindMalformed", raw, err)
		}
	}
}

func TestParseHead_VersionUnsupported(t *testing.T) {
	raw := "GET / HTTP/2.0\r\n\r\n"
	_, err := ParseHead(bufio.NewReader(strings.NewReader(raw)), 0)
	perr, ok := err.(*ParseError)
	if !ok || perr.Kind != KindVersionUnsupported {
		t.Fatalf("err = %v, want KindVersionUnsupported", err)
	}
}

func TestParseHead_ObsoleteLineFolding(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nX-Foo: bar\r\n continuation\r\n\r\n"
	_, err := ParseHead(bufio.NewReader(strings.NewReader(raw)), 0)
	perr, ok := err.(*ParseError)
	if !ok || perr.Kind != KindMalformed {
		t.Fatalf("err = %v, want KindMalformed", err)
	}
}

func TestParseHead_ConflictingContentLengthAndTransferEncoding(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: example.com\r\nContent-Length: 5\r\nTransfer-Encoding: chunked\r\n\r\n"
	_, err := ParseHead(bufio.NewReader(strings.NewReader(raw)), 0)
	perr, ok := err.(*ParseError)
	if !ok || perr.Kind != KindMalformed {
		t.Fatalf("err = %v, want KindMalformed", err)
	}
}

func TestParseHead_ChunkingInvariance(t *testing.T) {
	// spec.md §8 property 1: the parsed Request is identical regardless of
	// how the underlying stream delivers the bytes.
	raw := "GET /p HTTP/1.1\r\nHost: h\r\nA: 1\r\nB: 2\r\n\r\n"

	whole, err := ParseHead(bufio.NewReader(strings.NewReader(raw)), 0)
	if err != nil {
		t.Fatalf("whole: %v", err)
	}
	fragmented, err := ParseHead(bufio.NewReader(&slowReader{data: []byte(raw)}), 0)
	if err != nil {
		t.Fatalf("fragmented: %v", err)
	}

	if whole.Method != fragmented.Method || whole.Target != fragmented.Target || whole.Version != fragmented.Version {
		t.Fatalf("mismatch: %+v vs %+v", whole, fragmented)
	}
	if whole.Headers.Len() != fragmented.Headers.Len() {
		t.Fatalf("header count mismatch: %d vs %d", whole.Headers.Len(), fragmented.Headers.Len())
	}
}

func TestParseHead_PreservesHeaderOrderAndDuplicates(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nHost: h\r\nX-A: 1\r\nX-B: 2\r\nX-A: 3\r\n\r\n"
	req := parseAll(t, raw)

	var names []string
	req.Headers.Range(func(name, _ string) bool {
		names = append(names, name)
		return true
	})
	want := []string{"Host", "X-A", "X-B", "X-A"}
	if len(names) != len(want) {
		t.Fatalf("names = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
	vals := req.Headers.Values("X-A")
	if len(vals) != 2 || vals[0] != "1" || vals[1] != "3" {
		t.Fatalf("Values(X-A) = %v", vals)
	}
}
