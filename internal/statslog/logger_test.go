package statslog

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestEntry_FormatMatchesShape(t *testing.T) {
	e := Entry{
		Time:         time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC),
		Level:        LevelInfo,
		Event:        EventAllow,
		ClientAddr:   "10.0.0.1:5555",
		UpstreamAddr: "example.org:80",
		Method:       "GET",
		Target:       "/",
		Version:      "HTTP/1.1",
		Outcome:      "ALLOWED",
		Sent:         2,
		Recv:         64,
	}
	line := e.Format()

	wantParts := []string{
		"INFO", "ALLOW", "10.0.0.1:5555 -> example.org:80",
		"GET / HTTP/1.1", "ALLOWED", "sent=2 recv=64",
	}
	for _, part := range wantParts {
		if !strings.Contains(line, part) {
			t.Fatalf("line %q missing %q", line, part)
		}
	}
	if strings.Contains(line, "reason=") {
		t.Fatalf("unexpected reason in %q", line)
	}
}

func TestEntry_FormatIncludesReasonWhenSet(t *testing.T) {
	e := Entry{Event: EventBlock, Outcome: "BLOCKED", Reason: "exact"}
	line := e.Format()
	if !strings.HasSuffix(line, "reason=exact") {
		t.Fatalf("line = %q, want reason suffix", line)
	}
}

func TestFileLogger_WritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.Log(Entry{Event: EventAccept, Outcome: "OK"})
	l.Log(Entry{Event: EventError, Outcome: "FAIL"})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), buf.String())
	}
}

func TestNoOp_DiscardsEvents(t *testing.T) {
	var n NoOp
	n.Log(Entry{Event: EventAccept}) // must not panic
}
