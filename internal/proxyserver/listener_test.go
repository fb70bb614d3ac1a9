package proxyserver

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kestrelproxy/kestrel/internal/statslog"
)

// TestListener_AcceptsAndTallies drives a real loopback listener through a
// blocked request, checking that Stats.Accepted/Blocked land on the
// Listener's own Stats (shared with the Handler) and that the connection
// registry empties out once the handler goroutine finishes.
func TestListener_AcceptsAndTallies(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	h := NewHandler(mustACL(t, "blocked.example.com\n"), nil, nil, statslog.NoOp{}, nil)
	h.Dialer = &fakeDialer{}
	l := NewListener(ln, h, 4)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.Serve(ctx)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Write([]byte("GET / HTTP/1.1\r\nHost: blocked.example.com\r\n\r\n"))
	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 4096)
	n, _ := conn.Read(buf)
	conn.Close()

	if !strings.Contains(string(buf[:n]), "403") {
		t.Fatalf("expected 403 response, got %q", buf[:n])
	}

	deadline := time.Now().Add(time.Second)
	for l.ActiveConnections() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := l.ActiveConnections(); got != 0 {
		t.Fatalf("ActiveConnections = %d, want 0 after handler completes", got)
	}

	if l.Stats.Accepted.Load() != 1 {
		t.Fatalf("Stats.Accepted = %d, want 1", l.Stats.Accepted.Load())
	}
	if l.Stats.Blocked.Load() != 1 {
		t.Fatalf("Stats.Blocked = %d, want 1", l.Stats.Blocked.Load())
	}
	if h.Stats != l.Stats {
		t.Fatalf("handler.Stats and listener.Stats must be the same instance")
	}

	cancel()
	l.Close()
	wg.Wait()
}
