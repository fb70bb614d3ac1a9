package relay

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/kestrelproxy/kestrel/internal/connctx"
)

func TestRelay_CopiesBytesBothDirectionsAndCounts(t *testing.T) {
	cliLocal, a := net.Pipe()
	upLocal, b := net.Pipe()
	ctx := connctx.New("10.0.0.1:1234")

	type result struct {
		ab, ba int64
		cause  error
	}
	done := make(chan result, 1)
	go func() {
		ab, ba, cause := Relay(a, b, ctx, time.Second)
		done <- result{ab, ba, cause}
	}()

	go func() {
		cliLocal.Write([]byte("hello"))
		buf := make([]byte, 5)
		io.ReadFull(upLocal, buf)
		upLocal.Write([]byte("world"))
		buf2 := make([]byte, 5)
		io.ReadFull(cliLocal, buf2)
		cliLocal.Close()
		upLocal.Close()
	}()

	select {
	case r := <-done:
		if r.ab != 5 {
			t.Fatalf("bytesAB = %d, want 5", r.ab)
		}
		if r.ba != 5 {
			t.Fatalf("bytesBA = %d, want 5", r.ba)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Relay did not finish")
	}

	if ctx.BytesSent.Load() != 5 || ctx.BytesRecv.Load() != 5 {
		t.Fatalf("ctx counters: sent=%d recv=%d", ctx.BytesSent.Load(), ctx.BytesRecv.Load())
	}
}

func TestRelay_IdleTimeout(t *testing.T) {
	_, a := net.Pipe()
	_, b := net.Pipe()
	ctx := connctx.New("10.0.0.1:1234")

	_, _, cause := Relay(a, b, ctx, 30*time.Millisecond)
	if !errors.Is(cause, ErrIdleTimeout) {
		t.Fatalf("cause = %v, want ErrIdleTimeout", cause)
	}
}
