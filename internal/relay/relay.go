// Package relay implements the bidirectional byte pump between a client
// and an upstream connection used in Tunneling (spec.md §4.5). The
// Forwarding path does not use it; it streams the request body and the
// response with its own copy loops in proxyserver.
package relay

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/kestrelproxy/kestrel/internal/connctx"
)

// DefaultIdleTimeout is the watchdog duration of total inactivity (no
// bytes in either direction) after which Relay forcibly closes both sides
// and reports ErrIdleTimeout (spec.md §4.5).
const DefaultIdleTimeout = 60 * time.Second

// ErrIdleTimeout is cause when the idle watchdog fires.
var ErrIdleTimeout = errors.New("relay: idle timeout")

const bufSize = 4096

// halfCloser is satisfied by *net.TCPConn and similar connections that can
// shut down their write side without closing the read side.
type halfCloser interface {
	CloseWrite() error
}

// Relay pumps bytes between a and b concurrently until both directions
// have ended (by EOF) or an error/idle-timeout forces both closed. It
// returns the bytes copied a→b, b→a, and the terminating cause (nil on a
// clean double-EOF finish).
func Relay(a, b net.Conn, ctx *connctx.Context, idleTimeout time.Duration) (bytesAB, bytesBA int64, cause error) {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	var closeOnce sync.Once
	var closeErrs error
	closeBoth := func() {
		closeOnce.Do(func() {
			if err := a.Close(); err != nil {
				closeErrs = multierr.Append(closeErrs, err)
			}
			if err := b.Close(); err != nil {
				closeErrs = multierr.Append(closeErrs, err)
			}
		})
	}

	type pumpResult struct {
		dir string
		n   int64
		err error
	}
	results := make(chan pumpResult, 2)

	go func() {
		// a is the client connection: bytes copied a->b are bytes received
		// from the client, matching the Forwarding path's convention where
		// AddRecv tracks client->upstream request-body bytes.
		n, err := pump(a, b, func(written int64) {
			ctx.AddRecv(written)
			lastActivity.Store(time.Now().UnixNano())
		})
		results <- pumpResult{"ab", n, err}
	}()
	go func() {
		// b->a bytes are delivered to the client, matching AddSent's use
		// for response bytes written to the client in Forwarding.
		n, err := pump(b, a, func(written int64) {
			ctx.AddSent(written)
			lastActivity.Store(time.Now().UnixNano())
		})
		results <- pumpResult{"ba", n, err}
	}()

	watchdogDone := make(chan struct{})
	var idleFired atomic.Bool
	go func() {
		ticker := time.NewTicker(idleTimeout / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if time.Since(time.Unix(0, lastActivity.Load())) >= idleTimeout {
					idleFired.Store(true)
					closeBoth()
					return
				}
			case <-watchdogDone:
				return
			}
		}
	}()

	for i := 0; i < 2; i++ {
		r := <-results
		switch r.dir {
		case "ab":
			bytesAB = r.n
		case "ba":
			bytesBA = r.n
		}
		if r.err != nil && cause == nil {
			cause = r.err
			closeBoth()
		}
	}
	close(watchdogDone)
	closeBoth()

	if idleFired.Load() {
		// The watchdog's forced Close is what unblocked the pumps; report
		// the timeout rather than the resulting "closed connection" errors.
		cause = ErrIdleTimeout
	}
	cause = multierr.Append(cause, closeErrs)
	return bytesAB, bytesBA, cause
}

// pump copies from src to dst until src signals EOF (a normal end,
// returning nil error after half-closing dst's write side) or a read/write
// error occurs (returned as err). track is called with the number of bytes
// successfully written after each write.
func pump(src, dst net.Conn, track func(int64)) (int64, error) {
	buf := make([]byte, bufSize)
	var total int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			if nw > 0 {
				total += int64(nw)
				track(int64(nw))
			}
			if werr != nil {
				return total, werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				if hc, ok := dst.(halfCloser); ok {
					_ = hc.CloseWrite()
				}
				return total, nil
			}
			return total, rerr
		}
	}
}
