package proxyserver

import (
	"context"
	"errors"
	"net"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/semaphore"

	"github.com/kestrelproxy/kestrel/internal/connctx"
	"github.com/kestrelproxy/kestrel/internal/connstats"
)

// Listener implements spec.md §4.7: an accept loop bounded by
// max_connections, where reaching the cap pauses Accept (TCP-level
// backpressure) rather than refusing connections.
type Listener struct {
	ln      net.Listener
	handler *Handler
	sem     *semaphore.Weighted
	conns   *xsync.Map[uuid.UUID, *connctx.Context]
	Stats   *connstats.Stats
}

// NewListener wraps ln to serve through handler, admitting at most
// maxConnections concurrent handler tasks. handler.Stats (if set) is
// reused as the Listener's own Stats, so accept counts and per-outcome
// tallies land on one shared set of counters.
func NewListener(ln net.Listener, handler *Handler, maxConnections int64) *Listener {
	stats := handler.Stats
	if stats == nil {
		stats = &connstats.Stats{}
		handler.Stats = stats
	}
	return &Listener{
		ln:      connstats.NewListener(ln, stats),
		handler: handler,
		sem:     semaphore.NewWeighted(maxConnections),
		conns:   xsync.NewMap[uuid.UUID, *connctx.Context](),
		Stats:   stats,
	}
}

// Serve runs the accept loop until ctx is canceled or the listener is
// closed, spawning one handler goroutine per accepted connection.
func (l *Listener) Serve(ctx context.Context) error {
	for {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return nil // context canceled: graceful shutdown
		}

		conn, err := l.ln.Accept()
		if err != nil {
			l.sem.Release(1)
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}

		cctx := connctx.New(conn.RemoteAddr().String())
		l.conns.Store(cctx.ID, cctx)

		// Per-connection byte accounting is already done by connctx.Context
		// (driven by relay's pumps and the handler's trackWriter); wrap here
		// only to mirror those bytes into the listener-wide totals.
		counted := connstats.NewConn(conn, nil, nil, l.Stats)

		go func() {
			defer l.sem.Release(1)
			defer l.conns.Delete(cctx.ID)
			l.handler.Handle(counted, cctx)
		}()
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// ActiveConnections returns the number of connections currently being
// served, by walking the in-flight registry.
func (l *Listener) ActiveConnections() int {
	n := 0
	l.conns.Range(func(_ uuid.UUID, _ *connctx.Context) bool {
		n++
		return true
	})
	return n
}
