// Package connctx holds the per-connection mutable record spec.md §3
// names ConnectionContext, owned exclusively by its handler task but read
// concurrently by the Relay's two pump goroutines for byte accounting.
package connctx

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Stage is one of the Connection Handler's states (spec.md §4.6).
type Stage int32

const (
	Reading Stage = iota
	Gating
	Forwarding
	Tunneling
	Closed
)

func (s Stage) String() string {
	switch s {
	case Reading:
		return "reading"
	case Gating:
		return "gating"
	case Forwarding:
		return "forwarding"
	case Tunneling:
		return "tunneling"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Context is ConnectionContext: client remote address, bytes sent,
// bytes received, start time, and stage. BytesSent/BytesRecv are atomic
// because Relay updates them from its two pump goroutines while the
// handler may read them for logging at Closed.
type Context struct {
	ID         uuid.UUID
	RemoteAddr string
	Start      time.Time

	BytesSent atomic.Int64
	BytesRecv atomic.Int64

	stage atomic.Int32
}

// New creates a Context for a freshly accepted connection.
func New(remoteAddr string) *Context {
	c := &Context{
		ID:         uuid.New(),
		RemoteAddr: remoteAddr,
		Start:      time.Now(),
	}
	c.stage.Store(int32(Reading))
	return c
}

// SetStage records the handler's current state-machine stage.
func (c *Context) SetStage(s Stage) {
	c.stage.Store(int32(s))
}

// GetStage returns the current stage.
func (c *Context) GetStage() Stage {
	return Stage(c.stage.Load())
}

// AddSent atomically accounts n bytes written to the client: the response
// head/body in Forwarding, a cache hit, an error page, or the client-bound
// leg of a tunneled Relay.
func (c *Context) AddSent(n int64) {
	c.BytesSent.Add(n)
}

// AddRecv atomically accounts n bytes received from the client: the
// request body forwarded to upstream in Forwarding, or the upstream-bound
// leg of a tunneled Relay.
func (c *Context) AddRecv(n int64) {
	c.BytesRecv.Add(n)
}
