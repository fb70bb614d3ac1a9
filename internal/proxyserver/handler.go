// Package proxyserver orchestrates the per-connection pipeline of
// spec.md §4.6 (parse → gate → dispatch → forward/tunnel/cache-hit/
// rejection) and the accept loop of §4.7.
package proxyserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/kestrelproxy/kestrel/internal/acl"
	"github.com/kestrelproxy/kestrel/internal/authgate"
	"github.com/kestrelproxy/kestrel/internal/cache"
	"github.com/kestrelproxy/kestrel/internal/connctx"
	"github.com/kestrelproxy/kestrel/internal/connstats"
	"github.com/kestrelproxy/kestrel/internal/httpparser"
	"github.com/kestrelproxy/kestrel/internal/proxyerr"
	"github.com/kestrelproxy/kestrel/internal/relay"
	"github.com/kestrelproxy/kestrel/internal/statslog"
)

// Dialer abstracts outbound connection establishment so tests can swap in
// a fake without a real network (spec.md §4.6 states 4/5 both dial).
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

const (
	defaultHeadTimeout    = 10 * time.Second
	defaultDialTimeout    = 10 * time.Second
	defaultForwardTimeout = 30 * time.Second
	defaultBodyBufSize    = 4096
)

// Handler implements the Connection Handler state machine of spec.md
// §4.6. One Handler serves many connections; it holds no per-connection
// state itself (that lives in connctx.Context and local variables of
// Handle).
type Handler struct {
	ACL    *acl.ACL
	Auth   *authgate.Gate // nil or inactive means no auth required
	Cache  *cache.Cache   // nil means cache disabled
	Logger statslog.Logger
	Dialer Dialer
	Stats  *connstats.Stats // nil means no process-wide tallies kept

	HeadTimeout    time.Duration
	DialTimeout    time.Duration
	IdleTimeout    time.Duration
	ForwardTimeout time.Duration
	MaxHeadBytes   int
}

// NewHandler builds a Handler, filling in defaults for zero-valued
// durations/sizes. stats may be nil.
func NewHandler(a *acl.ACL, auth *authgate.Gate, c *cache.Cache, logger statslog.Logger, stats *connstats.Stats) *Handler {
	if logger == nil {
		logger = statslog.NoOp{}
	}
	if a == nil {
		a = acl.New(nil)
	}
	return &Handler{
		ACL:            a,
		Auth:           auth,
		Cache:          c,
		Logger:         logger,
		Dialer:         &net.Dialer{},
		Stats:          stats,
		HeadTimeout:    defaultHeadTimeout,
		DialTimeout:    defaultDialTimeout,
		IdleTimeout:    relay.DefaultIdleTimeout,
		ForwardTimeout: defaultForwardTimeout,
		MaxHeadBytes:   httpparser.MaxHeadBytes,
	}
}

// Handle drives one accepted connection through Reading, Gating, Dispatch,
// and into Tunneling/Forwarding, finishing at Closed. A panic anywhere in
// the pipeline is caught here and logged FATAL rather than killing the
// process (spec.md §7: "a handler that panics ... must not kill the
// process").
func (h *Handler) Handle(conn net.Conn, ctx *connctx.Context) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			h.Logger.Log(statslog.Entry{
				Time:       time.Now(),
				Level:      statslog.LevelFatal,
				Event:      statslog.EventFatal,
				ClientAddr: ctx.RemoteAddr,
				Outcome:    fmt.Sprintf("panic: %v", r),
			})
		}
	}()

	h.Logger.Log(statslog.Entry{
		Time:       time.Now(),
		Level:      statslog.LevelInfo,
		Event:      statslog.EventAccept,
		ClientAddr: ctx.RemoteAddr,
		Outcome:    "ACCEPTED",
	})

	// 1. Reading
	ctx.SetStage(connctx.Reading)
	conn.SetReadDeadline(time.Now().Add(h.HeadTimeout))
	br := bufio.NewReader(conn)
	req, err := httpparser.ParseHead(br, h.MaxHeadBytes)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		h.handleReadFailure(conn, ctx, err)
		return
	}

	// 2. Gating
	ctx.SetStage(connctx.Gating)
	if !h.gateACL(conn, ctx, req) {
		return
	}
	if !h.gateAuth(conn, ctx, req) {
		return
	}

	// 3. Dispatch
	switch {
	case req.Method == "CONNECT":
		h.handleTunnel(conn, ctx, req)
	case req.Method == "GET" && h.Cache != nil:
		h.handleCacheableGet(conn, ctx, req, br)
	default:
		h.handleForward(conn, ctx, req, br, nil)
	}
}

func (h *Handler) handleReadFailure(conn net.Conn, ctx *connctx.Context, err error) {
	var perr *httpparser.ParseError
	if errors.As(err, &perr) {
		switch perr.Kind {
		case httpparser.KindVersionUnsupported:
			h.writeError(conn, ctx, proxyerr.ErrVersionUnsupported, nil)
		case httpparser.KindHeadTooLarge:
			h.writeError(conn, ctx, proxyerr.ErrHeadTooLarge, nil)
		default:
			h.writeError(conn, ctx, proxyerr.ErrMalformedRequest, nil)
		}
		h.logClosed(ctx, "", "", "", "", "PARSE_ERROR", perr.Message)
		return
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		h.writeError(conn, ctx, proxyerr.ErrHeadTimeout, nil)
		h.logClosed(ctx, "", "", "", "", "HEAD_TIMEOUT", "")
		return
	}
	// Client disconnected before sending a complete head: no response
	// possible (ClientGone, spec.md §7).
	h.logClosed(ctx, "", "", "", "", "CLIENT_GONE", "")
}

func (h *Handler) gateACL(conn net.Conn, ctx *connctx.Context, req *httpparser.Request) bool {
	decision, class := h.ACL.Check(req.Target.Host)
	if decision == acl.Deny {
		blocked := *proxyerr.ErrBlocked
		blocked.Message += " (" + class.String() + " rule)"
		h.writeError(conn, ctx, &blocked, nil)
		h.logClosed(ctx, req.Method, req.Target.Raw, req.Version, "", "BLOCKED", class.String())
		return false
	}
	return true
}

func (h *Handler) gateAuth(conn net.Conn, ctx *connctx.Context, req *httpparser.Request) bool {
	if h.Auth == nil || !h.Auth.Active() {
		return true
	}
	headerValue, _ := req.Headers.Get("Proxy-Authorization")
	switch h.Auth.Check(headerValue) {
	case authgate.Authorized:
		return true
	case authgate.Challenge:
		h.writeError(conn, ctx, proxyerr.ErrAuthRequired, map[string]string{
			"Proxy-Authenticate": `Basic realm="proxy"`,
		})
		h.logClosed(ctx, req.Method, req.Target.Raw, req.Version, "", "AUTH_CHALLENGE", "")
		return false
	default:
		h.writeError(conn, ctx, proxyerr.ErrAuthFailed, map[string]string{
			"Proxy-Authenticate": `Basic realm="proxy"`,
		})
		h.logClosed(ctx, req.Method, req.Target.Raw, req.Version, "", "AUTH_FAILED", "")
		return false
	}
}

func (h *Handler) handleTunnel(conn net.Conn, ctx *connctx.Context, req *httpparser.Request) {
	ctx.SetStage(connctx.Tunneling)

	upstreamAddr := req.Target.HostPort()
	dialCtx, cancel := context.WithTimeout(context.Background(), h.DialTimeout)
	defer cancel()
	upstream, err := h.Dialer.DialContext(dialCtx, "tcp", upstreamAddr)
	if perr := proxyerr.ClassifyDialError(err); perr != nil {
		h.writeError(conn, ctx, perr, nil)
		h.logClosed(ctx, req.Method, req.Target.Raw, req.Version, upstreamAddr, "DIAL_FAILED", proxyerr.Summarize(err).Kind)
		return
	}
	defer upstream.Close()

	n, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	ctx.AddSent(int64(n))
	if err != nil {
		h.logClosed(ctx, req.Method, req.Target.Raw, req.Version, upstreamAddr, "CLIENT_GONE", "")
		return
	}

	_, _, cause := relay.Relay(conn, upstream, ctx, h.IdleTimeout)
	outcome, reason := "TUNNELED", ""
	if cause != nil {
		outcome, reason = "ERROR", proxyerr.Summarize(cause).Kind
	}
	h.logClosed(ctx, req.Method, req.Target.Raw, req.Version, upstreamAddr, outcome, reason)
}

func (h *Handler) handleCacheableGet(conn net.Conn, ctx *connctx.Context, req *httpparser.Request, br *bufio.Reader) {
	key := cache.NewKey(canonicalRequestURI(req))
	for {
		result := h.Cache.Lookup(key)
		switch result.Outcome {
		case cache.Hit:
			h.writeCached(conn, ctx, req, result.Response)
			return
		case cache.Miss:
			h.handleForward(conn, ctx, req, br, result.Fill)
			return
		case cache.Pending:
			resp, ok := result.Wait()
			if ok {
				h.writeCached(conn, ctx, req, resp)
				return
			}
			continue // producer abandoned/failed: try to become the next one
		}
	}
}

func (h *Handler) writeCached(conn net.Conn, ctx *connctx.Context, req *httpparser.Request, data []byte) {
	n, _ := conn.Write(data)
	ctx.AddSent(int64(n))
	h.logClosed(ctx, req.Method, req.Target.Raw, req.Version, "", "CACHE_HIT", "")
}

func (h *Handler) handleForward(conn net.Conn, ctx *connctx.Context, req *httpparser.Request, br *bufio.Reader, fill *cache.FillHandle) {
	ctx.SetStage(connctx.Forwarding)

	upstreamAddr := req.Target.HostPort()
	dialCtx, cancel := context.WithTimeout(context.Background(), h.DialTimeout)
	defer cancel()
	upstream, err := h.Dialer.DialContext(dialCtx, "tcp", upstreamAddr)
	if perr := proxyerr.ClassifyDialError(err); perr != nil {
		if fill != nil {
			fill.Abandon()
		}
		h.writeError(conn, ctx, perr, nil)
		h.logClosed(ctx, req.Method, req.Target.Raw, req.Version, upstreamAddr, "DIAL_FAILED", proxyerr.Summarize(err).Kind)
		return
	}
	defer upstream.Close()

	head := httpparser.SerializeForward(req)
	if _, err := upstream.Write(head); err != nil {
		h.abortForward(conn, ctx, req, fill, upstreamAddr, err)
		return
	}
	if err := copyRequestBody(upstream, br, req, ctx); err != nil {
		h.abortForward(conn, ctx, req, fill, upstreamAddr, err)
		return
	}

	_, cacheOutcome, err := h.streamResponse(conn, upstream, ctx, req, fill)
	if err != nil {
		h.abortForward(conn, ctx, req, nil, upstreamAddr, err) // fill already resolved inside streamResponse
		return
	}
	outcome := "ALLOWED"
	if cacheOutcome != "" {
		outcome = cacheOutcome
	}
	h.logClosed(ctx, req.Method, req.Target.Raw, req.Version, upstreamAddr, outcome, "")
}

func (h *Handler) abortForward(conn net.Conn, ctx *connctx.Context, req *httpparser.Request, fill *cache.FillHandle, upstreamAddr string, err error) {
	if fill != nil {
		fill.Abandon()
	}
	if proxyerr.IsBenignCopyError(err) {
		h.logClosed(ctx, req.Method, req.Target.Raw, req.Version, upstreamAddr, "CLIENT_GONE", "")
		return
	}
	h.logClosed(ctx, req.Method, req.Target.Raw, req.Version, upstreamAddr, "ERROR", proxyerr.Summarize(err).Kind)
}

// copyRequestBody forwards the request body to upstream: exactly
// Content-Length bytes, or the raw chunked wire framing pass-through when
// Transfer-Encoding: chunked (spec.md §1: chunked decoding beyond
// pass-through is out of scope). Bytes written to upstream here are bytes
// received from the client, so they're tallied via ctx.AddRecv.
func copyRequestBody(dst io.Writer, br *bufio.Reader, req *httpparser.Request, ctx *connctx.Context) error {
	tracked := recvTrackWriter{dst, ctx}
	if req.Chunked {
		return chunkedPassthrough(tracked, br)
	}
	n := req.ContentLength()
	if n <= 0 {
		return nil
	}
	_, err := io.CopyN(tracked, br, n)
	return err
}

// recvTrackWriter tallies every write as bytes received from the client.
type recvTrackWriter struct {
	dst io.Writer
	ctx *connctx.Context
}

func (w recvTrackWriter) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	w.ctx.AddRecv(int64(n))
	return n, err
}

// chunkedPassthrough forwards chunk-size lines, chunk data, and the
// trailer verbatim without interpreting chunk semantics beyond locating
// the terminating 0-size chunk.
func chunkedPassthrough(dst io.Writer, br *bufio.Reader) error {
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return err
		}
		if _, err := io.WriteString(dst, line); err != nil {
			return err
		}
		sizeText := line
		if idx := indexAny(sizeText, ";\r\n"); idx >= 0 {
			sizeText = sizeText[:idx]
		}
		size, err := strconv.ParseInt(sizeText, 16, 64)
		if err != nil {
			return fmt.Errorf("chunked passthrough: bad chunk size %q: %w", sizeText, err)
		}
		if size == 0 {
			for {
				trailerLine, err := br.ReadString('\n')
				if err != nil {
					return err
				}
				if _, err := io.WriteString(dst, trailerLine); err != nil {
					return err
				}
				if trailerLine == "\r\n" || trailerLine == "\n" {
					return nil
				}
			}
		}
		if _, err := io.CopyN(dst, br, size); err != nil {
			return err
		}
		crlf := make([]byte, 2)
		if _, err := io.ReadFull(br, crlf); err != nil {
			return err
		}
		if _, err := dst.Write(crlf); err != nil {
			return err
		}
	}
}

func indexAny(s, chars string) int {
	for i := 0; i < len(s); i++ {
		for j := 0; j < len(chars); j++ {
			if s[i] == chars[j] {
				return i
			}
		}
	}
	return -1
}

// streamResponse reads the upstream response head and body, forwards both
// to the client in 4 KiB chunks, and if fill is non-nil, buffers the body
// for a cache insert up to max_entry_bytes — beyond that it keeps
// streaming to the client but abandons the fill (spec.md §4.6 state 5).
func (h *Handler) streamResponse(conn net.Conn, upstream net.Conn, ctx *connctx.Context, req *httpparser.Request, fill *cache.FillHandle) (int64, string, error) {
	forwardTimeout := h.ForwardTimeout
	if forwardTimeout <= 0 {
		forwardTimeout = defaultForwardTimeout
	}
	defer upstream.SetReadDeadline(time.Time{})

	upstream.SetReadDeadline(time.Now().Add(forwardTimeout))
	// The body is read through the same buffered reader as the head, since
	// it may already hold body bytes read past the end of the head.
	ubr := bufio.NewReader(upstream)
	resp, err := readResponseHead(ubr, httpparser.MaxHeadBytes)
	if err != nil {
		if fill != nil {
			fill.Abandon()
		}
		return 0, "", err
	}

	n, err := conn.Write(resp.Raw)
	ctx.AddSent(int64(n))
	if err != nil {
		if fill != nil {
			fill.Abandon()
		}
		return int64(n), "", err
	}

	cacheable := fill != nil && isCacheable(req.Method, resp, fill.MaxEntryBytes())
	if fill != nil && !cacheable {
		fill.Abandon()
		fill = nil
	}

	var buffered []byte
	total := int64(n)

	switch {
	case resp.Chunked:
		written, err := copyWithDeadline(trackWriter{conn, ctx}, ubr, upstream, forwardTimeout)
		total += written
		if err != nil {
			return total, "", err
		}
	case resp.ContentLength >= 0:
		remaining := resp.ContentLength
		buf := make([]byte, defaultBodyBufSize)
		for remaining > 0 {
			chunk := int64(len(buf))
			if remaining < chunk {
				chunk = remaining
			}
			upstream.SetReadDeadline(time.Now().Add(forwardTimeout))
			nr, rerr := io.ReadFull(ubr, buf[:chunk])
			if nr > 0 {
				if fill != nil {
					buffered = appendBounded(buffered, buf[:nr], fill.MaxEntryBytes())
					if buffered == nil {
						fill.Abandon()
						fill = nil
					}
				}
				nw, werr := conn.Write(buf[:nr])
				ctx.AddSent(int64(nw))
				total += int64(nw)
				if werr != nil {
					if fill != nil {
						fill.Abandon()
					}
					return total, "", werr
				}
			}
			remaining -= int64(nr)
			if rerr != nil {
				if fill != nil {
					fill.Abandon()
				}
				return total, "", rerr
			}
		}
	default:
		// No framing info: a closing-delimited body. Stream until EOF.
		if fill != nil {
			fill.Abandon()
			fill = nil
		}
		written, err := copyWithDeadline(trackWriter{conn, ctx}, ubr, upstream, forwardTimeout)
		total += written
		if err != nil && !errors.Is(err, io.EOF) {
			return total, "", err
		}
	}

	outcome := ""
	if fill != nil {
		fill.Complete(append(resp.Raw, buffered...))
		outcome = "ALLOWED"
	}
	return total, outcome, nil
}

func appendBounded(buffered, chunk []byte, limit int64) []byte {
	if int64(len(buffered)+len(chunk)) > limit {
		return nil
	}
	return append(buffered, chunk...)
}

// copyWithDeadline copies from src (a reader over conn) to dst, re-arming
// conn's read deadline before every read so that the 30s
// forward-response-inactivity bound (spec.md §5) resets on each byte
// received rather than bounding the whole transfer.
func copyWithDeadline(dst io.Writer, src io.Reader, conn net.Conn, timeout time.Duration) (int64, error) {
	buf := make([]byte, defaultBodyBufSize)
	var total int64
	for {
		conn.SetReadDeadline(time.Now().Add(timeout))
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			total += int64(nw)
			if werr != nil {
				return total, werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return total, nil
			}
			return total, rerr
		}
	}
}

type trackWriter struct {
	conn net.Conn
	ctx  *connctx.Context
}

func (t trackWriter) Write(p []byte) (int, error) {
	n, err := t.conn.Write(p)
	t.ctx.AddSent(int64(n))
	return n, err
}

func (h *Handler) writeError(conn net.Conn, ctx *connctx.Context, perr *proxyerr.ProxyError, extraHeaders map[string]string) {
	body := perr.Body()
	head := fmt.Sprintf("HTTP/1.1 %d %s\r\n", perr.HTTPCode, http.StatusText(perr.HTTPCode))
	for k, v := range extraHeaders {
		head += fmt.Sprintf("%s: %s\r\n", k, v)
	}
	head += fmt.Sprintf("Content-Length: %d\r\nConnection: close\r\n\r\n", len(body))

	n, _ := conn.Write([]byte(head))
	ctx.AddSent(int64(n))
	n2, _ := conn.Write(body)
	ctx.AddSent(int64(n2))
}

func (h *Handler) logClosed(ctx *connctx.Context, method, target, version, upstreamAddr, outcome, reason string) {
	ctx.SetStage(connctx.Closed)
	h.tallyStats(outcome)
	h.Logger.Log(statslog.Entry{
		Time:         time.Now(),
		Level:        levelFor(outcome),
		Event:        eventFor(outcome),
		ClientAddr:   ctx.RemoteAddr,
		UpstreamAddr: upstreamAddr,
		Method:       method,
		Target:       target,
		Version:      version,
		Outcome:      outcome,
		Sent:         ctx.BytesSent.Load(),
		Recv:         ctx.BytesRecv.Load(),
		Reason:       reason,
	})
}

func (h *Handler) tallyStats(outcome string) {
	if h.Stats == nil {
		return
	}
	switch outcome {
	case "BLOCKED":
		h.Stats.Blocked.Add(1)
	case "AUTH_CHALLENGE", "AUTH_FAILED":
		h.Stats.AuthFails.Add(1)
	case "TUNNELED":
		h.Stats.Tunneled.Add(1)
		h.Stats.Allowed.Add(1)
	case "CACHE_HIT":
		h.Stats.CacheHits.Add(1)
		h.Stats.Allowed.Add(1)
	case "ALLOWED":
		h.Stats.Forwarded.Add(1)
		h.Stats.Allowed.Add(1)
	case "ERROR", "DIAL_FAILED", "PARSE_ERROR":
		h.Stats.Errors.Add(1)
	}
}

func levelFor(outcome string) statslog.Level {
	switch outcome {
	case "ERROR", "DIAL_FAILED", "PARSE_ERROR":
		return statslog.LevelError
	case "BLOCKED", "AUTH_CHALLENGE", "AUTH_FAILED", "HEAD_TIMEOUT":
		return statslog.LevelWarn
	default:
		return statslog.LevelInfo
	}
}

func eventFor(outcome string) string {
	switch outcome {
	case "BLOCKED":
		return statslog.EventBlock
	case "AUTH_CHALLENGE", "AUTH_FAILED":
		return statslog.EventAuth
	case "TUNNELED":
		return statslog.EventTunnel
	case "CACHE_HIT":
		return statslog.EventCacheHit
	case "ALLOWED":
		return statslog.EventForward
	case "ERROR", "DIAL_FAILED", "PARSE_ERROR":
		return statslog.EventError
	default:
		return statslog.EventAllow
	}
}
