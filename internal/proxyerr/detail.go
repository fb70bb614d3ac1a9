package proxyerr

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"syscall"
)

const maxDetailMsgLen = 512

// Detail summarizes an I/O or dial error for the `reason=` field of a
// StatsLogger event (spec.md §6), without affecting which HTTP status or
// disposition (spec.md §7) is chosen — that decision is ClassifyDialError /
// ClassifyIOError's job. Modelled on the teacher's
// proxy/error_detail.go:summarizeUpstreamError.
type Detail struct {
	Kind    string
	Errno   string
	Message string
}

// Summarize classifies err into a short machine-readable Kind plus a
// truncated, single-line Message suitable for a log line.
func Summarize(err error) Detail {
	if err == nil {
		return Detail{}
	}
	errno := extractErrnoCode(err)
	return Detail{
		Kind:    classifyKind(err, errno),
		Errno:   errno,
		Message: sanitizeMsg(err.Error()),
	}
}

func classifyKind(err error, errno string) string {
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return "eof"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns_error"
	}

	var certInvalidErr x509.CertificateInvalidError
	if errors.As(err, &certInvalidErr) {
		return "tls_cert_invalid"
	}
	var unknownAuthErr x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthErr) {
		return "tls_unknown_authority"
	}
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return "tls_hostname_invalid"
	}
	var recordHeaderErr tls.RecordHeaderError
	if errors.As(err, &recordHeaderErr) {
		return "tls_record_header"
	}

	switch errno {
	case "ECONNREFUSED":
		return "connection_refused"
	case "ECONNRESET":
		return "connection_reset"
	case "ECONNABORTED":
		return "connection_aborted"
	case "ENETUNREACH":
		return "network_unreachable"
	case "EHOSTUNREACH":
		return "host_unreachable"
	case "EPIPE":
		return "broken_pipe"
	case "ETIMEDOUT":
		return "timeout"
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch strings.ToLower(opErr.Op) {
		case "dial":
			return "dial_error"
		case "read":
			return "read_error"
		case "write":
			return "write_error"
		default:
			return "net_op_error"
		}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return "url_error"
	}

	return "network_error"
}

func extractErrnoCode(err error) string {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return ""
	}
	switch errno {
	case syscall.ECONNREFUSED:
		return "ECONNREFUSED"
	case syscall.ECONNRESET:
		return "ECONNRESET"
	case syscall.ECONNABORTED:
		return "ECONNABORTED"
	case syscall.ENETUNREACH:
		return "ENETUNREACH"
	case syscall.EHOSTUNREACH:
		return "EHOSTUNREACH"
	case syscall.EPIPE:
		return "EPIPE"
	case syscall.ETIMEDOUT:
		return "ETIMEDOUT"
	default:
		return ""
	}
}

func sanitizeMsg(raw string) string {
	raw = strings.Join(strings.Fields(strings.TrimSpace(raw)), " ")
	if raw == "" {
		return ""
	}
	if len(raw) > maxDetailMsgLen {
		return raw[:maxDetailMsgLen]
	}
	return raw
}

// IsBenignCopyError reports whether err is an ordinary consequence of one
// side of a Relay (spec.md §4.5) closing — not a real transport failure and
// not worth logging as ERROR.
func IsBenignCopyError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "closed network connection")
}

// ClassifyIOError maps an error observed while already streaming (request
// body pass-through, response copy, or a Relay pump) to the UpstreamIOError
// disposition of spec.md §7, unless it is benign (ClientGone) or a client
// cancellation.
func ClassifyIOError(err error) *ProxyError {
	if err == nil || IsBenignCopyError(err) {
		return nil
	}
	if os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return ErrDialTimeout
	}
	return ErrDialFailed
}
