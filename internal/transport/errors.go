package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrTransportClosed is returned when opening a channel on a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// ConnectErrorKind classifies why a Connect failed.
type ConnectErrorKind int

const (
	KindGeneric ConnectErrorKind = iota
	KindTimeout
	KindAuth
	KindRefused
)

func (k ConnectErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindAuth:
		return "authentication failed"
	case KindRefused:
		return "connection refused"
	default:
		return "error"
	}
}

// ConnectError reports a failure to bring up the chain. Hop is 1-based.
type ConnectError struct {
	Kind ConnectErrorKind
	Hop  int
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect hop %d (%s): %s: %v", e.Hop, e.Addr, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

func newConnectError(hop int, addr string, err error) *ConnectError {
	return &ConnectError{Kind: classify(err), Hop: hop, Addr: addr, Err: err}
}

func classify(err error) ConnectErrorKind {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return KindTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindRefused
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return KindTimeout
	case strings.Contains(msg, "unable to authenticate"), strings.Contains(msg, "authentication"):
		return KindAuth
	case strings.Contains(msg, "refused"):
		return KindRefused
	}
	return KindGeneric
}

// ChannelOpenError means the transport is up but the final hop could not
// (or would not) reach the destination.
type ChannelOpenError struct {
	Addr string
	Err  error
}

func (e *ChannelOpenError) Error() string {
	return fmt.Sprintf("open channel to %s: %v", e.Addr, e.Err)
}

func (e *ChannelOpenError) Unwrap() error {
	return e.Err
}
