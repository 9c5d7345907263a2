package p2p

import (
	"errors"
	"fmt"
)

var (
	// ErrBadMultiaddr indicates a multiaddress that cannot be parsed into a
	// supported address-family/transport pair.
	ErrBadMultiaddr = errors.New("p2p: invalid multiaddress")

	// ErrPeerUnknown is returned by request operations when the target
	// identity has no record in the peerset.
	ErrPeerUnknown = errors.New("p2p: unknown peer")

	// ErrNotConnected is returned by request operations when the target peer
	// has no established connection.
	ErrNotConnected = errors.New("p2p: peer not connected")

	// ErrConnectionClosed indicates the connection task is gone: its command
	// channel is closed or its reply channel was dropped without an answer.
	ErrConnectionClosed = errors.New("p2p: connection closed")

	// ErrRequestFailed is the request-scoped failure marker: the remote
	// answered with an error or the response could not be decoded. The
	// connection itself stays established.
	ErrRequestFailed = errors.New("p2p: request failed")

	// ErrServiceClosed is returned by front-end operations after Close.
	ErrServiceClosed = errors.New("p2p: service closed")
)

// HandshakeErrorKind distinguishes the terminal failure modes of the
// handshake phase.
type HandshakeErrorKind int

const (
	// HandshakeIo covers socket-level failures before or during the handshake.
	HandshakeIo HandshakeErrorKind = iota
	// HandshakeTimeout fires when the fixed wall-clock bound elapses with no
	// forward progress.
	HandshakeTimeout
	// HandshakeUnexpectedEOF means the remote closed mid-handshake.
	HandshakeUnexpectedEOF
	// HandshakeProtocol covers malformed handshake data and failed identity
	// verification.
	HandshakeProtocol
)

func (k HandshakeErrorKind) String() string {
	switch k {
	case HandshakeIo:
		return "io"
	case HandshakeTimeout:
		return "timeout"
	case HandshakeUnexpectedEOF:
		return "unexpected eof"
	case HandshakeProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// HandshakeError is the terminal error of one connection attempt. It is fatal
// to that attempt only and is never retried automatically.
type HandshakeError struct {
	Kind  HandshakeErrorKind
	Cause error
}

func (e *HandshakeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("p2p: handshake %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("p2p: handshake %s", e.Kind)
}

func (e *HandshakeError) Unwrap() error { return e.Cause }

// InitError reports a per-address initialization failure. Listener failures
// are reported per address, never aggregated.
type InitError struct {
	Addr  Multiaddr
	Bind  error // nil when the address itself failed to parse into a bindable target
	Cause error
}

func (e *InitError) Error() string {
	if e.Bind != nil {
		return fmt.Sprintf("p2p: listener %s: %v", e.Addr, e.Bind)
	}
	return fmt.Sprintf("p2p: bad listen multiaddress %s: %v", e.Addr, e.Cause)
}

func (e *InitError) Unwrap() error {
	if e.Bind != nil {
		return e.Bind
	}
	return e.Cause
}
