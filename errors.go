package bridge

import (
	"errors"
	"fmt"
)

// Error constants used throughout the bridge library.
// These provide standardized errors for common failure conditions.
var (
	// ErrBadMagic is returned when a decoded header's magic field is not the
	// bitwise complement of its command tag.
	ErrBadMagic = errors.New("packet magic does not match command")

	// ErrChecksumMismatch is returned when payload verification is required
	// by the negotiated protocol version and the computed checksum differs
	// from the one declared in the header.
	ErrChecksumMismatch = errors.New("packet checksum mismatch")

	// ErrPayloadTooLarge is returned when a header declares a payload larger
	// than the negotiated maximum.
	ErrPayloadTooLarge = errors.New("packet payload exceeds negotiated maximum")

	// ErrUnknownCommand is returned by transport dispatch for a structurally
	// valid packet carrying a command tag outside the closed set.
	ErrUnknownCommand = errors.New("unknown command tag")

	// ErrCreditViolation is raised when credit accounting goes out of sync,
	// i.e. an acknowledgment arrives for a send that was never in flight.
	ErrCreditViolation = errors.New("credit accounting violation")

	// ErrBacklogExceeded is returned when a socket's outbound backlog grows
	// past its configured bound while the socket holds no credit.
	ErrBacklogExceeded = errors.New("socket backlog bound exceeded")

	// ErrTransportOffline is returned when attempting an operation on a
	// transport that has reached its terminal OFFLINE state.
	ErrTransportOffline = errors.New("transport is offline")

	// ErrSocketClosed is returned when writing to a socket that has already
	// completed its close handshake.
	ErrSocketClosed = errors.New("socket has been closed")

	// ErrDisconnected is delivered to in-flight open requests when their
	// transport is torn down before the peer acknowledged the open.
	ErrDisconnected = errors.New("transport disconnected")

	// ErrLoopClosed is returned when submitting work to an event loop that
	// has been shut down.
	ErrLoopClosed = errors.New("event loop is closed")

	// ErrHandshakeTimeout is the cause recorded when the handshake deadline
	// fires before a transport reaches ONLINE.
	ErrHandshakeTimeout = errors.New("handshake deadline exceeded")

	// ErrServiceRejected is returned when the service dispatcher refuses to
	// produce a handler for a requested service string.
	ErrServiceRejected = errors.New("service rejected")
)

// ProtocolError wraps a connection-fatal framing or dispatch failure. Any
// ProtocolError observed on a transport forces it OFFLINE.
type ProtocolError struct {
	Cmd Command // command being processed, zero if unknown at failure time
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Cmd != 0 {
		return fmt.Sprintf("protocol error while handling %s: %s", e.Cmd, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// FlowError wraps a flow-control failure. It is fatal only to the offending
// socket; sibling sockets on the same transport are unaffected.
type FlowError struct {
	LocalID uint32
	Err     error
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("flow error on socket %d: %s", e.LocalID, e.Err)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}
