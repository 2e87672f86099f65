package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/KarpelesLab/rchan"
)

// SockState tracks one socket's position in its open/close handshake.
type SockState int

const (
	// SockOpening means an OPEN was sent or received and the socket awaits
	// acknowledgment.
	SockOpening SockState = iota
	// SockConnected means the socket is established and may carry data.
	SockConnected
	// SockClosing means a CLSE was sent or received and remaining buffered
	// data is draining.
	SockClosing
	// SockClosed is terminal; the socket has been removed from its
	// transport's registry.
	SockClosed
)

func (s SockState) String() string {
	switch s {
	case SockOpening:
		return "OPENING"
	case SockConnected:
		return "CONNECTED"
	case SockClosing:
		return "CLOSING"
	case SockClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("SockState(%d)", int(s))
}

// Socket is one multiplexed logical stream within a transport. The transport
// exclusively owns the socket's lifetime; the socket holds only a non-owning
// back-reference for lookups and replies.
//
// All socket state is owned by the loop's dispatch goroutine. Application
// code off the loop interacts through Transport.Open and Loop.Submit.
//
// Flow control is per-packet: at most one WRTE may be unacknowledged at any
// time, and each OKAY received restores the single credit unit. Data queued
// while holding no credit accumulates in the backlog up to the transport's
// configured bound; exceeding the bound is fatal to this socket only.
type Socket struct {
	t       *Transport
	localID uint32
	// remoteID is meaningful only once the socket is paired (CONNECTED).
	remoteID uint32
	service  string
	state    SockState

	backlog IOVector
	credit  int

	handler    Handler
	localEOF   bool
	peerClosed bool
	clseSent   bool

	// pending local open awaiting the peer's OKAY, zero when none
	replyID rchan.Id
}

// LocalID returns the socket's id within its owning transport.
func (s *Socket) LocalID() uint32 { return s.localID }

// RemoteID returns the peer's id for this stream, zero until paired.
func (s *Socket) RemoteID() uint32 { return s.remoteID }

// State returns the socket's current lifecycle state.
func (s *Socket) State() SockState { return s.state }

// Service returns the service string this socket was opened with.
func (s *Socket) Service() string { return s.service }

// Transport returns the transport owning this socket.
func (s *Socket) Transport() *Transport { return s.t }

// Enqueue appends data to the socket's outbound stream. Must be called on
// the loop's dispatch goroutine (handlers already are; other goroutines go
// through Loop.Submit). Data queued without send credit is buffered up to
// the backlog bound.
func (s *Socket) Enqueue(b []byte) error {
	if s.state == SockClosed || s.clseSent {
		return ErrSocketClosed
	}
	block := make(Block, len(b))
	copy(block, b)
	s.backlog.Append(block)

	s.flush()
	if s.state == SockClosed {
		// flush detected a flow error and tore the socket down
		return &FlowError{LocalID: s.localID, Err: ErrBacklogExceeded}
	}
	return nil
}

// SignalEOF marks the local end of the stream: the handler will produce no
// more data. Remaining backlog still drains; the CLSE goes out once it has.
func (s *Socket) SignalEOF() {
	if s.localEOF || s.state == SockClosed {
		return
	}
	s.localEOF = true
	s.flush()
}

// flush sends as many WRTE packets as the current credit allows, then
// completes the half-close if the local side is done. Also enforces the
// backlog bound for credit-starved sockets.
func (s *Socket) flush() {
	if s.state != SockConnected && s.state != SockClosing {
		return
	}

	for s.credit > 0 && !s.backlog.Empty() {
		n := s.backlog.Len()
		if n > int(s.t.maxPayload) {
			n = int(s.t.maxPayload)
		}
		chunk := s.backlog.TakeFront(n)
		s.t.send(CmdWrte, s.localID, s.remoteID, chunk.Coalesce())
		s.credit--
	}

	if s.credit == 0 && s.backlog.Len() > s.t.maxBacklog {
		slog.Warn(fmt.Sprintf("[bridge] socket %d backlog %d exceeds bound %d, closing",
			s.localID, s.backlog.Len(), s.t.maxBacklog),
			"event", "bridge:socket:backlog_overflow")
		s.t.closeSocket(s, ErrBacklogExceeded)
		return
	}

	if s.localEOF && s.backlog.Empty() && !s.clseSent {
		s.clseSent = true
		s.t.send(CmdClse, s.localID, s.remoteID, nil)
		if s.peerClosed {
			s.t.destroySocket(s)
		} else {
			s.state = SockClosing
		}
	}
}

// handleOkay processes an OKAY routed to this socket. In OPENING it
// completes the open; in CONNECTED it restores send credit.
func (s *Socket) handleOkay(p *Packet) {
	switch s.state {
	case SockOpening:
		s.remoteID = p.Arg0
		s.state = SockConnected
		s.credit = 1
		s.completeOpen(nil)
		s.flush()
	case SockConnected, SockClosing:
		if s.credit > 0 {
			// acknowledgment for a send that was never in flight: the
			// peer's credit accounting is out of sync with ours
			s.t.closeSocket(s, &FlowError{LocalID: s.localID, Err: ErrCreditViolation})
			return
		}
		s.credit = 1
		s.flush()
	default:
		slog.Debug(fmt.Sprintf("[bridge] ignoring OKAY for socket %d in state %s", s.localID, s.state),
			"event", "bridge:socket:stray_okay")
	}
}

// handleWrte delivers a WRTE payload to the bound handler and acknowledges
// it with OKAY once accepted.
func (s *Socket) handleWrte(p *Packet) {
	if s.state != SockConnected {
		slog.Debug(fmt.Sprintf("[bridge] ignoring WRTE for socket %d in state %s", s.localID, s.state),
			"event", "bridge:socket:stray_wrte")
		return
	}
	if s.handler != nil {
		if err := s.handler.Accept(p.Payload); err != nil {
			slog.Info(fmt.Sprintf("[bridge] handler for socket %d failed: %s", s.localID, err),
				"event", "bridge:socket:handler_fail")
			s.t.closeSocket(s, err)
			return
		}
	}
	s.t.send(CmdOkay, s.localID, s.remoteID, nil)
}

// handleClse processes a peer close. An OPENING socket treats it as open
// rejection; an established one completes or begins the half-close.
func (s *Socket) handleClse() {
	if s.peerClosed {
		return
	}
	s.peerClosed = true

	switch s.state {
	case SockOpening:
		s.completeOpen(ErrServiceRejected)
		s.t.destroySocket(s)
	case SockConnected, SockClosing:
		if s.localEOF || s.handler == nil {
			if !s.clseSent {
				s.clseSent = true
				s.t.send(CmdClse, s.localID, s.remoteID, nil)
			}
			s.t.destroySocket(s)
		} else {
			s.state = SockClosing
			if n, ok := s.handler.(EOFNotifier); ok {
				n.NotifyEOF()
			}
		}
	}
}

// completeOpen delivers the result of a pending local open request, if any.
// The result travels off the loop goroutine with a bounded wait so a gone
// requester cannot stall dispatch.
func (s *Socket) completeOpen(err error) {
	id := s.replyID
	s.replyID = 0
	if id == 0 {
		return
	}
	var val any
	if err != nil {
		val = err
	} else {
		val = s
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		id.Send(ctx, val)
	}()
}
