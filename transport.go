package bridge

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/KarpelesLab/rchan"
	"github.com/google/uuid"
)

// Role selects which side of the handshake this transport plays.
type Role int

const (
	// RoleDevice waits for the peer's CNXN and challenges it when a
	// verifier is configured.
	RoleDevice Role = iota
	// RoleHost sends CNXN first and answers AUTH challenges.
	RoleHost
)

func (r Role) String() string {
	if r == RoleHost {
		return "host"
	}
	return "device"
}

// TransState tracks a transport's lifecycle.
type TransState int

const (
	// StateOffline is both the initial state and the terminal one; a
	// transport that went OFFLINE is never reused.
	StateOffline TransState = iota
	// StateConnecting means the connection handle is live and the CNXN
	// exchange is in progress.
	StateConnecting
	// StateAuthorizing means an AUTH exchange is in progress.
	StateAuthorizing
	// StateUnauthorized means signature verification failed or an unknown
	// key was offered; the transport awaits a retry or external approval.
	StateUnauthorized
	// StateOnline means the transport carries multiplexed socket traffic.
	StateOnline
)

func (s TransState) String() string {
	switch s {
	case StateOffline:
		return "OFFLINE"
	case StateConnecting:
		return "CONNECTING"
	case StateAuthorizing:
		return "AUTHORIZING"
	case StateUnauthorized:
		return "UNAUTHORIZED"
	case StateOnline:
		return "ONLINE"
	}
	return fmt.Sprintf("TransState(%d)", int(s))
}

// Transport owns one physical connection: it frames bytes into packets,
// runs the connect/authenticate/online state machine, and routes packets
// between the wire and the sockets it owns.
//
// All mutable state is owned by the hub's loop goroutine except the few
// fields mirrored under mu for external readers.
type Transport struct {
	hub  *Hub
	id   uuid.UUID
	role Role
	conn io.ReadWriteCloser
	reg  *Registration

	mu         sync.RWMutex // guards the externally readable mirror below
	state      TransState
	version    uint32
	maxPayload uint32
	peerBanner string
	offlineErr error

	maxBacklog int

	rbuf    IOVector // incoming bytes not yet framed
	pending *Header  // decoded header awaiting its payload
	out     IOVector // encoded packets awaiting the write pump

	sockets map[uint32]*Socket
	nextID  uint32

	hsTimer  TimerID
	hsEpoch  uint64 // invalidates async auth results from a previous phase
	token    []byte // last challenge sent (device role)
	attempts int    // signatures produced so far (host role)

	pendingKey []byte // public key awaiting external approval

	done     chan struct{} // closed when the transport reaches OFFLINE
	doneOnce sync.Once
}

func newTransport(h *Hub, conn io.ReadWriteCloser, role Role) *Transport {
	return &Transport{
		hub:        h,
		id:         uuid.New(),
		role:       role,
		conn:       conn,
		state:      StateOffline,
		version:    h.version,
		maxPayload: h.maxPayload,
		maxBacklog: h.maxBacklog,
		sockets:    make(map[uint32]*Socket),
		done:       make(chan struct{}),
	}
}

// ID returns the transport's unique identity.
func (t *Transport) ID() uuid.UUID { return t.id }

// Role returns which side of the handshake this transport plays.
func (t *Transport) Role() Role { return t.role }

// State returns the transport's current lifecycle state.
func (t *Transport) State() TransState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Version returns the negotiated protocol version.
func (t *Transport) Version() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// MaxPayload returns the negotiated maximum payload size.
func (t *Transport) MaxPayload() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.maxPayload
}

// PeerBanner returns the banner string the peer sent in its CNXN.
func (t *Transport) PeerBanner() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.peerBanner
}

// Done returns a channel closed once the transport reaches OFFLINE. Err
// reports why.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Err returns the error that forced the transport OFFLINE, nil while it is
// still usable.
func (t *Transport) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.offlineErr
}

func (t *Transport) setState(s TransState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// start moves the transport to CONNECTING. Runs on the loop goroutine.
func (t *Transport) start() {
	t.setState(StateConnecting)
	t.reg = t.hub.loop.Register(t.conn, HandleCallbacks{
		OnRead:     t.onRead,
		OnWritable: t.onWritable,
		OnError:    t.onIOError,
	})
	t.armHandshakeTimer()
	metricTransports.Inc()

	slog.Debug(fmt.Sprintf("[bridge] transport %s starting as %s", t.id, t.role),
		"event", "bridge:transport:start", "bridge.transport", t.id.String())

	if t.role == RoleHost {
		t.sendCnxn()
	}
}

func (t *Transport) armHandshakeTimer() {
	if t.hsTimer != 0 {
		t.hub.loop.CancelTimer(t.hsTimer)
	}
	t.hsTimer = t.hub.loop.ScheduleTimer(t.hub.handshakeTimeout, t.onHandshakeTimeout)
}

func (t *Transport) onHandshakeTimeout() {
	switch t.State() {
	case StateConnecting, StateAuthorizing, StateUnauthorized:
		slog.Info(fmt.Sprintf("[bridge] transport %s handshake timed out", t.id),
			"event", "bridge:transport:handshake_timeout", "bridge.transport", t.id.String())
		t.setOffline(ErrHandshakeTimeout)
	}
}

// send encodes one packet with the negotiated version, queues it and arms
// write interest. Runs on the loop goroutine.
func (t *Transport) send(cmd Command, arg0, arg1 uint32, payload []byte) {
	if t.State() == StateOffline {
		return
	}
	p := NewPacket(cmd, arg0, arg1, payload)
	wire := EncodePacket(p, t.Version())
	tracef("send %s arg0=%#x arg1=%#x len=%d", cmd, arg0, arg1, len(payload))
	metricPacketsOut.WithLabelValues(cmd.String()).Inc()
	metricBytesOut.Add(float64(len(wire)))
	t.out.Append(Block(wire))
	t.hub.loop.SetWriteInterest(t.reg, true)
}

// onWritable hands the next outbound chunk to the write pump. Returning an
// empty slice disarms write interest, so the loop never spins on an
// always-writable handle.
func (t *Transport) onWritable() []byte {
	if t.out.Empty() {
		return nil
	}
	n := t.out.Len()
	if n > 256*1024 {
		n = 256 * 1024
	}
	chunk := t.out.TakeFront(n)
	return chunk.Coalesce()
}

func (t *Transport) onIOError(err error) {
	if t.State() == StateOffline {
		return
	}
	slog.Info(fmt.Sprintf("[bridge] transport %s I/O error: %s", t.id, err),
		"event", "bridge:transport:io_error", "bridge.transport", t.id.String())
	t.setOffline(fmt.Errorf("transport I/O failure: %w", err))
}

// onRead frames incoming bytes into packets and dispatches them in wire
// arrival order.
func (t *Transport) onRead(b []byte) {
	metricBytesIn.Add(float64(len(b)))
	t.rbuf.Append(Block(b))

	for t.State() != StateOffline {
		if t.pending == nil {
			if t.rbuf.Len() < HeaderLen {
				return
			}
			hdr := t.rbuf.TakeFront(HeaderLen).Coalesce()
			h, err := DecodeHeader(hdr, t.MaxPayload())
			if err != nil {
				t.protocolError(err)
				return
			}
			t.pending = &h
		}

		if t.rbuf.Len() < int(t.pending.DataLength) {
			return
		}
		payload := t.rbuf.TakeFront(int(t.pending.DataLength)).Coalesce()
		p, err := DecodePayload(*t.pending, payload, t.Version())
		t.pending = nil
		if err != nil {
			t.protocolError(err)
			return
		}
		t.dispatch(p)
	}
}

func (t *Transport) protocolError(err error) {
	metricProtocolErrors.Inc()
	slog.Warn(fmt.Sprintf("[bridge] transport %s protocol error: %s", t.id, err),
		"event", "bridge:transport:protocol_error", "bridge.transport", t.id.String())
	t.setOffline(err)
}

// dispatch routes one decoded packet according to transport state.
func (t *Transport) dispatch(p *Packet) {
	tracef("recv %s arg0=%#x arg1=%#x len=%d", p.Command, p.Arg0, p.Arg1, len(p.Payload))
	metricPacketsIn.WithLabelValues(p.Command.String()).Inc()

	if !p.Command.known() {
		t.protocolError(&ProtocolError{Cmd: p.Command, Err: ErrUnknownCommand})
		return
	}

	switch t.State() {
	case StateConnecting:
		switch p.Command {
		case CmdCnxn:
			t.handleCnxn(p)
		case CmdAuth:
			if t.role == RoleHost && p.Arg0 == AuthToken {
				t.handleAuthChallenge(p)
				return
			}
			t.protocolError(&ProtocolError{Cmd: CmdAuth, Err: errors.New("unexpected AUTH while connecting")})
		case CmdStls:
			t.protocolError(&ProtocolError{Cmd: CmdStls, Err: errors.New("tls upgrade not supported")})
		default:
			slog.Debug(fmt.Sprintf("[bridge] transport %s ignoring %s while CONNECTING", t.id, p.Command),
				"event", "bridge:transport:stray_packet")
		}

	case StateAuthorizing, StateUnauthorized:
		switch p.Command {
		case CmdAuth:
			t.handleAuth(p)
		case CmdCnxn:
			// host role: the device accepted our signature
			if t.role == RoleHost {
				t.handleCnxn(p)
				return
			}
			t.protocolError(&ProtocolError{Cmd: CmdCnxn, Err: errors.New("unexpected CNXN while authorizing")})
		default:
			slog.Debug(fmt.Sprintf("[bridge] transport %s ignoring %s while authorizing", t.id, p.Command),
				"event", "bridge:transport:stray_packet")
		}

	case StateOnline:
		switch p.Command {
		case CmdOpen:
			t.handleOpen(p)
		case CmdOkay, CmdWrte, CmdClse:
			t.route(p)
		default:
			slog.Debug(fmt.Sprintf("[bridge] transport %s ignoring %s while ONLINE", t.id, p.Command),
				"event", "bridge:transport:stray_packet")
		}
	}
}

func (t *Transport) sendCnxn() {
	t.send(CmdCnxn, t.hub.version, t.hub.maxPayload, []byte(t.hub.banner))
}

// handleCnxn negotiates version and payload bounds. For a device the next
// step is either ONLINE or an AUTH challenge; a host receiving CNXN is done.
func (t *Transport) handleCnxn(p *Packet) {
	peerVersion := p.Arg0
	peerMax := p.Arg1
	if peerMax == 0 {
		// legacy peers advertise no maximum
		peerMax = MaxPayloadLegacy
	}

	version := min(t.hub.version, peerVersion)
	maxPayload := min(t.hub.maxPayload, peerMax)

	t.mu.Lock()
	t.version = version
	t.maxPayload = maxPayload
	t.peerBanner = string(p.Payload)
	t.mu.Unlock()

	slog.Debug(fmt.Sprintf("[bridge] transport %s negotiated version=%#x max_payload=%d banner=%q",
		t.id, version, maxPayload, string(p.Payload)),
		"event", "bridge:transport:negotiated", "bridge.transport", t.id.String())

	if t.role == RoleHost {
		t.goOnline()
		return
	}

	if t.hub.verifier != nil {
		t.sendChallenge()
		t.setState(StateAuthorizing)
		t.armHandshakeTimer()
		return
	}

	t.sendCnxn()
	t.goOnline()
}

func (t *Transport) sendChallenge() {
	t.token = make([]byte, AuthTokenLen)
	if _, err := rand.Read(t.token); err != nil {
		// rand.Read failing means the platform RNG is broken
		t.setOffline(fmt.Errorf("failed to generate auth token: %w", err))
		return
	}
	t.send(CmdAuth, AuthToken, 0, t.token)
}

// handleAuthChallenge is the host side: sign the device's token on a worker
// goroutine and reply with AUTH(SIGNATURE), falling back to our public key
// once the signer has no more keys to try.
func (t *Transport) handleAuthChallenge(p *Packet) {
	t.setState(StateAuthorizing)
	t.armHandshakeTimer()

	if t.hub.signer == nil {
		t.protocolError(&ProtocolError{Cmd: CmdAuth, Err: errors.New("peer requires authentication but no signer configured")})
		return
	}

	if t.attempts > 0 && !t.hub.signer.NextKey() {
		pub := t.hub.signer.PublicKey()
		t.send(CmdAuth, AuthRSAPublicKey, 0, append(pub, 0))
		return
	}
	t.attempts++

	epoch := t.hsEpoch
	signer := t.hub.signer
	token := bytes.Clone(p.Payload)
	go func() {
		sig, err := signer.Sign(token)
		t.hub.loop.Submit(func() {
			if t.hsEpoch != epoch || t.State() != StateAuthorizing {
				return
			}
			if err != nil {
				t.setOffline(fmt.Errorf("signing auth token: %w", err))
				return
			}
			t.send(CmdAuth, AuthSignature, 0, sig)
		})
	}()
}

// handleAuth is the device side of the AUTH exchange.
func (t *Transport) handleAuth(p *Packet) {
	if t.role == RoleHost {
		// a host only ever receives TOKEN challenges
		if p.Arg0 == AuthToken {
			t.handleAuthChallenge(p)
			return
		}
		t.protocolError(&ProtocolError{Cmd: CmdAuth, Err: fmt.Errorf("unexpected AUTH subcommand %d", p.Arg0)})
		return
	}

	switch p.Arg0 {
	case AuthSignature:
		t.verifySignature(p.Payload)
	case AuthRSAPublicKey:
		t.handlePublicKey(p.Payload)
	default:
		t.protocolError(&ProtocolError{Cmd: CmdAuth, Err: fmt.Errorf("unexpected AUTH subcommand %d", p.Arg0)})
	}
}

// verifySignature checks the peer's signature over our token on a worker
// goroutine; verification is opaque crypto and must not block dispatch.
func (t *Transport) verifySignature(sig []byte) {
	t.setState(StateAuthorizing)

	epoch := t.hsEpoch
	verifier := t.hub.verifier
	token := bytes.Clone(t.token)
	sig = bytes.Clone(sig)
	go func() {
		ok, err := verifier.Verify(token, sig)
		t.hub.loop.Submit(func() {
			if t.hsEpoch != epoch || t.State() != StateAuthorizing {
				return
			}
			if err != nil {
				t.setOffline(fmt.Errorf("verifying auth signature: %w", err))
				return
			}
			if ok {
				t.sendCnxn()
				t.goOnline()
				return
			}
			// failed signature: issue a fresh challenge and wait for a
			// retry or for external approval
			slog.Info(fmt.Sprintf("[bridge] transport %s signature rejected", t.id),
				"event", "bridge:transport:auth_reject", "bridge.transport", t.id.String())
			t.setState(StateUnauthorized)
			t.sendChallenge()
		})
	}()
}

// handlePublicKey processes AUTH(RSAPUBLICKEY): a peer offering a key we
// already trust comes online directly, anything else waits for external
// approval via Approve or Deny.
func (t *Transport) handlePublicKey(blob []byte) {
	blob = bytes.TrimRight(blob, "\x00")

	if t.hub.keys != nil && t.hub.keys.Trusted(blob) {
		t.sendCnxn()
		t.goOnline()
		return
	}

	t.pendingKey = bytes.Clone(blob)
	t.setState(StateUnauthorized)
	slog.Info(fmt.Sprintf("[bridge] transport %s offered unknown public key, awaiting approval", t.id),
		"event", "bridge:transport:unauthorized", "bridge.transport", t.id.String())
}

// Approve accepts the public key a peer offered while UNAUTHORIZED, moving
// the transport ONLINE. When persist is set the key is added to the hub's
// key store so future connections skip approval. Callable from any
// goroutine.
func (t *Transport) Approve(persist bool) error {
	return t.hub.loop.Submit(func() {
		if t.State() != StateUnauthorized || t.pendingKey == nil {
			return
		}
		key := t.pendingKey
		t.pendingKey = nil

		if persist && t.hub.keys != nil {
			// store write is disk I/O, keep it off the loop goroutine
			ks := t.hub.keys
			go func() {
				if err := ks.TrustKey(key, ""); err != nil {
					slog.Warn(fmt.Sprintf("[bridge] failed to persist approved key: %s", err),
						"event", "bridge:keystore:persist_fail")
				}
			}()
		}

		t.sendCnxn()
		t.goOnline()
	})
}

// Deny rejects the pending public key and re-challenges the peer. Callable
// from any goroutine.
func (t *Transport) Deny() error {
	return t.hub.loop.Submit(func() {
		if t.State() != StateUnauthorized {
			return
		}
		t.pendingKey = nil
		t.setState(StateAuthorizing)
		t.armHandshakeTimer()
		t.sendChallenge()
	})
}

func (t *Transport) goOnline() {
	if t.hsTimer != 0 {
		t.hub.loop.CancelTimer(t.hsTimer)
		t.hsTimer = 0
	}
	t.hsEpoch++
	t.setState(StateOnline)
	slog.Info(fmt.Sprintf("[bridge] transport %s online (peer %q)", t.id, t.PeerBanner()),
		"event", "bridge:transport:online", "bridge.transport", t.id.String())
}

// handleOpen services an OPEN from the peer: allocate a socket, hand it to
// the service dispatcher, and either confirm with OKAY or refuse with CLSE.
func (t *Transport) handleOpen(p *Packet) {
	remoteID := p.Arg0
	service := string(bytes.TrimRight(p.Payload, "\x00"))

	if remoteID == 0 {
		t.protocolError(&ProtocolError{Cmd: CmdOpen, Err: errors.New("OPEN with zero stream id")})
		return
	}
	for _, s := range t.sockets {
		if s.remoteID == remoteID {
			slog.Debug(fmt.Sprintf("[bridge] transport %s duplicate OPEN for remote id %d", t.id, remoteID),
				"event", "bridge:transport:dup_open")
			t.send(CmdClse, 0, remoteID, nil)
			return
		}
	}

	s := t.newSocket(service)
	s.remoteID = remoteID

	h, err := t.hub.services.Connect(service, s)
	if err != nil {
		slog.Info(fmt.Sprintf("[bridge] transport %s refusing service %q: %s", t.id, service, err),
			"event", "bridge:transport:open_reject", "bridge.transport", t.id.String())
		delete(t.sockets, s.localID)
		metricSockets.Dec()
		t.send(CmdClse, 0, remoteID, nil)
		return
	}

	s.handler = h
	s.state = SockConnected
	s.credit = 1
	t.send(CmdOkay, s.localID, s.remoteID, nil)
	// anything the handler queued while binding can go out now
	s.flush()
	slog.Debug(fmt.Sprintf("[bridge] transport %s opened socket %d (remote %d) for %q", t.id, s.localID, remoteID, service),
		"event", "bridge:transport:open", "bridge.transport", t.id.String())
}

// route delivers OKAY/WRTE/CLSE to the socket identified by arg1. A packet
// for an unknown id is dropped and answered with CLSE so the peer can
// reclaim its end.
func (t *Transport) route(p *Packet) {
	s, ok := t.sockets[p.Arg1]
	if !ok {
		slog.Debug(fmt.Sprintf("[bridge] transport %s dropping %s for unknown socket %d", t.id, p.Command, p.Arg1),
			"event", "bridge:transport:unknown_socket")
		if p.Command != CmdClse {
			t.send(CmdClse, 0, p.Arg0, nil)
		}
		return
	}

	switch p.Command {
	case CmdOkay:
		s.handleOkay(p)
	case CmdWrte:
		s.handleWrte(p)
	case CmdClse:
		s.handleClse()
	}
}

// newSocket allocates a socket with a fresh non-zero local id and registers
// it. Runs on the loop goroutine.
func (t *Transport) newSocket(service string) *Socket {
	for {
		t.nextID++
		if t.nextID == 0 {
			t.nextID = 1
		}
		if _, taken := t.sockets[t.nextID]; !taken {
			break
		}
	}
	s := &Socket{
		t:       t,
		localID: t.nextID,
		service: service,
		state:   SockOpening,
	}
	t.sockets[s.localID] = s
	metricSockets.Inc()
	return s
}

// Open opens a new multiplexed stream for the given service string.
// Callable from any goroutine; blocks until the peer acknowledges the open,
// the context expires, or the transport goes offline. The returned socket
// has no handler bound; incoming payloads are acknowledged and dropped until
// one is attached, so most callers want OpenConn instead.
func (t *Transport) Open(ctx context.Context, service string) (*Socket, error) {
	return t.open(ctx, service, nil)
}

// open runs the OPEN exchange. When bind is non-nil it is invoked on the
// loop goroutine right after socket allocation, before the OPEN is emitted,
// so the handler is in place for the first WRTE.
func (t *Transport) open(ctx context.Context, service string, bind func(*Socket) Handler) (*Socket, error) {
	id, res := rchan.New()
	defer id.Release()

	err := t.hub.loop.Submit(func() {
		if t.State() != StateOnline {
			replyRchan(id, ErrTransportOffline)
			return
		}
		s := t.newSocket(service)
		s.replyID = id
		if bind != nil {
			s.handler = bind(s)
		}
		t.send(CmdOpen, s.localID, 0, append([]byte(service), 0))
	})
	if err != nil {
		return nil, err
	}

	select {
	case v := <-res:
		switch v := v.(type) {
		case *Socket:
			return v, nil
		case error:
			return nil, v
		default:
			return nil, fmt.Errorf("unexpected open response %T", v)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// replyRchan delivers a value to an rchan pipe with a bounded wait so a
// departed requester cannot stall anything.
func replyRchan(id rchan.Id, val any) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		id.Send(ctx, val)
	}()
}

// closeSocket tears down one socket after a socket-scoped failure, emitting
// CLSE so the peer can release its end. Sibling sockets are unaffected.
func (t *Transport) closeSocket(s *Socket, err error) {
	if s.state == SockClosed {
		return
	}
	if !s.clseSent && t.State() == StateOnline {
		s.clseSent = true
		t.send(CmdClse, s.localID, s.remoteID, nil)
	}
	s.completeOpen(err)
	t.destroySocket(s)
}

// destroySocket removes the socket from the registry and releases its
// handler. Terminal; the socket cannot be revived.
func (t *Transport) destroySocket(s *Socket) {
	if s.state == SockClosed {
		return
	}
	s.state = SockClosed
	s.backlog = IOVector{}
	delete(t.sockets, s.localID)
	metricSockets.Dec()
	s.completeOpen(ErrDisconnected)
	if s.handler != nil {
		h := s.handler
		s.handler = nil
		h.Close()
	}
}

// setOffline is the single teardown path: every owned socket receives a
// synthesized close, timers are cancelled, the registry is cleared, and
// external waiters observe the disconnect. Runs on the loop goroutine.
func (t *Transport) setOffline(reason error) {
	if t.State() == StateOffline {
		return
	}
	t.mu.Lock()
	t.state = StateOffline
	t.offlineErr = reason
	t.mu.Unlock()

	slog.Info(fmt.Sprintf("[bridge] transport %s offline: %s", t.id, reason),
		"event", "bridge:transport:offline", "bridge.transport", t.id.String())

	if t.hsTimer != 0 {
		t.hub.loop.CancelTimer(t.hsTimer)
		t.hsTimer = 0
	}
	t.hsEpoch++

	for _, s := range t.sockets {
		t.destroySocket(s)
	}

	t.hub.loop.Unregister(t.reg)
	t.hub.removeTransport(t)
	metricTransports.Dec()
	t.doneOnce.Do(func() { close(t.done) })
}
