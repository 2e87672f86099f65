package bridge

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"
)

// SocketConn adapts a Socket to blocking io.ReadWriteCloser semantics for
// service implementations that live off the loop goroutine (shell pipes,
// file transfer workers, TCP forwarders). Reads block until the peer sends
// data; writes are queued onto the socket through the loop.
type SocketConn struct {
	s      *Socket
	loop   *Loop
	readch chan []byte
	eofch  chan struct{} // peer sent CLSE, no more incoming data
	donech chan struct{} // socket destroyed
	rbuf   []byte
}

// connBacklog bounds how many undelivered payloads a slow consumer may have
// queued before the socket is closed on it.
const connBacklog = 64

// NewSocketConn wraps s for blocking use and returns both the adapter and
// the Handler to bind to the socket. Must be called while binding the
// socket, i.e. from the service dispatcher.
func NewSocketConn(s *Socket) (*SocketConn, Handler) {
	c := &SocketConn{
		s:      s,
		loop:   s.t.hub.loop,
		readch: make(chan []byte, connBacklog),
		eofch:  make(chan struct{}),
		donech: make(chan struct{}),
	}
	return c, (*sockConnHandler)(c)
}

// OpenConn opens a stream on the transport and wraps it for blocking use.
// The adapter is bound before the OPEN goes out, so no early payload from
// the peer can slip past it.
func (t *Transport) OpenConn(ctx context.Context, service string) (*SocketConn, error) {
	var c *SocketConn
	_, err := t.open(ctx, service, func(s *Socket) Handler {
		var h Handler
		c, h = NewSocketConn(s)
		return h
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

type sockConnHandler SocketConn

func (h *sockConnHandler) Accept(data []byte) error {
	select {
	case h.readch <- data:
		return nil
	default:
		// consumer is not draining; better to lose the stream than to
		// stall the dispatch goroutine
		return ErrBacklogExceeded
	}
}

func (h *sockConnHandler) NotifyEOF() {
	close(h.eofch)
}

func (h *sockConnHandler) Close() {
	close(h.donech)
}

// Read returns data received from the peer, blocking until some arrives. It
// reports io.EOF once the peer half-closed or the socket was destroyed and
// everything delivered beforehand has been consumed.
func (c *SocketConn) Read(p []byte) (int, error) {
	if len(c.rbuf) == 0 {
		select {
		case b := <-c.readch:
			c.rbuf = b
		case <-c.eofch:
			// drain anything delivered before the close
			select {
			case b := <-c.readch:
				c.rbuf = b
			default:
				return 0, io.EOF
			}
		case <-c.donech:
			select {
			case b := <-c.readch:
				c.rbuf = b
			default:
				return 0, io.EOF
			}
		}
	}
	n := copy(p, c.rbuf)
	c.rbuf = c.rbuf[n:]
	return n, nil
}

// Write queues p onto the socket's outbound stream.
func (c *SocketConn) Write(p []byte) (int, error) {
	b := make([]byte, len(p))
	copy(b, p)

	errch := make(chan error, 1)
	err := c.loop.Submit(func() {
		errch <- c.s.Enqueue(b)
	})
	if err != nil {
		return 0, err
	}
	if err := <-errch; err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close signals local end-of-stream; buffered data still drains before the
// close completes on the wire.
func (c *SocketConn) Close() error {
	return c.loop.Submit(c.s.SignalEOF)
}

// Relay copies both directions between a socket adapter and another stream
// until either side ends, closing both. Used by forwarding-style services.
func Relay(ctx context.Context, a, b io.ReadWriteCloser) error {
	var g errgroup.Group

	g.Go(func() error {
		_, err := io.Copy(a, b)
		a.Close()
		b.Close()
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(b, a)
		a.Close()
		b.Close()
		return err
	})

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.Close()
			b.Close()
		case <-stop:
		}
	}()

	err := g.Wait()
	close(stop)
	return err
}
