// Package bridge implements a host/device debug-bridge protocol engine:
// packet framing over an arbitrary byte stream, socket multiplexing, and the
// connect/authenticate/online transport lifecycle.
package bridge

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Hub is the explicit context object holding the live transport set and the
// collaborators every transport needs: the event loop, the service
// dispatcher, the authentication collaborators and the trusted-key store.
// There is no implicit process-wide registry; everything flows through a Hub
// passed in by the caller.
type Hub struct {
	loop     *Loop
	services ServiceDispatcher
	signer   Signer
	verifier Verifier
	keys     *KeyStore

	banner           string
	version          uint32
	maxPayload       uint32
	maxBacklog       int
	handshakeTimeout time.Duration
	keyStorePath     string

	// owned by the loop goroutine
	transports map[uuid.UUID]*Transport
}

// NewHub creates a hub with its own event loop. Options configure banner,
// payload bounds, authentication collaborators and services; defaults give
// an unauthenticated engine with an empty service registry.
func NewHub(opts ...Option) *Hub {
	initLog()

	h := &Hub{
		banner:           "host::",
		version:          Version,
		maxPayload:       MaxPayloadDefault,
		maxBacklog:       DefaultMaxBacklog,
		handshakeTimeout: DefaultHandshakeTimeout,
		services:         NewServiceMap(),
		transports:       make(map[uuid.UUID]*Transport),
	}
	for _, o := range opts {
		o.apply(h)
	}

	if h.keys == nil && h.keyStorePath != "" {
		ks, err := OpenKeyStore(h.keyStorePath)
		if err != nil {
			panic(err)
		}
		h.keys = ks
	}

	h.loop = NewLoop()
	return h
}

// Loop returns the hub's event loop, for callers that need to submit work
// onto the dispatch goroutine.
func (h *Hub) Loop() *Loop {
	return h.loop
}

// KeyStore returns the hub's trusted-key store, nil when none is configured.
func (h *Hub) KeyStore() *KeyStore {
	return h.keys
}

// AcceptConn adopts an already-connected byte stream as a device-role
// transport: it waits for the peer's CNXN and challenges it when a verifier
// is configured. Endpoint resolution (TCP, USB, local sockets) is the
// caller's business.
func (h *Hub) AcceptConn(rw io.ReadWriteCloser) (*Transport, error) {
	return h.spawnTransport(rw, RoleDevice)
}

// ConnectConn adopts an already-connected byte stream as a host-role
// transport: it sends CNXN first and answers AUTH challenges using the
// configured signer.
func (h *Hub) ConnectConn(rw io.ReadWriteCloser) (*Transport, error) {
	return h.spawnTransport(rw, RoleHost)
}

func (h *Hub) spawnTransport(rw io.ReadWriteCloser, role Role) (*Transport, error) {
	t := newTransport(h, rw, role)
	err := h.loop.Submit(func() {
		h.transports[t.id] = t
		t.start()
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// removeTransport drops a transport from the live set. Runs on the loop
// goroutine as part of transport teardown.
func (h *Hub) removeTransport(t *Transport) {
	delete(h.transports, t.id)
}

// Transports returns a snapshot of the live transport set. Callable from any
// goroutine except the loop's dispatch goroutine: it blocks on a round trip
// through the loop, so calling it from inside a handler or callback would
// deadlock. On the loop goroutine read h.transports directly instead.
func (h *Hub) Transports() []*Transport {
	ch := make(chan []*Transport, 1)
	err := h.loop.Submit(func() {
		res := make([]*Transport, 0, len(h.transports))
		for _, t := range h.transports {
			res = append(res, t)
		}
		ch <- res
	})
	if err != nil {
		return nil
	}
	return <-ch
}

// GetTransport looks up a live transport by id, nil when unknown. Same
// calling restriction as Transports.
func (h *Hub) GetTransport(id uuid.UUID) *Transport {
	for _, t := range h.Transports() {
		if t.id == id {
			return t
		}
	}
	return nil
}

// Shutdown takes every transport offline, stops the event loop and closes
// the key store. The hub is unusable afterwards.
func (h *Hub) Shutdown() {
	done := make(chan struct{})
	err := h.loop.Submit(func() {
		for _, t := range h.transports {
			t.setOffline(ErrDisconnected)
		}
		close(done)
	})
	if err == nil {
		<-done
	}
	h.loop.Close()

	if h.keys != nil {
		if err := h.keys.Close(); err != nil {
			slog.Warn(fmt.Sprintf("[bridge] failed to close key store: %s", err),
				"event", "bridge:hub:keystore_close_fail")
		}
		h.keys = nil
	}
}

// Shutdown releases process-wide resources held by the package, currently
// the wire trace buffer. Individual hubs are shut down via Hub.Shutdown.
func Shutdown() {
	shutdownLog()
}
