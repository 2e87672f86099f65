package bridge

import "time"

// Option configures a Hub at construction time.
type Option interface {
	apply(*Hub)
}

type optionFunc func(*Hub)

func (f optionFunc) apply(h *Hub) { f(h) }

// WithBanner sets the banner string advertised in our CNXN, conventionally
// "<systemtype>::<prop>=<value>;...".
func WithBanner(banner string) Option {
	return optionFunc(func(h *Hub) { h.banner = banner })
}

// WithServices sets the dispatcher consulted for incoming OPEN requests.
func WithServices(d ServiceDispatcher) Option {
	return optionFunc(func(h *Hub) { h.services = d })
}

// WithSigner configures host-side authentication: the signer answers AUTH
// challenges from devices.
func WithSigner(s Signer) Option {
	return optionFunc(func(h *Hub) { h.signer = s })
}

// WithVerifier configures device-side authentication. Setting a verifier is
// what makes authentication required: peers are challenged before coming
// online.
func WithVerifier(v Verifier) Option {
	return optionFunc(func(h *Hub) { h.verifier = v })
}

// WithKeyStore sets the trusted-key store used by device-side auth and by
// UNAUTHORIZED approval. The hub takes ownership and closes it on Shutdown.
func WithKeyStore(ks *KeyStore) Option {
	return optionFunc(func(h *Hub) { h.keys = ks })
}

// WithMaxPayload sets the maximum payload size advertised in our CNXN.
func WithMaxPayload(n uint32) Option {
	return optionFunc(func(h *Hub) { h.maxPayload = n })
}

// WithMaxBacklog bounds how many bytes a credit-starved socket may buffer
// before it is forcibly closed.
func WithMaxBacklog(n int) Option {
	return optionFunc(func(h *Hub) { h.maxBacklog = n })
}

// WithHandshakeTimeout bounds the CONNECTING and AUTHORIZING states.
func WithHandshakeTimeout(d time.Duration) Option {
	return optionFunc(func(h *Hub) { h.handshakeTimeout = d })
}
