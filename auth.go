package bridge

// Authentication is consumed as an opaque operation: the engine moves
// challenge tokens, signatures and public-key blobs across the wire but
// never interprets them. The actual cryptography lives behind the two
// interfaces below and runs on worker goroutines, never on the loop.

// Signer is the host-side authentication collaborator. Given a device's
// challenge token it produces a signature to embed verbatim into an
// AUTH(SIGNATURE) packet.
type Signer interface {
	// Sign produces a signature over token with the current key.
	Sign(token []byte) ([]byte, error)
	// NextKey advances to the next available key after a rejected
	// signature, reporting false once all keys are exhausted.
	NextKey() bool
	// PublicKey returns the current key's public blob, offered to the
	// device via AUTH(RSAPUBLICKEY) once signatures are exhausted.
	PublicKey() []byte
}

// Verifier is the device-side authentication collaborator: it checks a
// peer's signature over the challenge token we issued. Implementations
// typically consult a KeyStore of trusted public keys.
type Verifier interface {
	Verify(token, sig []byte) (bool, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(token, sig []byte) (bool, error)

func (f VerifierFunc) Verify(token, sig []byte) (bool, error) {
	return f(token, sig)
}
