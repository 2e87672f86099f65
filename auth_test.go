package bridge

import (
	"bytes"
	"net"
	"path/filepath"
	"testing"
	"time"
)

// testVerifier accepts signatures of the form "sig:<token>".
func testVerifier() Verifier {
	return VerifierFunc(func(token, sig []byte) (bool, error) {
		return bytes.Equal(sig, append([]byte("sig:"), token...)), nil
	})
}

// testSigner produces the signatures testVerifier accepts, with a single key.
type testSigner struct{}

func (testSigner) Sign(token []byte) ([]byte, error) {
	return append([]byte("sig:"), token...), nil
}
func (testSigner) NextKey() bool     { return false }
func (testSigner) PublicKey() []byte { return []byte("hostpub") }

func TestAuthSignatureAccepted(t *testing.T) {
	hub := NewHub(WithVerifier(testVerifier()))
	defer hub.Shutdown()

	a, b := net.Pipe()
	tr, err := hub.AcceptConn(a)
	if err != nil {
		t.Fatalf("AcceptConn: %s", err)
	}
	peer := &scriptPeer{t: t, conn: b}
	defer b.Close()

	peer.send(CmdCnxn, Version, MaxPayloadDefault, []byte("device::"))
	challenge := peer.expect(CmdAuth)
	if challenge.Arg0 != AuthToken {
		t.Fatalf("AUTH subcommand %d, want TOKEN", challenge.Arg0)
	}
	if len(challenge.Payload) != AuthTokenLen {
		t.Fatalf("token length %d, want %d", len(challenge.Payload), AuthTokenLen)
	}

	peer.send(CmdAuth, AuthSignature, 0, append([]byte("sig:"), challenge.Payload...))
	peer.expect(CmdCnxn)
	waitState(t, tr, StateOnline)
}

func TestAuthSignatureRejectedRechallenge(t *testing.T) {
	hub := NewHub(WithVerifier(testVerifier()))
	defer hub.Shutdown()

	a, b := net.Pipe()
	tr, err := hub.AcceptConn(a)
	if err != nil {
		t.Fatalf("AcceptConn: %s", err)
	}
	peer := &scriptPeer{t: t, conn: b}
	defer b.Close()

	peer.send(CmdCnxn, Version, MaxPayloadDefault, []byte("device::"))
	first := peer.expect(CmdAuth)

	peer.send(CmdAuth, AuthSignature, 0, []byte("not it"))
	second := peer.expect(CmdAuth)
	if second.Arg0 != AuthToken {
		t.Fatalf("expected a fresh challenge, got subcommand %d", second.Arg0)
	}
	if bytes.Equal(first.Payload, second.Payload) {
		t.Errorf("re-challenge reused the same token")
	}
	waitState(t, tr, StateUnauthorized)

	// retrying with a valid signature over the fresh token succeeds
	peer.send(CmdAuth, AuthSignature, 0, append([]byte("sig:"), second.Payload...))
	peer.expect(CmdCnxn)
	waitState(t, tr, StateOnline)
}

func TestAuthUnknownKeyApproval(t *testing.T) {
	hub := NewHub(WithVerifier(testVerifier()))
	defer hub.Shutdown()

	a, b := net.Pipe()
	tr, err := hub.AcceptConn(a)
	if err != nil {
		t.Fatalf("AcceptConn: %s", err)
	}
	peer := &scriptPeer{t: t, conn: b}
	defer b.Close()

	peer.send(CmdCnxn, Version, MaxPayloadDefault, []byte("device::"))
	peer.expect(CmdAuth)

	peer.send(CmdAuth, AuthRSAPublicKey, 0, []byte("newkey\x00"))
	waitState(t, tr, StateUnauthorized)
	peer.expectSilence(100 * time.Millisecond)

	if err := tr.Approve(false); err != nil {
		t.Fatalf("Approve: %s", err)
	}
	peer.expect(CmdCnxn)
	waitState(t, tr, StateOnline)
}

func TestAuthUnknownKeyDenied(t *testing.T) {
	hub := NewHub(WithVerifier(testVerifier()))
	defer hub.Shutdown()

	a, b := net.Pipe()
	tr, err := hub.AcceptConn(a)
	if err != nil {
		t.Fatalf("AcceptConn: %s", err)
	}
	peer := &scriptPeer{t: t, conn: b}
	defer b.Close()

	peer.send(CmdCnxn, Version, MaxPayloadDefault, []byte("device::"))
	peer.expect(CmdAuth)

	peer.send(CmdAuth, AuthRSAPublicKey, 0, []byte("newkey\x00"))
	waitState(t, tr, StateUnauthorized)

	if err := tr.Deny(); err != nil {
		t.Fatalf("Deny: %s", err)
	}
	challenge := peer.expect(CmdAuth)
	if challenge.Arg0 != AuthToken {
		t.Fatalf("expected a fresh challenge after deny, got subcommand %d", challenge.Arg0)
	}
	waitState(t, tr, StateAuthorizing)

	peer.send(CmdAuth, AuthSignature, 0, append([]byte("sig:"), challenge.Payload...))
	peer.expect(CmdCnxn)
	waitState(t, tr, StateOnline)
}

func TestAuthTrustedKeySkipsApproval(t *testing.T) {
	ks, err := OpenKeyStore(filepath.Join(t.TempDir(), "keys.db"))
	if err != nil {
		t.Fatalf("OpenKeyStore: %s", err)
	}
	if err := ks.TrustKey([]byte("devkey"), "test device"); err != nil {
		t.Fatalf("TrustKey: %s", err)
	}

	hub := NewHub(WithVerifier(testVerifier()), WithKeyStore(ks))
	defer hub.Shutdown()

	a, b := net.Pipe()
	tr, err := hub.AcceptConn(a)
	if err != nil {
		t.Fatalf("AcceptConn: %s", err)
	}
	peer := &scriptPeer{t: t, conn: b}
	defer b.Close()

	peer.send(CmdCnxn, Version, MaxPayloadDefault, []byte("device::"))
	peer.expect(CmdAuth)

	peer.send(CmdAuth, AuthRSAPublicKey, 0, []byte("devkey\x00"))
	peer.expect(CmdCnxn)
	waitState(t, tr, StateOnline)
}

func TestAuthHostSignsChallenge(t *testing.T) {
	hub := NewHub(WithSigner(testSigner{}))
	defer hub.Shutdown()

	a, b := net.Pipe()
	tr, err := hub.ConnectConn(a)
	if err != nil {
		t.Fatalf("ConnectConn: %s", err)
	}
	peer := &scriptPeer{t: t, conn: b}
	defer b.Close()

	peer.expect(CmdCnxn)

	token := bytes.Repeat([]byte{0x42}, AuthTokenLen)
	peer.send(CmdAuth, AuthToken, 0, token)
	sig := peer.expect(CmdAuth)
	if sig.Arg0 != AuthSignature {
		t.Fatalf("AUTH subcommand %d, want SIGNATURE", sig.Arg0)
	}
	if !bytes.Equal(sig.Payload, append([]byte("sig:"), token...)) {
		t.Errorf("signature payload %q", sig.Payload)
	}
	waitState(t, tr, StateAuthorizing)

	peer.send(CmdCnxn, Version, MaxPayloadDefault, []byte("device::"))
	waitState(t, tr, StateOnline)
}

func TestAuthHostFallsBackToPublicKey(t *testing.T) {
	hub := NewHub(WithSigner(testSigner{}))
	defer hub.Shutdown()

	a, b := net.Pipe()
	tr, err := hub.ConnectConn(a)
	if err != nil {
		t.Fatalf("ConnectConn: %s", err)
	}
	peer := &scriptPeer{t: t, conn: b}
	defer b.Close()

	peer.expect(CmdCnxn)

	token := bytes.Repeat([]byte{0x42}, AuthTokenLen)
	peer.send(CmdAuth, AuthToken, 0, token)
	peer.expect(CmdAuth)

	// the signer has a single key: a second challenge forces the public key
	// offer
	peer.send(CmdAuth, AuthToken, 0, token)
	pub := peer.expect(CmdAuth)
	if pub.Arg0 != AuthRSAPublicKey {
		t.Fatalf("AUTH subcommand %d, want RSAPUBLICKEY", pub.Arg0)
	}
	if !bytes.Equal(pub.Payload, []byte("hostpub\x00")) {
		t.Errorf("public key payload %q", pub.Payload)
	}

	peer.send(CmdCnxn, Version, MaxPayloadDefault, []byte("device::"))
	waitState(t, tr, StateOnline)
}
