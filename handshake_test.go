package zorptls

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"
)

// generateSelfSignedCert builds a self-signed cert/key pair suitable both as
// a leaf presented in a handshake and as its own trust root, so tests don't
// need a separate CA.
func generateSelfSignedCert(t *testing.T, cn string) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn},
		DNSNames:              []string{cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert, priv
}

func TestHandshakeRunBlockingSuccess(t *testing.T) {
	clientPipe, serverPipe := net.Pipe()
	defer clientPipe.Close()
	defer serverPipe.Close()

	leaf, key := generateSelfSignedCert(t, "proxy.local")
	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	cfg := &EncryptionConfig{}
	bridge := NewBridge(NewMapPolicyRuntime(), nil)

	clientState := &TlsEndpointState{}
	clientState.SetLocalCredentials([]*x509.Certificate{leaf}, key, "")
	serverState := &TlsEndpointState{}

	clientHandshake := NewHandshake(NewStream(clientPipe), Client, cfg, bridge, clientState, serverState,
		&tls.Config{}, pool, nil)
	serverHandshake := NewHandshake(NewStream(serverPipe), Server, cfg, bridge, serverState, clientState,
		&tls.Config{ServerName: "proxy.local"}, pool, nil)

	errs := make(chan error, 2)
	go func() { errs <- clientHandshake.RunBlocking(context.Background()) }()
	go func() { errs <- serverHandshake.RunBlocking(context.Background()) }()

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("handshake failed: %v", err)
		}
	}

	if !clientState.HasSession() || !serverState.HasSession() {
		t.Fatal("expected both sides to record a session on success")
	}
	if clientHandshake.Session().Version() == "unknown" {
		t.Error("expected a recognized negotiated TLS version")
	}
}

func TestHandshakeRunBlockingClientMissingCredentials(t *testing.T) {
	clientPipe, serverPipe := net.Pipe()
	defer clientPipe.Close()
	defer serverPipe.Close()

	// ServerFirst: setup skips the client-side SNI peek, so the missing
	// credentials fail setup before any I/O on the stream.
	cfg := &EncryptionConfig{HandshakeSeq: ServerFirst}
	bridge := NewBridge(NewMapPolicyRuntime(), nil)
	clientState := &TlsEndpointState{}
	serverState := &TlsEndpointState{}

	clientHandshake := NewHandshake(NewStream(clientPipe), Client, cfg, bridge, clientState, serverState,
		&tls.Config{}, nil, nil)

	go func() {
		// Nothing is ever written to clientPipe; this reader only keeps
		// the other end of the pipe drained until the test closes it.
		buf := make([]byte, 4096)
		_, _ = serverPipe.Read(buf)
	}()

	err := clientHandshake.RunBlocking(context.Background())
	if err == nil {
		t.Fatal("expected an error: client side has no local credentials")
	}
	he, ok := err.(*HandshakeError)
	if !ok {
		t.Fatalf("got %T, want *HandshakeError", err)
	}
	_ = he
}

func TestHandshakeRunBlockingTimeoutReportsErrorAndStoresNoSession(t *testing.T) {
	clientPipe, serverPipe := net.Pipe()
	defer clientPipe.Close()
	defer serverPipe.Close()

	leaf, key := generateSelfSignedCert(t, "proxy.local")
	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	// ServerFirst, so setup does not block in the client-side SNI peek
	// before the handshake timeout is armed.
	cfg := &EncryptionConfig{HandshakeSeq: ServerFirst, HandshakeTimeout: 20 * time.Millisecond}
	bridge := NewBridge(NewMapPolicyRuntime(), nil)
	clientState := &TlsEndpointState{}
	clientState.SetLocalCredentials([]*x509.Certificate{leaf}, key, "")
	serverState := &TlsEndpointState{}

	// Nobody ever drives a handshake from serverPipe, so the client side's
	// accept_step should time out rather than succeed or hang forever.
	clientHandshake := NewHandshake(NewStream(clientPipe), Client, cfg, bridge, clientState, serverState,
		&tls.Config{}, pool, nil)

	err := clientHandshake.RunBlocking(context.Background())
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	he, ok := err.(*HandshakeError)
	if !ok || he.Kind != ErrTimeout {
		t.Errorf("got %v, want *HandshakeError{Kind: ErrTimeout}", err)
	}
	if clientState.HasSession() {
		t.Error("a timed-out handshake must not store a session")
	}
	if clientState.HandshakePending() {
		t.Error("a timed-out handshake must not leave handshake_pending set either (§8 invariant)")
	}
}

func TestHandshakeRunBlockingBufferInjectionGuard(t *testing.T) {
	clientPipe, serverPipe := net.Pipe()
	defer clientPipe.Close()
	defer serverPipe.Close()

	cfg := &EncryptionConfig{}
	bridge := NewBridge(NewMapPolicyRuntime(), nil)
	state := &TlsEndpointState{}
	otherState := &TlsEndpointState{}

	stream := NewStream(clientPipe)
	stream.Unread([]byte("clear text before TLS"))

	h := NewHandshake(stream, Client, cfg, bridge, state, otherState, &tls.Config{}, nil, nil)

	_ = serverPipe // never touched; setup() fails before any I/O happens

	err := h.RunBlocking(context.Background())
	if err == nil {
		t.Fatal("expected a buffer-injection error")
	}
	he, ok := err.(*HandshakeError)
	if !ok || he.Kind != ErrBufferInjection {
		t.Errorf("got %v, want *HandshakeError{Kind: ErrBufferInjection}", err)
	}
}
