package zorptls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"testing"
)

func TestRequestHandshakeAlreadyHasSessionIsNoop(t *testing.T) {
	cfg := &EncryptionConfig{}
	bridge := NewBridge(NewMapPolicyRuntime(), nil)
	ps := NewProxySession(cfg, bridge, nil, ModeBlocking, nil, nil, nil, nil, nil, nil, nil)
	ps.State(Client).setSession(&Session{})

	if err := ps.Coordinator.RequestHandshake(context.Background(), Client, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequestHandshakeDefersSecondSide(t *testing.T) {
	cfg := &EncryptionConfig{HandshakeSeq: ServerFirst}
	cfg.Security[Client] = SecurityForceTls
	cfg.Security[Server] = SecurityForceTls

	bridge := NewBridge(NewMapPolicyRuntime(), nil)
	ps := NewProxySession(cfg, bridge, nil, ModeBlocking, nil, nil, nil, nil, nil, nil, nil)

	if err := ps.Coordinator.RequestHandshake(context.Background(), Client, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ps.State(Client).HandshakePending() {
		t.Error("expected the second side to defer until the first side completes")
	}
	if ps.State(Client).HasSession() {
		t.Error("a deferred request must not create a session")
	}
}

func TestProxySessionHandshakeBothSidesBlocking(t *testing.T) {
	clientPipe, serverPipe := net.Pipe()
	defer clientPipe.Close()
	defer serverPipe.Close()

	leaf, key := generateSelfSignedCert(t, "proxy.local")
	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	cfg := &EncryptionConfig{}
	bridge := NewBridge(NewMapPolicyRuntime(), nil)

	ps := NewProxySession(cfg, bridge, nil, ModeBlocking,
		NewStream(clientPipe), NewStream(serverPipe),
		&tls.Config{}, &tls.Config{ServerName: "proxy.local"},
		pool, pool, nil)

	ps.State(Client).SetLocalCredentials([]*x509.Certificate{leaf}, key, "")

	errs := make(chan error, 2)
	go func() { errs <- ps.Coordinator.RequestHandshake(context.Background(), Client, false) }()
	go func() { errs <- ps.Coordinator.RequestHandshake(context.Background(), Server, false) }()

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("RequestHandshake failed: %v", err)
		}
	}

	if !ps.State(Client).HasSession() || !ps.State(Server).HasSession() {
		t.Fatal("expected a session on both sides after a successful handshake")
	}

	ps.ClearSession(Server)
	if ps.State(Server).HasSession() {
		t.Error("ClearSession should drop the session it names")
	}
	if ps.State(Client).HasSession() == false {
		t.Error("ClearSession on one side must not touch the other side's session")
	}
}
