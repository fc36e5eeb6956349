package zorptls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"testing"
	"time"
)

func baseOrderingConfig() *EncryptionConfig {
	cfg := &EncryptionConfig{HandshakeSeq: ServerFirst}
	cfg.Security[Client] = SecurityForceTls
	cfg.Security[Server] = SecurityForceTls
	return cfg
}

func TestShouldDeferFirstSideNeverDefers(t *testing.T) {
	cfg := baseOrderingConfig() // server goes first
	c := &Coordinator{Cfg: cfg, States: PerSide[*TlsEndpointState]{{}, {}}}

	if c.shouldDefer(Server, false) {
		t.Error("the side that goes first should never defer")
	}
}

func TestShouldDeferSecondSideDefersWhenOtherEnabledAndNoSession(t *testing.T) {
	cfg := baseOrderingConfig()
	c := &Coordinator{Cfg: cfg, States: PerSide[*TlsEndpointState]{{}, {}}}

	if !c.shouldDefer(Client, false) {
		t.Error("second side should defer while the first side has no session yet")
	}
}

func TestShouldDeferForcedNeverDefers(t *testing.T) {
	cfg := baseOrderingConfig()
	c := &Coordinator{Cfg: cfg, States: PerSide[*TlsEndpointState]{{}, {}}}

	if c.shouldDefer(Client, true) {
		t.Error("a forced handshake request should never be deferred")
	}
}

func TestShouldDeferFalseWhenOtherSideDisabled(t *testing.T) {
	cfg := baseOrderingConfig()
	cfg.Security[Server] = SecurityNone
	c := &Coordinator{Cfg: cfg, States: PerSide[*TlsEndpointState]{{}, {}}}

	if c.shouldDefer(Client, false) {
		t.Error("should not defer when the side going first has TLS disabled")
	}
}

func TestShouldDeferFalseWhenForceTlsAsymmetric(t *testing.T) {
	cfg := baseOrderingConfig()
	cfg.Security[Client] = SecurityForceTls
	cfg.Security[Server] = SecurityAccept
	c := &Coordinator{Cfg: cfg, States: PerSide[*TlsEndpointState]{{}, {}}}

	if c.shouldDefer(Client, false) {
		t.Error("should not defer when this side is force_tls but the other is not")
	}
}

// TestCoordinatorRunNowThreadsClientSNIIntoServerHandshake verifies that a
// hostname already learned on the Client side (e.g. via PeekSNI, §4.G) is
// carried into the separate Server-side TlsHandshake object that runNow
// builds, so the outbound ClientHello to the upstream server asks for that
// hostname (§1, §4.F setup step 2).
func TestCoordinatorRunNowThreadsClientSNIIntoServerHandshake(t *testing.T) {
	const wantSNI = "upstream.example"

	upstreamPipe, proxyPipe := net.Pipe()
	defer upstreamPipe.Close()
	defer proxyPipe.Close()

	leaf, key := generateSelfSignedCert(t, wantSNI)
	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	gotSNI := make(chan string, 1)
	upstreamCfg := &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			gotSNI <- hello.ServerName
			return &tls.Certificate{
				Certificate: [][]byte{leaf.Raw},
				PrivateKey:  key,
			}, nil
		},
	}
	go func() {
		conn := tls.Server(upstreamPipe, upstreamCfg)
		_ = conn.Handshake()
	}()

	clientState := &TlsEndpointState{}
	clientState.setSNIHostname(wantSNI)
	serverState := &TlsEndpointState{}

	cfg := baseOrderingConfig()
	c := &Coordinator{
		Cfg:       cfg,
		Bridge:    NewBridge(NewMapPolicyRuntime(), nil),
		States:    PerSide[*TlsEndpointState]{clientState, serverState},
		Streams:   PerSide[Stream]{nil, NewStream(proxyPipe)},
		TlsBase:   PerSide[*tls.Config]{nil, &tls.Config{}},
		TrustPool: PerSide[*x509.CertPool]{nil, pool},
	}

	var gotSniName string
	c.OnHandshakeDone = func(side Side, h *TlsHandshake) {
		gotSniName = h.sniName
	}

	if err := c.runNow(context.Background(), Server); err != nil {
		t.Fatalf("runNow(Server) failed: %v", err)
	}

	select {
	case sni := <-gotSNI:
		if sni != wantSNI {
			t.Errorf("upstream saw ServerName %q, want %q", sni, wantSNI)
		}
	default:
		t.Fatal("upstream's GetCertificate was never invoked")
	}

	if gotSniName != wantSNI {
		t.Errorf("h.sniName = %q, want %q", gotSniName, wantSNI)
	}
}

// TestCoordinatorRequestHandshakeAsyncDoesNotBlockCaller verifies that under
// ModeAsync, RequestHandshake returns before the handshake it kicked off has
// actually finished, and that the completion callback only fires once the
// caller itself drives the shared scheduler group (§4.F: async mode's whole
// point is that "the caller's outer loop drives it", not RequestHandshake).
func TestCoordinatorRequestHandshakeAsyncDoesNotBlockCaller(t *testing.T) {
	const wantSNI = "upstream.example"

	upstreamPipe, proxyPipe := net.Pipe()
	defer upstreamPipe.Close()
	defer proxyPipe.Close()

	leaf, key := generateSelfSignedCert(t, wantSNI)
	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	go func() {
		conn := tls.Server(upstreamPipe, &tls.Config{
			Certificates: []tls.Certificate{{Certificate: [][]byte{leaf.Raw}, PrivateKey: key}},
		})
		_ = conn.Handshake()
	}()

	cfg := baseOrderingConfig()
	group := NewGroup(nil)
	defer group.Stop()

	done := make(chan Side, 1)
	c := &Coordinator{
		Cfg:       cfg,
		Bridge:    NewBridge(NewMapPolicyRuntime(), nil),
		Group:     group,
		Mode:      ModeAsync,
		States:    PerSide[*TlsEndpointState]{&TlsEndpointState{}, &TlsEndpointState{}},
		Streams:   PerSide[Stream]{nil, NewStream(proxyPipe)},
		TlsBase:   PerSide[*tls.Config]{nil, &tls.Config{ServerName: wantSNI}},
		TrustPool: PerSide[*x509.CertPool]{nil, pool},
		OnHandshakeDone: func(side Side, h *TlsHandshake) {
			done <- side
		},
	}

	if err := c.RequestHandshake(context.Background(), Server, true); err != nil {
		t.Fatalf("RequestHandshake: %v", err)
	}

	select {
	case <-done:
		t.Fatal("completion callback fired before the caller drove the scheduler group")
	default:
	}

	go func() {
		for group.Iteration() {
		}
	}()

	select {
	case side := <-done:
		if side != Server {
			t.Errorf("got side=%v, want Server", side)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("async handshake never completed after the group was driven")
	}
}

func TestShouldDeferFalseWhenOtherAlreadyHasSession(t *testing.T) {
	cfg := baseOrderingConfig()
	states := PerSide[*TlsEndpointState]{{}, {}}
	states[Server].setSession(&Session{})
	c := &Coordinator{Cfg: cfg, States: states}

	if c.shouldDefer(Client, false) {
		t.Error("should not defer once the other side already completed its handshake")
	}
}
