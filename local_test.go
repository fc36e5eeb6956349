package zorptls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"testing"
	"time"

	"github.com/account-login/zorptls/mitm"
)

// TestMITMAcceptThroughTlsCoreMintsPerHostCert exercises the same pattern
// local.go's clientInitializer now uses for the client-facing MITM accept: a
// "setup_key" policy callback mints a per-host leaf certificate via
// mitm.Config.CertForHost and installs it as local credentials, then the
// accept itself runs through NewHandshake/RunBlocking rather than a bare
// tls.Server (§4.E, §4.A). This exercises the mechanism that replaced the
// tls.Server(bottom, l.MITM.TLSForHost(...)) call.
func TestMITMAcceptThroughTlsCoreMintsPerHostCert(t *testing.T) {
	const host = "example.test"

	ca, caKey, err := mitm.NewAuthority("test-ca", "test-org", time.Hour)
	if err != nil {
		t.Fatalf("new authority: %v", err)
	}
	mitmCfg, err := mitm.NewConfig(ca, caKey)
	if err != nil {
		t.Fatalf("new mitm config: %v", err)
	}

	proxyPipe, browserPipe := net.Pipe()
	defer proxyPipe.Close()
	defer browserPipe.Close()

	clientState := &TlsEndpointState{}
	clientState.setSNIHostname(host)
	rt := NewMapPolicyRuntime()
	var setupKeyCalled bool
	Register(rt, Client, "setup_key", func(args ...interface{}) (Verdict, error) {
		setupKeyCalled = true
		cert, err := mitmCfg.CertForHost(context.Background(), host)
		if err != nil {
			return VerdictReject, err
		}
		chain := make([]*x509.Certificate, 0, len(cert.Certificate))
		for i, der := range cert.Certificate {
			if i == 0 && cert.Leaf != nil {
				chain = append(chain, cert.Leaf)
				continue
			}
			parsed, perr := x509.ParseCertificate(der)
			if perr != nil {
				return VerdictReject, perr
			}
			chain = append(chain, parsed)
		}
		clientState.SetLocalCredentials(chain, cert.PrivateKey, "")
		return VerdictAccept, nil
	})

	cfg := &EncryptionConfig{HandshakeSeq: ServerFirst}
	h := NewHandshake(NewStream(proxyPipe), Client, cfg, NewBridge(rt, nil), clientState, nil,
		&tls.Config{}, nil, nil)
	h.sniName = host

	errs := make(chan error, 1)
	go func() { errs <- h.RunBlocking(context.Background()) }()

	pool := x509.NewCertPool()
	pool.AddCert(ca)
	browserConn := tls.Client(browserPipe, &tls.Config{ServerName: host, RootCAs: pool})
	if err := browserConn.HandshakeContext(context.Background()); err != nil {
		t.Fatalf("browser handshake: %v", err)
	}

	if err := <-errs; err != nil {
		t.Fatalf("accept handshake failed: %v", err)
	}
	if !setupKeyCalled {
		t.Fatal("expected the setup_key policy callback to run")
	}

	state := browserConn.ConnectionState()
	if len(state.PeerCertificates) == 0 || state.PeerCertificates[0].Subject.CommonName != host {
		t.Fatalf("expected a minted leaf cert for %v, got %+v", host, state.PeerCertificates)
	}
	if h.Session().Conn() == nil {
		t.Fatal("expected Session.Conn() to expose the underlying *tls.Conn")
	}
}
