package mitm

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"testing"
	"time"
)

func newTestConfig(t *testing.T) *Config {
	t.Helper()
	ca, key, err := NewAuthority("test-ca", "test-org", 24*time.Hour)
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}
	cfg, err := NewConfig(ca, key)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	return cfg
}

func TestNewAuthorityProducesSelfSignedCA(t *testing.T) {
	ca, _, err := NewAuthority("root", "org", time.Hour)
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}
	if !ca.IsCA {
		t.Error("expected IsCA = true")
	}
	if ca.Subject.CommonName != "root" {
		t.Errorf("CommonName = %q, want %q", ca.Subject.CommonName, "root")
	}
}

func TestConfigCertIssuesLeafSignedByCA(t *testing.T) {
	cfg := newTestConfig(t)
	ctx := context.Background()

	tlsc, err := cfg.cert(ctx, "example.com")
	if err != nil {
		t.Fatalf("cert: %v", err)
	}
	if tlsc.Leaf.Subject.CommonName != "example.com" {
		t.Errorf("CommonName = %q, want %q", tlsc.Leaf.Subject.CommonName, "example.com")
	}

	pool := x509.NewCertPool()
	pool.AddCert(cfg.ca)
	if _, err := tlsc.Leaf.Verify(x509.VerifyOptions{DNSName: "example.com", Roots: pool}); err != nil {
		t.Errorf("issued leaf does not verify against the CA: %v", err)
	}
}

func TestConfigCertIsCachedAcrossCalls(t *testing.T) {
	cfg := newTestConfig(t)
	ctx := context.Background()

	first, err := cfg.cert(ctx, "cached.example.com")
	if err != nil {
		t.Fatalf("cert: %v", err)
	}
	second, err := cfg.cert(ctx, "cached.example.com")
	if err != nil {
		t.Fatalf("cert: %v", err)
	}
	if first.Leaf.SerialNumber.Cmp(second.Leaf.SerialNumber) != 0 {
		t.Error("expected the second lookup to reuse the cached certificate, got a new serial")
	}
}

func TestConfigCertWildcardSubject(t *testing.T) {
	cfg := newTestConfig(t)
	ctx := context.Background()

	tlsc, err := cfg.cert(ctx, "www.example.com")
	if err != nil {
		t.Fatalf("cert: %v", err)
	}
	if tlsc.Leaf.Subject.CommonName != "*.example.com" {
		t.Errorf("CommonName = %q, want wildcard base domain", tlsc.Leaf.Subject.CommonName)
	}
}

func TestTLSForHostFallsBackWhenNoSNI(t *testing.T) {
	cfg := newTestConfig(t)
	tlsCfg := cfg.TLSForHost(context.Background(), "fallback.example.com")

	cert, err := tlsCfg.GetCertificate(&tls.ClientHelloInfo{ServerName: ""})
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if cert.Leaf.Subject.CommonName != "*.example.com" {
		t.Errorf("CommonName = %q, want wildcard base of the fallback hostname", cert.Leaf.Subject.CommonName)
	}
}

func TestTLSRejectsEmptySNI(t *testing.T) {
	cfg := newTestConfig(t)
	tlsCfg := cfg.TLS(context.Background())

	if _, err := tlsCfg.GetCertificate(&tls.ClientHelloInfo{ServerName: ""}); err == nil {
		t.Error("expected an error when no SNI is provided and there is no fallback hostname")
	}
}
