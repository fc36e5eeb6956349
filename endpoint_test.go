package zorptls

import (
	"crypto/tls"
	"crypto/x509/pkix"
	"encoding/asn1"
	"testing"
)

func TestTlsEndpointStateSessionLifecycle(t *testing.T) {
	e := &TlsEndpointState{}

	if e.HasSession() {
		t.Fatal("zero value should not have a session")
	}

	e.setSession(&Session{})
	if !e.HasSession() {
		t.Fatal("expected a session after setSession")
	}

	e.registerHostIface()
	e.ClearSession()
	if e.HasSession() {
		t.Fatal("expected no session after ClearSession")
	}
	if e.HostIfaceRegistered() {
		t.Fatal("ClearSession should unregister the host-name verification interface")
	}
}

func TestTlsEndpointStateHandshakePendingClearedBySession(t *testing.T) {
	e := &TlsEndpointState{}
	e.setHandshakePending(true)
	if !e.HandshakePending() {
		t.Fatal("expected pending=true")
	}

	e.setSession(&Session{})
	if e.HandshakePending() {
		t.Fatal("setting a session should clear the pending flag")
	}
}

func TestAcceptableCAsFromRequestInfo(t *testing.T) {
	var name pkix.RDNSequence
	subj := pkix.Name{CommonName: "Test Root CA", Organization: []string{"Example Org"}}
	name = subj.ToRDNSequence()

	raw, err := asn1.Marshal(name)
	if err != nil {
		t.Fatalf("asn1.Marshal: %v", err)
	}

	info := &tls.CertificateRequestInfo{AcceptableCAs: [][]byte{raw}}
	names := acceptableCAsFromRequestInfo(info)
	if len(names) != 1 {
		t.Fatalf("len(names) = %d, want 1", len(names))
	}
	if names[0].CommonName != "Test Root CA" {
		t.Errorf("CommonName = %q, want %q", names[0].CommonName, "Test Root CA")
	}
}

func TestAcceptableCAsFromRequestInfoSkipsGarbage(t *testing.T) {
	info := &tls.CertificateRequestInfo{AcceptableCAs: [][]byte{{0xff, 0xff, 0xff}}}
	names := acceptableCAsFromRequestInfo(info)
	if len(names) != 0 {
		t.Errorf("len(names) = %d, want 0 for malformed DER", len(names))
	}
}
