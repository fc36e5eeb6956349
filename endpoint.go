package zorptls

import (
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"sync"
)

// TlsEndpointState is the per-side TLS state owned by the proxy session (§3).
// One value exists per Side; the zero value is a valid "nothing happened yet"
// state.
type TlsEndpointState struct {
	mu sync.Mutex

	session *Session

	peerCert *x509.Certificate

	localCertChain       []*x509.Certificate // [0] is the leaf
	localPrivKey         interface{}
	localPrivKeyPassword string

	certificateTrusted bool
	verifyRan          bool

	handshakePending bool

	serverPeerCaList []pkix.Name

	tlsextServerHostName string

	hostIfaceRegistered bool
}

// HasSession reports whether a handshake completed without fatal error.
func (e *TlsEndpointState) HasSession() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session != nil
}

// Session returns the active TLS session, or nil.
func (e *TlsEndpointState) Session() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// setSession stores the session, enforcing session/pending mutual exclusion.
func (e *TlsEndpointState) setSession(s *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session = s
	if s != nil {
		e.handshakePending = false
	}
}

// ClearSession unrefs the session and, on the server side, unregisters the
// host-name verification interface (§4.D, §8 invariant on clear_session).
func (e *TlsEndpointState) ClearSession() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session = nil
	e.hostIfaceRegistered = false
}

// HandshakePending reports whether a request is deferred waiting on the peer.
func (e *TlsEndpointState) HandshakePending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handshakePending
}

func (e *TlsEndpointState) setHandshakePending(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handshakePending = v
}

// PeerCert returns the leaf certificate observed from the peer, if any.
func (e *TlsEndpointState) PeerCert() *x509.Certificate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerCert
}

func (e *TlsEndpointState) setPeerCert(c *x509.Certificate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peerCert = c
}

// CertificateTrusted reports whether the chain verified to a trusted root
// with no policy downgrade. Meaningful only once the verify pipeline ran.
func (e *TlsEndpointState) CertificateTrusted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.certificateTrusted
}

func (e *TlsEndpointState) setCertificateTrusted(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.certificateTrusted = v
	e.verifyRan = true
}

// SetLocalCredentials installs the chain (leaf first) and key the proxy will
// present to this side.
func (e *TlsEndpointState) SetLocalCredentials(chain []*x509.Certificate, key interface{}, passphrase string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.localCertChain = chain
	e.localPrivKey = key
	e.localPrivKeyPassword = passphrase
}

func (e *TlsEndpointState) localCredentials() ([]*x509.Certificate, interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localCertChain, e.localPrivKey
}

// SNIHostname returns the SNI value read by policy.
func (e *TlsEndpointState) SNIHostname() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tlsextServerHostName
}

func (e *TlsEndpointState) setSNIHostname(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tlsextServerHostName = name
}

// ServerPeerCaList is the set of distinguished names the remote side
// advertised as acceptable CAs (server side only), used to pick a client cert.
func (e *TlsEndpointState) ServerPeerCaList() []pkix.Name {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.serverPeerCaList
}

func (e *TlsEndpointState) setServerPeerCaList(names []pkix.Name) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.serverPeerCaList = names
}

// HostIfaceRegistered reports whether the host-name verification interface
// is currently registered on this (server) side.
func (e *TlsEndpointState) HostIfaceRegistered() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hostIfaceRegistered
}

func (e *TlsEndpointState) registerHostIface() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hostIfaceRegistered = true
}

// acceptableCAsFromRequestInfo converts the CertificateRequestInfo the
// standard library builds during a client handshake into the distinguished
// name list §3 calls server_peer_ca_list.
func acceptableCAsFromRequestInfo(info *tls.CertificateRequestInfo) []pkix.Name {
	names := make([]pkix.Name, 0, len(info.AcceptableCAs))
	for _, raw := range info.AcceptableCAs {
		var name pkix.RDNSequence
		if _, err := asn1.Unmarshal(raw, &name); err == nil {
			var pn pkix.Name
			pn.FillFromRDNSequence(&name)
			names = append(names, pn)
		}
	}
	return names
}
