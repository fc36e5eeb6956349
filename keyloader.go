package zorptls

import (
	"context"
	"crypto/tls"
	"crypto/x509"

	"github.com/account-login/ctxlog"
)

// LoadLocalKey is component E: invoked immediately after session creation on
// the client-facing side, and again from within the TLS library's
// client-cert callback on the server-facing side.
//
// otherSidePeerCert is the peer certificate already observed on the other
// side, if any (used for keybridging decisions); sniName is the handshake's
// SNI name (on the client side, the one peeked before setup loads the key;
// empty when none is known).
func LoadLocalKey(ctx context.Context, bridge *Bridge, side Side, state *TlsEndpointState,
	otherSidePeerCert *x509.Certificate, sniName string, handler interface{},
	pool *x509.CertPool) (*tls.Certificate, error) {

	verdict, err := bridge.Invoke(side, "setup_key", side, otherSidePeerCert, sniName, handler)
	if err != nil {
		return nil, err
	}
	if verdict != VerdictAccept {
		return nil, newHandshakeError(ErrPolicyReject, side, nil, "setup_key callback returned %v", verdict)
	}

	chain, key := state.localCredentials()
	if len(chain) == 0 || key == nil {
		if side == Client {
			return nil, newHandshakeError(ErrLocalKeyMissing, side, nil, "no local certificate/key configured")
		}
		ctxlog.Warnf(ctx, "[side:%v] no local certificate/key configured", side)
		return nil, nil
	}

	leaf := chain[0]
	cert := &tls.Certificate{PrivateKey: key, Leaf: leaf}
	cert.Certificate = append(cert.Certificate, leaf.Raw)
	for _, intermediate := range chain[1:] {
		cert.Certificate = append(cert.Certificate, intermediate.Raw)
	}

	// Append every element of local_cert_chain to the session's trust
	// store; ignore "already present" so repeated intermediates are
	// idempotent (§4.E step 3, §9). x509.CertPool.AddCert dedupes by raw
	// DER content internally in the standard library, which is the
	// Go-native equivalent of draining OpenSSL's "already in hash table"
	// error from the per-thread error queue (§5).
	if pool != nil {
		for _, intermediate := range chain[1:] {
			pool.AddCert(intermediate)
		}
	}

	return cert, nil
}
