package zorptls

import (
	"crypto/tls"
	"crypto/x509"
)

// ProxySession ties the two per-side TlsEndpointState values and a
// Coordinator together into the minimal "surrounding proxy" needed to
// exercise request_handshake end-to-end; the real proxy object (its
// endpoints, logger, scheduler group) is an external collaborator per §1,
// so this is intentionally thin — just enough for tests and the demo
// binaries to drive a two-sided handshake.
type ProxySession struct {
	Client TlsEndpointState
	Server TlsEndpointState

	Coordinator *Coordinator
}

// NewProxySession wires a Coordinator around a fresh pair of endpoint
// states for the two streams and TLS configs supplied.
func NewProxySession(cfg *EncryptionConfig, bridge *Bridge, group *Group, mode ExecutionMode,
	clientStream, serverStream Stream, clientTlsBase, serverTlsBase *tls.Config,
	clientTrust, serverTrust *x509.CertPool, handler interface{}) *ProxySession {

	ps := &ProxySession{}
	ps.Coordinator = &Coordinator{
		Cfg:     cfg,
		Bridge:  bridge,
		Group:   group,
		Mode:    mode,
		Handler: handler,
		States:  PerSide[*TlsEndpointState]{&ps.Client, &ps.Server},
		Streams: PerSide[Stream]{clientStream, serverStream},
		TlsBase: PerSide[*tls.Config]{clientTlsBase, serverTlsBase},
		TrustPool: PerSide[*x509.CertPool]{clientTrust, serverTrust},
	}
	return ps
}

// State returns the endpoint state for side.
func (ps *ProxySession) State(side Side) *TlsEndpointState {
	if side == Client {
		return &ps.Client
	}
	return &ps.Server
}

// ClearSession implements the clear_session operation named throughout §4:
// it unrefs the side's session and, for the server side, also removes the
// host-name verification interface registered on the proxy (§4.D, §8).
func (ps *ProxySession) ClearSession(side Side) {
	ps.State(side).ClearSession()
}
