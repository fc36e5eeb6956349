package zorptls

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
)

// StepCode is the result of one accept_step/connect_step call (§4.A).
type StepCode int

const (
	StepOk StepCode = iota
	StepWantRead
	StepWantWrite
	StepEof
	StepSysErr
	StepTlsErr
)

// StepResult is returned by Session.acceptStep/connectStep.
type StepResult struct {
	Code StepCode
	// Errno is set when Code == StepSysErr.
	Errno error
	// TlsCode/TlsText are set when Code == StepTlsErr.
	TlsCode int
	TlsText string
	// Cause is the original error, if any, preserved so callers that raised
	// a typed *HandshakeError (e.g. the verify callback) get it back intact
	// instead of a flattened string.
	Cause error
}

// Session is the TLS primitive adapter (§4.A): a thin capability over
// crypto/tls's *tls.Conn plus the bookkeeping the rest of the package needs
// (app-data back-pointer, peer cert, id/version/cipher).
//
// crypto/tls does not expose an incremental SSL_accept/SSL_connect step the
// way OpenSSL does; the idiomatic Go equivalent of "drive the handshake,
// suspending on WANT_READ/WANT_WRITE" is a goroutine blocked in the
// library's own Read/Write calls. Session's acceptStep/connectStep run the
// whole handshake on the calling goroutine and return its outcome; the
// handshake driver supplies that goroutine, and "goroutine not finished yet"
// is the suspended state. See DESIGN.md for the fidelity tradeoff this
// records.
type Session struct {
	conn *tls.Conn
	side Side

	// appData is the non-owning back-pointer the verify callbacks use to
	// recover the owning *TlsHandshake (§9 "back-pointer from TLS session
	// to handshake"). Go has no raw escape hatch comparable to OpenSSL's
	// app-data slot, so this is just a struct field instead of an arena
	// handle; the handshake and the session always share one allocation's
	// lifetime here, so no indirection is needed.
	appData *TlsHandshake

	doneCh chan error
	once   bool
}

// newSession wraps conn for side, recording appData for verify callback
// recovery.
func newSession(conn *tls.Conn, side Side, appData *TlsHandshake) *Session {
	return &Session{conn: conn, side: side, appData: appData, doneCh: make(chan error, 1)}
}

// AppData recovers the owning handshake, the Go analogue of reading back an
// OpenSSL app-data pointer from inside a verify callback.
func (s *Session) AppData() *TlsHandshake { return s.appData }

// Conn returns the underlying *tls.Conn, for callers that need to splice a
// completed session into a plain net.Conn-shaped pipeline (e.g. the SOCKS5
// relay's per-leaf reader/writer goroutines).
func (s *Session) Conn() *tls.Conn { return s.conn }

// PeerCert returns the peer's leaf certificate once the handshake has run.
func (s *Session) PeerCert() *x509.Certificate {
	state := s.conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil
	}
	return state.PeerCertificates[0]
}

// SessionID returns the negotiated TLS session id as it would be rendered in
// the "SSL handshake done" log line, in uppercase hex: the tls-unique channel
// binding when the library exposes one (it does not for TLS 1.3), otherwise
// a value derived from the negotiated version and cipher suite.
func (s *Session) SessionID() string {
	state := s.conn.ConnectionState()
	if len(state.TLSUnique) == 0 {
		// Hash of version and cipher suite only, so the log line always has
		// something to show; it is the same for every connection that
		// negotiates the same parameters.
		sum := sha256.Sum256(append([]byte{byte(state.Version), byte(state.CipherSuite)}, state.TLSUnique...))
		return hexUpper(sum[:16])
	}
	return hexUpper(state.TLSUnique)
}

// Version returns the negotiated protocol version string.
func (s *Session) Version() string {
	return tlsVersionName(s.conn.ConnectionState().Version)
}

// Cipher returns the negotiated cipher suite name.
func (s *Session) Cipher() string {
	return tls.CipherSuiteName(s.conn.ConnectionState().CipherSuite)
}

// Compression always reports "none": crypto/tls never negotiates TLS-level
// compression (it was removed from the protocol for CRIME/BREACH reasons).
func (s *Session) Compression() string { return "none" }

// acceptStep/connectStep run the handshake exactly once, on the caller's
// goroutine, translating net errors into the §4.A result codes. The driver
// (handshake.go) is the only caller and already runs this inside its own
// goroutine per execution mode, so blocking here is the suspension point
// described in §5.
func (s *Session) acceptStep(ctx context.Context) StepResult {
	return stepResultFromErr(s.conn.HandshakeContext(ctx))
}

func (s *Session) connectStep(ctx context.Context) StepResult {
	return stepResultFromErr(s.conn.HandshakeContext(ctx))
}

func stepResultFromErr(err error) StepResult {
	if err == nil {
		return StepResult{Code: StepOk}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return StepResult{Code: StepWantRead}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Err == nil {
			return StepResult{Code: StepEof}
		}
		return StepResult{Code: StepSysErr, Errno: opErr.Err}
	}

	if err.Error() == "EOF" {
		return StepResult{Code: StepEof}
	}

	return StepResult{Code: StepTlsErr, TlsCode: 1, TlsText: err.Error(), Cause: err}
}

func hexUpper(b []byte) string {
	const hexDigits = "0123456789ABCDEF"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0xf]
	}
	return string(out)
}

func tlsVersionName(v uint16) string {
	switch v {
	case tls.VersionTLS10:
		return "TLSv1.0"
	case tls.VersionTLS11:
		return "TLSv1.1"
	case tls.VersionTLS12:
		return "TLSv1.2"
	case tls.VersionTLS13:
		return "TLSv1.3"
	default:
		return "unknown"
	}
}
