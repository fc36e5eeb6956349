package zorptls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"sync"

	"github.com/account-login/ctxlog"
)

// driverState is the {Fresh, Running, Done} state machine of §4.F.
type driverState int

const (
	stateFresh driverState = iota
	stateRunning
	stateDone
)

// CompletionFunc is the at-most-once continuation TlsHandshake fires on
// completion (§3).
type CompletionFunc func(h *TlsHandshake)

// TlsHandshake is one in-flight handshake (§3). It is created by the
// ordering coordinator (ordering.go) and driven by Run*/Step below.
type TlsHandshake struct {
	mu sync.Mutex

	stream Stream
	side   Side
	cfg    *EncryptionConfig
	bridge *Bridge
	state  *TlsEndpointState
	// otherState is the peer side's endpoint state, read for keybridging
	// (setup_key's otherSidePeerCert argument) and the ordering rendezvous.
	otherState *TlsEndpointState
	handler    interface{}
	trustPool  *x509.CertPool
	tlsBase    *tls.Config

	sniName string

	session      *Session
	driverState  driverState
	completionCb CompletionFunc

	savedCtx      StreamContext
	timeoutHandle *TimeoutHandle

	completed bool
	err       error
}

// NewHandshake creates a handshake object for side on stream, registered
// (conceptually) on the stream's handshake list so the stream's destruction
// reaps it (§3 lifecycle); Go's garbage collector plays that role here, so
// there is no explicit registration call to make.
func NewHandshake(stream Stream, side Side, cfg *EncryptionConfig, bridge *Bridge,
	state, otherState *TlsEndpointState, tlsBase *tls.Config, trustPool *x509.CertPool, handler interface{}) *TlsHandshake {

	return &TlsHandshake{
		stream:     stream,
		side:       side,
		cfg:        cfg,
		bridge:     bridge,
		state:      state,
		otherState: otherState,
		tlsBase:    tlsBase,
		trustPool:  trustPool,
		handler:    handler,
	}
}

// SetCompletionCallback installs the at-most-once completion continuation.
func (h *TlsHandshake) SetCompletionCallback(cb CompletionFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completionCb = cb
}

// Err reports the final status once Completed() is true.
func (h *TlsHandshake) Err() error { h.mu.Lock(); defer h.mu.Unlock(); return h.err }

func (h *TlsHandshake) Completed() bool { h.mu.Lock(); defer h.mu.Unlock(); return h.completed }

// Session returns the negotiated session once the handshake succeeded.
func (h *TlsHandshake) Session() *Session { h.mu.Lock(); defer h.mu.Unlock(); return h.session }

// setup performs the one-time preparation common to every execution mode:
// the clear-text injection guard, session creation, SNI peek/propagation,
// and the client-side local-key load.
func (h *TlsHandshake) setup(ctx context.Context) error {
	if n := h.stream.BufferedBytes(); n > 0 {
		ctxlog.Errorf(ctx, "Protocol error: possible clear text injection, buffers above the SSL stream are not empty; bytes=%v", n)
		return newHandshakeError(ErrBufferInjection, h.side, nil, "%v bytes buffered above the SSL stream", n)
	}

	if h.side == Client && h.cfg.HandshakeSeq == ClientFirst {
		sni, ok, err := PeekSNI(h.stream)
		if err != nil {
			return newHandshakeError(ErrSystem, h.side, err, "sni peek")
		}
		if ok {
			h.sniName = sni
			h.state.setSNIHostname(sni)
		}
	}

	tlsCfg := h.tlsBase.Clone()
	tlsCfg.InsecureSkipVerify = true // the verify pipeline (verify.go) replaces stdlib verification
	if h.trustPool != nil {
		tlsCfg.RootCAs = h.trustPool
		tlsCfg.ClientCAs = h.trustPool
	}

	var conn *tls.Conn
	if h.side == Client {
		// proxy is the TLS server toward the connecting client.
		cert, err := LoadLocalKey(ctx, h.bridge, h.side, h.state, h.peerCertOfOtherSide(), h.sniName, h.handler, h.trustPool)
		if err != nil {
			return err
		}
		if cert != nil {
			tlsCfg.Certificates = []tls.Certificate{*cert}
		}
		if h.sniName != "" {
			tlsCfg.ServerName = h.sniName
		}
		tlsCfg.VerifyPeerCertificate = h.makeVerifyCallback(ctx)
		if h.cfg.VerifyType[Client] != VerifyNone {
			tlsCfg.ClientAuth = tls.RequireAnyClientCert
		}
		conn = tls.Server(h.stream, tlsCfg)
	} else {
		// proxy is the TLS client toward the upstream server.
		tlsCfg.VerifyPeerCertificate = h.makeVerifyCallback(ctx)
		if h.sniName != "" {
			tlsCfg.ServerName = h.sniName
		}
		tlsCfg.GetClientCertificate = func(info *tls.CertificateRequestInfo) (*tls.Certificate, error) {
			h.state.setServerPeerCaList(acceptableCAsFromRequestInfo(info))
			cert, err := LoadLocalKey(ctx, h.bridge, h.side, h.state, h.peerCertOfOtherSide(), h.sniName, h.handler, h.trustPool)
			if err != nil || cert == nil {
				return &tls.Certificate{}, nil
			}
			return cert, nil
		}
		conn = tls.Client(h.stream, tlsCfg)
	}

	h.session = newSession(conn, h.side, h)
	h.session.appData = h

	return nil
}

func (h *TlsHandshake) peerCertOfOtherSide() *x509.Certificate {
	if h.otherState == nil {
		return nil
	}
	return h.otherState.PeerCert()
}

// makeVerifyCallback adapts crypto/tls's whole-chain VerifyPeerCertificate
// hook to the per-cert-then-chain pipeline of §4.D, using VerifyContext.
func (h *TlsHandshake) makeVerifyCallback(ctx context.Context) func([][]byte, [][]*x509.Certificate) error {
	vc := NewVerifyContext(ctx, h.cfg, h.bridge, h.side, h.state, h.handler)

	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return newHandshakeError(ErrTlsProtocol, h.side, nil, "peer presented no certificate")
		}

		chain := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return newHandshakeError(ErrTlsProtocol, h.side, err, "parse peer certificate")
			}
			chain = append(chain, cert)
		}
		leaf := chain[0]

		opts := x509.VerifyOptions{Intermediates: x509.NewCertPool(), Roots: h.trustPool}
		for _, c := range chain[1:] {
			opts.Intermediates.AddCert(c)
		}
		if h.side == Server && h.cfg.ServerCheckSubject && h.sniName != "" {
			opts.DNSName = h.sniName
		}
		_, verifyErrRaw := leaf.Verify(opts)
		verifyErr := classifyVerifyError(leaf, verifyErrRaw)
		verifyFailed := verifyErrRaw != nil

		for depth := range chain {
			res := vc.verifyCert(depth, !verifyFailed, verifyErr)
			if !res.accept {
				return newHandshakeError(ErrPolicyReject, h.side, nil, "verify rejected at depth %v: %v", depth, res.overriden)
			}
			if !res.trusted {
				h.state.setCertificateTrusted(false)
			}
		}

		accept, err := vc.verifyChain(leaf, verifyFailed, verifyErr)
		if err != nil {
			return err
		}
		if !accept {
			return newHandshakeError(ErrPolicyReject, h.side, nil, "chain rejected")
		}

		return nil
	}
}

// step runs accept_step (client-facing) or connect_step (server-facing)
// exactly once to completion. crypto/tls has no incremental handshake
// stepping API; the suspension points of §4.F (WANT_READ/WANT_WRITE) are
// modeled by the goroutine that calls step() blocking inside the library's
// own I/O, which is the idiomatic Go equivalent (§9).
func (h *TlsHandshake) step(ctx context.Context) StepResult {
	if h.side == Client {
		return h.session.acceptStep(ctx)
	}
	return h.session.connectStep(ctx)
}

// finish is the single place that records the terminal outcome, restores
// the stream context, detaches the timeout, fetches the peer cert on
// success, logs the Observable lines of §6, and fires the completion
// callback exactly once (nulled before invocation so reentry cannot
// double-fire, §3, §8).
func (h *TlsHandshake) finish(ctx context.Context, result StepResult) {
	h.mu.Lock()
	if h.completed {
		h.mu.Unlock()
		return
	}
	h.completed = true
	h.driverState = stateDone

	var finalErr error
	switch result.Code {
	case StepOk:
		h.state.setPeerCert(h.session.PeerCert())
		if h.side == Server {
			vcDummy := NewVerifyContext(ctx, h.cfg, h.bridge, h.side, h.state, h.handler)
			vcDummy.maybeRegisterHostIface()
		}
		h.state.setSession(h.session)
	case StepEof:
		finalErr = newHandshakeError(ErrSystem, h.side, nil, "peer closed the connection during handshake")
	case StepSysErr:
		finalErr = newHandshakeError(ErrSystem, h.side, result.Errno, "system error")
	case StepTlsErr:
		var he *HandshakeError
		if result.Cause != nil && errors.As(result.Cause, &he) {
			finalErr = he
		} else {
			he = newHandshakeError(ErrTlsProtocol, h.side, result.Cause, "%v", result.TlsText)
			he.Code = result.TlsCode
			finalErr = he
		}
	default: // StepWantRead, StepWantWrite
		// step() never suspends and resumes the way OpenSSL's incremental
		// accept/connect does (§9): one call either finishes the handshake
		// or blocks until handshake_timeout expires the context, which
		// crypto/tls reports as a context.DeadlineExceeded net.Error and
		// stepResultFromErr classifies as StepWantRead/StepWantWrite. Both
		// therefore mean the handshake timed out, never "call step again".
		finalErr = newHandshakeError(ErrTimeout, h.side, nil, "handshake timed out")
	}
	h.err = finalErr

	cb := h.completionCb
	h.completionCb = nil
	h.mu.Unlock()

	if n := h.stream.BufferedBytes(); n > 0 && finalErr == nil {
		h.mu.Lock()
		h.err = newHandshakeError(ErrBufferInjection, h.side, nil, "%v bytes buffered above the SSL stream after handshake", n)
		finalErr = h.err
		h.mu.Unlock()
		ctxlog.Errorf(ctx, "Protocol error: possible clear text injection, buffers above the SSL stream are not empty; bytes=%v", n)
	}

	if h.timeoutHandle != nil {
		h.timeoutHandle.Detach()
	}
	h.stream.RestoreContext(h.savedCtx)

	if finalErr != nil {
		ctxlog.Errorf(ctx, "SSL handshake failed; side=%v, error=%v", h.side, finalErr)
	} else {
		s := h.session
		ctxlog.Infof(ctx, "SSL handshake done; side=%v, version=%v, cipher=%v, compression=%v, tls_session_id=%v",
			h.side, s.Version(), s.Cipher(), s.Compression(), s.SessionID())
	}

	if cb != nil {
		cb(h)
	}
}

// RunBlocking is the blocking execution mode: the stream is blocking, a
// stream-level timeout of handshake_timeout is set, step runs once
// synchronously, then the timeout is cleared (§4.F).
func (h *TlsHandshake) RunBlocking(ctx context.Context) error {
	h.savedCtx = h.stream.SaveContext()
	if err := h.setup(ctx); err != nil {
		h.finish(ctx, StepResult{Code: StepTlsErr, TlsText: err.Error(), Cause: err})
		return err
	}

	h.driverState = stateRunning
	h.stream.SetTimeout(h.cfg.HandshakeTimeout, h.cfg.HandshakeTimeout > 0)

	stepCtx := ctx
	var cancel context.CancelFunc
	if h.cfg.HandshakeTimeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, h.cfg.HandshakeTimeout)
		defer cancel()
	}

	result := h.step(stepCtx)
	h.finish(ctx, result)
	return h.err
}

// RunSemiNonBlocking sets the stream nonblocking, arms a scheduler timer,
// and drives the shared proxy-group scheduler until this handshake
// completes, letting sibling sessions make progress at suspension points
// (§4.F, §5).
func (h *TlsHandshake) RunSemiNonBlocking(ctx context.Context, group *Group) error {
	h.savedCtx = h.stream.SaveContext()
	if err := h.setup(ctx); err != nil {
		h.finish(ctx, StepResult{Code: StepTlsErr, TlsText: err.Error(), Cause: err})
		return err
	}

	h.driverState = stateRunning
	h.stream.SetNonBlock(true)
	if h.side == Client {
		h.stream.SetCond(CondPollIn, true)
	} else {
		h.stream.SetCond(CondPollOut, true)
	}

	if h.cfg.HandshakeTimeout > 0 {
		h.timeoutHandle = group.TimeoutSource(h.cfg.HandshakeTimeout, func() {
			ctxlog.Warnf(ctx, "SSL handshake timed out; side=%v", h.side)
			h.finish(ctx, StepResult{Code: StepTlsErr, TlsText: "handshake timed out", TlsCode: -1,
				Cause: newHandshakeError(ErrTimeout, h.side, nil, "handshake timed out")})
		})
	}

	go func() {
		result := h.step(context.Background())
		group.enqueue(func() { h.finish(ctx, result) })
	}()

	for !h.Completed() {
		if !group.Iteration() {
			break
		}
	}
	return h.Err()
}

// RunAsync is identical setup to RunSemiNonBlocking, but does not block the
// caller: cont fires on completion, and the caller's own outer loop is
// expected to drive group.Iteration() (§4.F).
func (h *TlsHandshake) RunAsync(ctx context.Context, group *Group, cont CompletionFunc) {
	h.SetCompletionCallback(cont)

	h.savedCtx = h.stream.SaveContext()
	if err := h.setup(ctx); err != nil {
		h.finish(ctx, StepResult{Code: StepTlsErr, TlsText: err.Error(), Cause: err})
		return
	}

	h.driverState = stateRunning
	h.stream.SetNonBlock(true)
	if h.side == Client {
		h.stream.SetCond(CondPollIn, true)
	} else {
		h.stream.SetCond(CondPollOut, true)
	}

	if h.cfg.HandshakeTimeout > 0 {
		h.timeoutHandle = group.TimeoutSource(h.cfg.HandshakeTimeout, func() {
			ctxlog.Warnf(ctx, "SSL handshake timed out; side=%v", h.side)
			h.finish(ctx, StepResult{Code: StepTlsErr, TlsText: "handshake timed out", TlsCode: -1,
				Cause: newHandshakeError(ErrTimeout, h.side, nil, "handshake timed out")})
		})
	}

	go func() {
		result := h.step(context.Background())
		group.enqueue(func() { h.finish(ctx, result) })
	}()
}
