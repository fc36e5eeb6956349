package zorptls

import (
	"context"
	"crypto/x509"

	"github.com/account-login/ctxlog"
)

// VerifyError names the classic OpenSSL X509_V_ERR_* verify error a chain
// failed with, kept as the original strings so policy callbacks and log
// lines read the way the original Zorp proxy's did (§6, §9).
type VerifyError string

const (
	VerifyErrOk                           VerifyError = "X509_V_OK"
	VerifyErrDepthZeroSelfSigned          VerifyError = "DEPTH_ZERO_SELF_SIGNED_CERT"
	VerifyErrSelfSignedInChain            VerifyError = "SELF_SIGNED_CERT_IN_CHAIN"
	VerifyErrUnableToGetIssuerCertLocally VerifyError = "UNABLE_TO_GET_ISSUER_CERT_LOCALLY"
	VerifyErrUnableToGetIssuerCert        VerifyError = "UNABLE_TO_GET_ISSUER_CERT"
	VerifyErrCertUntrusted                VerifyError = "CERT_UNTRUSTED"
	VerifyErrUnableToVerifyLeafSignature  VerifyError = "UNABLE_TO_VERIFY_LEAF_SIGNATURE"
	VerifyErrUnableToGetCrl               VerifyError = "UNABLE_TO_GET_CRL"
	VerifyErrCertChainTooLong             VerifyError = "CERT_CHAIN_TOO_LONG"
	VerifyErrCertHasExpired               VerifyError = "CERT_HAS_EXPIRED"
	VerifyErrCertRejected                 VerifyError = "CERT_REJECTED"
	VerifyErrHostnameMismatch             VerifyError = "HOSTNAME_MISMATCH"
)

// untrustedErrorSet is the glossary's "six X.509 verify errors the core
// treats as policy-negotiable rather than fatal" (§4.D step 4, GLOSSARY).
var untrustedErrorSet = map[VerifyError]bool{
	VerifyErrDepthZeroSelfSigned:          true,
	VerifyErrSelfSignedInChain:            true,
	VerifyErrUnableToGetIssuerCertLocally: true,
	VerifyErrUnableToGetIssuerCert:        true,
	VerifyErrCertUntrusted:                true,
	VerifyErrUnableToVerifyLeafSignature:  true,
}

// classifyVerifyError maps a crypto/x509 verification error onto the
// OpenSSL-shaped taxonomy above. crypto/x509 reports one error for the whole
// chain rather than OpenSSL's per-depth incremental error, so every cert in
// the chain is judged against this single classification; see DESIGN.md.
func classifyVerifyError(leaf *x509.Certificate, err error) VerifyError {
	if err == nil {
		return VerifyErrOk
	}

	switch e := err.(type) {
	case x509.UnknownAuthorityError:
		if leaf != nil && leaf.Issuer.String() == leaf.Subject.String() {
			return VerifyErrDepthZeroSelfSigned
		}
		return VerifyErrUnableToGetIssuerCertLocally
	case x509.CertificateInvalidError:
		switch e.Reason {
		case x509.Expired:
			return VerifyErrCertHasExpired
		case x509.NotAuthorizedToSign, x509.IncompatibleUsage:
			return VerifyErrUnableToVerifyLeafSignature
		default:
			return VerifyErrCertRejected
		}
	case x509.HostnameError:
		return VerifyErrHostnameMismatch
	case x509.SystemRootsError:
		return VerifyErrUnableToGetIssuerCert
	default:
		return VerifyErrCertRejected
	}
}

// VerifyContext is the shared state the per-cert callback and the chain
// callback trampoline into (§9 "dual verify callbacks"), never free
// functions reaching into globals.
type VerifyContext struct {
	ctx     context.Context
	cfg     *EncryptionConfig
	bridge  *Bridge
	side    Side
	state   *TlsEndpointState
	handler interface{} // opaque "handler" value forwarded to policy callbacks
}

// NewVerifyContext builds the shared verify state for one handshake.
func NewVerifyContext(ctx context.Context, cfg *EncryptionConfig, bridge *Bridge, side Side, state *TlsEndpointState, handler interface{}) *VerifyContext {
	return &VerifyContext{ctx: ctx, cfg: cfg, bridge: bridge, side: side, state: state, handler: handler}
}

// perCertResult is what verifyCert (the per-certificate callback, §4.D
// numbered list 1-6) decides for one cert at one depth.
type perCertResult struct {
	accept    bool
	trusted   bool // only meaningful when accept == true
	overriden VerifyError
}

// verifyCert implements the per-certificate callback: one invocation per
// chain cert, leaf-to-root order, given the cert's depth, the chain-level
// preverify_ok flag, and the current verify_error.
func (vc *VerifyContext) verifyCert(depth int, preverifyOk bool, verifyErr VerifyError) perCertResult {
	verifyDepth := vc.cfg.VerifyDepth[vc.side]
	if depth > verifyDepth {
		ctxlog.Warnf(vc.ctx, "[side:%v] chain too long at depth %v > %v", vc.side, depth, verifyDepth)
		return perCertResult{accept: false, overriden: VerifyErrCertChainTooLong}
	}

	if preverifyOk {
		return perCertResult{accept: true, trusted: true}
	}

	if verifyErr == VerifyErrUnableToGetCrl && vc.cfg.PermitMissingCrl[vc.side] {
		return perCertResult{accept: true, trusted: false}
	}

	vt := vc.cfg.VerifyType[vc.side]
	if vt.untrustedVariant() {
		if vc.cfg.PermitInvalidCertificates[vc.side] {
			return perCertResult{accept: true, trusted: false}
		}
		if untrustedErrorSet[verifyErr] {
			ctxlog.Infof(vc.ctx, "Accepting untrusted certificate as directed by the policy; side=%v error=%v", vc.side, verifyErr)
			return perCertResult{accept: true, trusted: false}
		}
		ctxlog.Errorf(vc.ctx, "[side:%v] certificate verify failed: %v", vc.side, verifyErr)
		return perCertResult{accept: false, overriden: verifyErr}
	}

	if vt == VerifyNone {
		return perCertResult{accept: true, trusted: false}
	}

	ctxlog.Errorf(vc.ctx, "[side:%v] certificate verify failed: %v", vc.side, verifyErr)
	return perCertResult{accept: false, overriden: verifyErr}
}

// verifyChain implements the application chain callback: one invocation per
// handshake, after every per-cert call has accepted.
func (vc *VerifyContext) verifyChain(leaf *x509.Certificate, verifyFailed bool, verifyErr VerifyError) (accept bool, err error) {
	vc.state.setPeerCert(leaf)
	// Every per-cert call has already accepted, and each one downgrades
	// trust exactly when the chain failed verification.
	vc.state.setCertificateTrusted(!verifyFailed)

	var verdict Verdict
	var callErr error
	if vc.bridge.CallbackExists(vc.side, "verify_cert_ext") {
		verdict, callErr = vc.bridge.Invoke(vc.side, "verify_cert_ext", vc.side,
			[2]interface{}{vc.state.CertificateTrusted(), verifyErr}, leaf, vc.handler)
	} else {
		verdict, callErr = vc.bridge.Invoke(vc.side, "verify_cert", vc.side)
	}
	if callErr != nil {
		return false, callErr
	}

	switch verdict {
	case VerdictVerified:
		return true, nil
	case VerdictAccept:
		if verifyFailed {
			ctxlog.Errorf(vc.ctx, "[side:%v] chain verification failed: %v", vc.side, verifyErr)
			return false, nil
		}
		return true, nil
	default: // VerdictReject
		ctxlog.Errorf(vc.ctx, "[side:%v] chain rejected by policy", vc.side)
		return false, nil
	}
}

// maybeRegisterHostIface implements the rule at the end of §4.D: after a
// server-side handshake with RequiredTrusted/OptionalTrusted + check-subject,
// register the host-name verification interface.
func (vc *VerifyContext) maybeRegisterHostIface() {
	if vc.side != Server {
		return
	}
	vt := vc.cfg.VerifyType[Server]
	if vc.cfg.ServerCheckSubject && vt.trustedVariant() {
		vc.state.registerHostIface()
	}
}
