package zorptls

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies why a handshake failed, per the error taxonomy.
type ErrorKind int

const (
	// ErrTlsProtocol is any non-zero error surfaced by the TLS library itself.
	ErrTlsProtocol ErrorKind = iota
	// ErrTimeout is a handshake that did not complete within handshake_timeout.
	ErrTimeout
	// ErrBufferInjection is bytes observed above the TLS layer at setup or completion.
	ErrBufferInjection
	// ErrPolicyInvalid is a malformed or unsupported policy callback entry.
	ErrPolicyInvalid
	// ErrPolicyReject is an explicit Reject verdict, or Accept combined with a failed chain.
	ErrPolicyReject
	// ErrLocalKeyMissing is a missing local cert/key on the client side when required.
	ErrLocalKeyMissing
	// ErrSystem is an errno surfaced from the underlying stream.
	ErrSystem
)

func (k ErrorKind) String() string {
	switch k {
	case ErrTlsProtocol:
		return "tls_protocol"
	case ErrTimeout:
		return "timeout"
	case ErrBufferInjection:
		return "buffer_injection"
	case ErrPolicyInvalid:
		return "policy_invalid"
	case ErrPolicyReject:
		return "policy_reject"
	case ErrLocalKeyMissing:
		return "local_key_missing"
	case ErrSystem:
		return "system"
	default:
		return "unknown"
	}
}

// HandshakeError is the taxonomy of §7, carrying the numeric/text detail the
// completion callback reports through TlsHandshake.Err.
type HandshakeError struct {
	Kind ErrorKind
	Side Side
	// Code is the failed step's TlsCode when the handshake driver builds an
	// ErrTlsProtocol error from a TLS library failure; it is 0 otherwise.
	Code int
	msg  string
	wrap error
}

func (e *HandshakeError) Error() string {
	if e.msg != "" {
		return fmt.Sprintf("%s side=%s: %s", e.Kind, e.Side, e.msg)
	}
	return fmt.Sprintf("%s side=%s", e.Kind, e.Side)
}

// Unwrap lets errors.Is/errors.As and github.com/pkg/errors.Cause see through
// to the underlying cause, if any.
func (e *HandshakeError) Unwrap() error {
	return e.wrap
}

func newHandshakeError(kind ErrorKind, side Side, cause error, format string, args ...interface{}) *HandshakeError {
	he := &HandshakeError{Kind: kind, Side: side, msg: fmt.Sprintf(format, args...)}
	if cause != nil {
		he.wrap = errors.Wrap(cause, he.msg)
	}
	return he
}
