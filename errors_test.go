package zorptls

import (
	"errors"
	"testing"
)

func TestHandshakeErrorMessage(t *testing.T) {
	he := newHandshakeError(ErrTimeout, Server, nil, "deadline exceeded")
	if got := he.Error(); got != "timeout side=server: deadline exceeded" {
		t.Errorf("Error() = %q", got)
	}
}

func TestHandshakeErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	he := newHandshakeError(ErrSystem, Client, cause, "read failed")

	var target *HandshakeError
	if !errors.As(he, &target) {
		t.Fatal("errors.As should find the HandshakeError itself")
	}
	if errors.Unwrap(he) == nil {
		t.Fatal("Unwrap should return the wrapped cause")
	}
}

func TestErrorKindString(t *testing.T) {
	cases := map[ErrorKind]string{
		ErrTlsProtocol:      "tls_protocol",
		ErrTimeout:          "timeout",
		ErrBufferInjection:  "buffer_injection",
		ErrPolicyInvalid:    "policy_invalid",
		ErrPolicyReject:     "policy_reject",
		ErrLocalKeyMissing:  "local_key_missing",
		ErrSystem:           "system",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("%v.String() = %q, want %q", int(kind), got, want)
		}
	}
}
