package zorptls

import (
	"errors"
	"testing"
)

func TestBridgeInvokeMissingCallbackAccepts(t *testing.T) {
	rt := NewMapPolicyRuntime()
	b := NewBridge(rt, nil)

	if b.CallbackExists(Client, "verify_cert") {
		t.Fatal("expected no callback registered")
	}

	v, err := b.Invoke(Client, "verify_cert", "arg")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if v != VerdictAccept {
		t.Errorf("verdict = %v, want VerdictAccept", v)
	}
}

func TestBridgeInvokeMalformedCallback(t *testing.T) {
	rt := NewMapPolicyRuntime()
	RegisterMalformed(rt, Server, "setup_key")
	b := NewBridge(rt, nil)

	_, err := b.Invoke(Server, "setup_key")
	if err == nil {
		t.Fatal("expected ErrPolicyInvalid")
	}
	var he *HandshakeError
	if !errors.As(err, &he) {
		t.Fatalf("err is not *HandshakeError: %v", err)
	}
	if he.Kind != ErrPolicyInvalid {
		t.Errorf("Kind = %v, want ErrPolicyInvalid", he.Kind)
	}
}

func TestBridgeInvokeCallableError(t *testing.T) {
	rt := NewMapPolicyRuntime()
	wantErr := errors.New("script blew up")
	Register(rt, Client, "verify_cert", func(args ...interface{}) (Verdict, error) {
		return 0, wantErr
	})
	b := NewBridge(rt, nil)

	v, err := b.Invoke(Client, "verify_cert")
	if v != VerdictReject {
		t.Errorf("verdict = %v, want VerdictReject", v)
	}
	if err == nil || !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want wrapping %v", err, wantErr)
	}
}

func TestBridgeInvokeSuccess(t *testing.T) {
	rt := NewMapPolicyRuntime()
	Register(rt, Server, "verify_cert", func(args ...interface{}) (Verdict, error) {
		return VerdictVerified, nil
	})
	b := NewBridge(rt, nil)

	v, err := b.Invoke(Server, "verify_cert", 1, 2, 3)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if v != VerdictVerified {
		t.Errorf("verdict = %v, want VerdictVerified", v)
	}
}
