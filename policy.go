package zorptls

import (
	"sync"

	"github.com/pkg/errors"
)

// Verdict is the enumerated outcome of a policy callback invocation (§4.C,
// §6). The numeric values are a stable ABI point with the policy layer.
type Verdict int

const (
	// VerdictAccept means "use standard logic".
	VerdictAccept Verdict = 0
	// VerdictReject aborts the handshake.
	VerdictReject Verdict = 1
	// VerdictVerified asserts the chain is OK, overriding an untrusted-chain error.
	VerdictVerified Verdict = 2
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictReject:
		return "reject"
	case VerdictVerified:
		return "verified"
	default:
		return "unknown"
	}
}

// PolicyFunc is a callable entry in the policy runtime's handshake_hash. It
// receives the fixed-shape argument tuple for its callback name (§6) and
// returns a verdict. A non-integer return from the real policy runtime is
// modeled by returning an error from PolicyFunc; the bridge turns that into
// VerdictReject per §4.C.
type PolicyFunc func(args ...interface{}) (Verdict, error)

// PolicyRuntime is the external collaborator that stores configured
// callbacks and executes them (§6). The core only consumes this contract;
// the interpreter, its scripting language, and its global lock live outside
// this package.
type PolicyRuntime interface {
	// Lookup returns the stored entry for (side, name), or ok == false if
	// nothing is registered.
	Lookup(side Side, name string) (entry CallbackEntry, ok bool)
}

// Bridge is component C: it looks up policy callbacks by name+side, marshals
// arguments, and interprets the returned verdict code.
type Bridge struct {
	runtime PolicyRuntime
	// mu models the policy interpreter's process-wide global lock; the core
	// acquires it only for the duration of one policy call (§5).
	mu *sync.Mutex
}

// NewBridge wraps a PolicyRuntime. lock, if non-nil, is the process-global
// interpreter lock the runtime requires around every call; pass nil for a
// runtime that is already safe for concurrent invocation.
func NewBridge(runtime PolicyRuntime, lock *sync.Mutex) *Bridge {
	if lock == nil {
		lock = &sync.Mutex{}
	}
	return &Bridge{runtime: runtime, mu: lock}
}

// CallbackExists reports whether handshake_hash[side] has an entry named name.
func (b *Bridge) CallbackExists(side Side, name string) bool {
	_, ok := b.runtime.Lookup(side, name)
	return ok
}

// Invoke looks up (side, name) and calls it with args. A missing callback is
// not an error: it returns VerdictAccept. A malformed entry (wrong tag) fails
// with ErrPolicyInvalid and no verdict.
func (b *Bridge) Invoke(side Side, name string, args ...interface{}) (Verdict, error) {
	entry, ok := b.runtime.Lookup(side, name)
	if !ok {
		return VerdictAccept, nil
	}
	if entry.Tag != PolicyCallbackTag || entry.Call == nil {
		return 0, newHandshakeError(ErrPolicyInvalid, side, nil,
			"callback %q has tag %q, want %q", name, entry.Tag, PolicyCallbackTag)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	verdict, err := entry.Call(args...)
	if err != nil {
		// Non-integer/failed callback invocation is reported as Reject (§4.C).
		return VerdictReject, errors.Wrapf(err, "policy callback %q side=%s", name, side)
	}
	return verdict, nil
}

// mapPolicyRuntime is a minimal in-process PolicyRuntime suitable for tests
// and the demo binaries: callbacks are plain Go closures registered per
// (side, name), rather than calls into an external scripting interpreter.
type mapPolicyRuntime struct {
	mu      sync.RWMutex
	entries map[Side]map[string]CallbackEntry
}

// NewMapPolicyRuntime returns an empty in-process PolicyRuntime.
func NewMapPolicyRuntime() PolicyRuntime {
	return &mapPolicyRuntime{entries: map[Side]map[string]CallbackEntry{Client: {}, Server: {}}}
}

// Register installs fn as the named callback on side, tagged the way a well
// formed policy-layer entry would be.
func Register(rt PolicyRuntime, side Side, name string, fn PolicyFunc) {
	m, ok := rt.(*mapPolicyRuntime)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[side][name] = CallbackEntry{Tag: PolicyCallbackTag, Call: fn}
}

// RegisterMalformed installs an entry with the wrong tag, for exercising the
// ErrPolicyInvalid path in tests.
func RegisterMalformed(rt PolicyRuntime, side Side, name string) {
	m, ok := rt.(*mapPolicyRuntime)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[side][name] = CallbackEntry{Tag: "not a policy callback"}
}

func (m *mapPolicyRuntime) Lookup(side Side, name string) (CallbackEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[side][name]
	return e, ok
}
