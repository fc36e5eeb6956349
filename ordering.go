package zorptls

import (
	"context"
	"crypto/tls"
	"crypto/x509"

	"github.com/account-login/ctxlog"
)

// ExecutionMode selects which of the three handshake drivers (§4.F)
// Coordinator.RequestHandshake uses.
type ExecutionMode int

const (
	ModeBlocking ExecutionMode = iota
	ModeSemiNonBlocking
	ModeAsync
)

// Coordinator is component H: the ordering coordinator that decides
// run-now vs delay-until-peer and triggers the deferred side once its peer
// completes.
type Coordinator struct {
	Cfg    *EncryptionConfig
	Bridge *Bridge
	Group  *Group
	Mode   ExecutionMode
	Handler interface{}

	States    PerSide[*TlsEndpointState]
	Streams   PerSide[Stream]
	TlsBase   PerSide[*tls.Config]
	TrustPool PerSide[*x509.CertPool]

	// ConnectUpstream opens the server-facing socket synchronously; used
	// only when Cfg.ForceConnectAtHandshake is set and side == Client
	// (§4.H step 2). May be nil if the caller never needs it.
	ConnectUpstream func(ctx context.Context) error

	// OnHandshakeDone, if set, is notified after every successful
	// handshake, for async-mode callers and for demo wiring.
	OnHandshakeDone func(side Side, h *TlsHandshake)
}

// RequestHandshake implements §4.H in order. It returns nil on success,
// including the "deferred" outcome (handshake_pending[side] is then true).
func (c *Coordinator) RequestHandshake(ctx context.Context, side Side, forced bool) error {
	state := c.States[side]
	other := Other(side)
	otherState := c.States[other]

	// 1. Already have a session on this side.
	if state.HasSession() {
		return nil
	}

	// 2. Client side with force_connect_at_handshake: open upstream now.
	// Per §9 this rule is only meaningful/honored in server-first mode;
	// in client-first mode it is silently ignored, matching the source.
	if side == Client && c.Cfg.ForceConnectAtHandshake && c.Cfg.HandshakeSeq == ServerFirst {
		if c.ConnectUpstream != nil {
			if err := c.ConnectUpstream(ctx); err != nil {
				return err
			}
		}
	}

	// 3. Defer iff all of the rendezvous conditions hold.
	if c.shouldDefer(side, forced) {
		state.setHandshakePending(true)
		ctxlog.Infof(ctx, "Delaying SSL handshake after the other endpoint is ready; side=%v", side)
		return nil
	}

	// 4. Run now.
	if err := c.runNow(ctx, side); err != nil {
		return err
	}

	// In async mode runNow only kicked the handshake off; it hasn't
	// finished yet, so there is no "other side" outcome to react to here.
	// runNow's own completion callback runs the deferred other side once
	// this one actually completes (§4.F: "the caller's outer loop drives
	// it", not RequestHandshake).
	if c.Mode == ModeAsync {
		return nil
	}

	// On success, run the other side's deferred handshake, if any. Unlike
	// the async completion callback below, a synchronous caller is still
	// waiting here, so a failure of the deferred side is reported back to
	// it rather than just logged.
	if otherState.HandshakePending() {
		otherState.setHandshakePending(false)
		if err := c.runNow(ctx, other); err != nil {
			return err
		}
	}

	return nil
}

// shouldDefer implements §4.H step 3's conjunction as a pure function of
// the rendezvous state, as §9 recommends testing it in isolation.
func (c *Coordinator) shouldDefer(side Side, forced bool) bool {
	firstSide := Client
	if c.Cfg.HandshakeSeq == ServerFirst {
		firstSide = Server
	}
	if firstSide == side {
		// Our turn is first, not second.
		return false
	}
	if forced {
		return false
	}
	other := Other(side)
	if !c.Cfg.Security[other].enabled() {
		return false
	}
	// "not the case that this side is ForceTls while the other is not"
	if c.Cfg.Security[side] == SecurityForceTls && c.Cfg.Security[other] != SecurityForceTls {
		return false
	}
	if c.States[other].HasSession() {
		return false
	}
	return true
}

func (c *Coordinator) runNow(ctx context.Context, side Side) error {
	other := Other(side)
	h := NewHandshake(c.Streams[side], side, c.Cfg, c.Bridge, c.States[side], c.States[other],
		c.TlsBase[side], c.TrustPool[side], c.Handler)

	// Thread the hostname PeekSNI (or a completed Client-side handshake)
	// already learned into the Server-side handshake, so the proxy's
	// outbound ClientHello to the upstream carries the SNI the connecting
	// client actually requested (§1, §4.F setup step 2).
	if side == Server {
		if sni := c.States[Client].SNIHostname(); sni != "" {
			h.sniName = sni
		}
	}

	switch c.Mode {
	case ModeBlocking:
		if err := h.RunBlocking(ctx); err != nil {
			return err
		}
	case ModeSemiNonBlocking:
		if err := h.RunSemiNonBlocking(ctx, c.Group); err != nil {
			return err
		}
	case ModeAsync:
		// RunAsync itself never blocks; completion is reported later via
		// this callback, from whatever goroutine drains c.Group (§4.F: "the
		// caller's outer loop drives it", not runNow/RequestHandshake).
		h.RunAsync(ctx, c.Group, func(hs *TlsHandshake) {
			if hs.Err() != nil {
				ctxlog.Errorf(ctx, "async SSL handshake failed; side=%v, error=%v", side, hs.Err())
				return
			}
			if c.OnHandshakeDone != nil {
				c.OnHandshakeDone(side, hs)
			}
			c.runDeferredOtherAsync(ctx, other)
		})
		return nil
	}

	if c.OnHandshakeDone != nil {
		c.OnHandshakeDone(side, h)
	}
	return nil
}

// runDeferredOtherAsync runs other's deferred handshake from the async
// completion callback, once this side's handshake has actually finished
// rather than merely been kicked off. There is no synchronous caller left to
// report a failure to here, unlike the equivalent step in RequestHandshake,
// so a failure is logged rather than returned.
func (c *Coordinator) runDeferredOtherAsync(ctx context.Context, other Side) {
	otherState := c.States[other]
	if !otherState.HandshakePending() {
		return
	}
	otherState.setHandshakePending(false)
	if err := c.runNow(ctx, other); err != nil {
		ctxlog.Errorf(ctx, "deferred SSL handshake failed; side=%v, error=%v", other, err)
	}
}
