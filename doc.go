// Package zorptls drives the TLS handshake on both sides of a proxied
// connection and applies a policy-driven certificate verification model on
// top of it.
//
// A proxy session has two endpoints, client-facing and server-facing
// (see Side). For each endpoint this package can run a TLS handshake in
// blocking, semi-non-blocking, or continuation-passing mode, peek a
// ClientHello for its SNI name before running the real handshake, load
// local substitute credentials for keybridging, and decide per chain
// whether to accept, downgrade to "untrusted but allowed", or reject,
// consulting policy callbacks along the way.
//
// The stream/BIO abstraction a handshake drives, the policy callback
// runtime, and the surrounding proxy (its endpoints, logger, scheduler
// group) are external collaborators; this package only specifies and
// consumes their contracts (see Stream, PolicyRuntime, Group).
package zorptls
