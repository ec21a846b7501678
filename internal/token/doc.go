// Package token issues the short-lived signed bearer tokens used for
// auth-token MQTT endpoints.
//
// Tokens are MeshCore-ecosystem JWTs signed with the node's expanded
// Ed25519 private key (alg "Ed25519"). Two signer implementations are tried
// in fixed order, first success wins:
//
//  1. the external meshcore-decoder CLI, when configured and present on PATH
//  2. an in-process signer built on the same expanded key material
//
// Key material resolves from explicit configuration first, then from the
// device's private-key-export command. Resolution failure is terminal for
// token-based endpoints and is reported, not retried indefinitely.
//
// Issued tokens are cached per (audience, claims) and reissued only within
// a short margin of expiry, or immediately after Invalidate (broker-side
// auth rejection).
package token
