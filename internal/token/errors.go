package token

import "errors"

// Domain-specific errors for token issuance.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrKeyResolution means no private key material could be resolved
	// from configuration or the device. Terminal for token-based
	// endpoints until reconfiguration.
	ErrKeyResolution = errors.New("token: private key unresolvable")

	// ErrSigningUnavailable means every signer in the chain failed for
	// the current issue attempt. Retried on the next token need.
	ErrSigningUnavailable = errors.New("token: no signer available")

	// ErrInvalidKey is returned for key material with the wrong length
	// or encoding.
	ErrInvalidKey = errors.New("token: invalid key material")
)
