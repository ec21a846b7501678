package mesh

import (
	"context"
	"errors"
)

// Command errors surfaced by Commander implementations.
var (
	// ErrExportDisabled means the firmware refused the private-key export
	// (it must be built with export support enabled).
	ErrExportDisabled = errors.New("mesh: private key export disabled on firmware")

	// ErrCommandFailed covers any other device command failure.
	ErrCommandFailed = errors.New("mesh: device command failed")
)

// Commander is the on-demand command surface of the connected node.
//
// Implementations live in the device transport layer; this package only
// defines the contract the uploader depends on.
type Commander interface {
	// ExportPrivateKey asks the node for its expanded Ed25519 private
	// key. Returns the raw 64 key bytes on success.
	//
	// Implementations must honour ctx cancellation; the call crosses the
	// radio link and can be slow.
	ExportPrivateKey(ctx context.Context) ([]byte, error)
}
