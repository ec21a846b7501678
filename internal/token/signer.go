package token

import (
	"context"
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/hex"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/golang-jwt/jwt/v5"
)

// Key lengths for the MeshCore expanded Ed25519 key format.
const (
	expandedKeySize = 64
	publicKeySize   = 32
)

// Material is resolved signing key material.
type Material struct {
	// Private is the 64-byte expanded private key: clamped scalar (32)
	// followed by the nonce prefix (32).
	Private []byte

	// Public is the 32-byte Ed25519 public key.
	Public []byte
}

// NewMaterial validates raw key bytes and builds Material.
func NewMaterial(private, public []byte) (Material, error) {
	if len(private) != expandedKeySize {
		return Material{}, fmt.Errorf("%w: private key is %d bytes, want %d", ErrInvalidKey, len(private), expandedKeySize)
	}
	if len(public) != publicKeySize {
		return Material{}, fmt.Errorf("%w: public key is %d bytes, want %d", ErrInvalidKey, len(public), publicKeySize)
	}
	return Material{Private: private, Public: public}, nil
}

// Fingerprint identifies the issuing key without exposing it.
func (m Material) Fingerprint() string {
	if len(m.Public) < 4 {
		return ""
	}
	return hex.EncodeToString(m.Public[:4])
}

// Claims is the fixed token claim set. The fields are set by contract, not
// user-settable: Client derives from product identity, Audience from
// endpoint configuration, expiry from issue time + TTL.
//
// Audience shadows the registered claim so a single audience serializes as
// a bare string, which is what the broker ecosystem verifies.
type Claims struct {
	jwt.RegisteredClaims
	Audience  string `json:"aud,omitempty"`
	Client    string `json:"client"`
	PublicKey string `json:"publicKey"`
	Owner     string `json:"owner,omitempty"`
	Email     string `json:"email,omitempty"`
}

// Signer produces a signed token for one set of claims.
type Signer interface {
	// Name identifies the signer in diagnostics.
	Name() string

	// Available reports whether this signer can be attempted at all.
	Available() bool

	// Sign produces the compact serialized token.
	Sign(ctx context.Context, key Material, claims Claims) (string, error)
}

// embeddedSigner signs in-process with the expanded key. It is the fallback
// when no external decoder CLI is usable and has no external dependencies.
type embeddedSigner struct{}

func (embeddedSigner) Name() string    { return "embedded" }
func (embeddedSigner) Available() bool { return true }

func (embeddedSigner) Sign(_ context.Context, key Material, claims Claims) (string, error) {
	tok := jwt.NewWithClaims(methodEd25519Expanded{}, claims)
	signed, err := tok.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// methodEd25519Expanded is a jwt.SigningMethod over the MeshCore expanded
// private key format. Standard library ed25519 only signs from a seed, so
// the scalar arithmetic is done directly.
type methodEd25519Expanded struct{}

func (methodEd25519Expanded) Alg() string { return "Ed25519" }

func (methodEd25519Expanded) Sign(signingString string, key any) ([]byte, error) {
	material, ok := key.(Material)
	if !ok {
		return nil, jwt.ErrInvalidKeyType
	}
	return signExpanded(material, []byte(signingString))
}

func (methodEd25519Expanded) Verify(signingString string, sig []byte, key any) error {
	material, ok := key.(Material)
	if !ok {
		return jwt.ErrInvalidKeyType
	}
	if !ed25519.Verify(ed25519.PublicKey(material.Public), []byte(signingString), sig) {
		return jwt.ErrSignatureInvalid
	}
	return nil
}

// signExpanded implements Ed25519 signing from an already-expanded key
// (scalar || prefix), producing signatures verifiable by crypto/ed25519:
//
//	r = H(prefix || msg) mod L
//	R = r * B
//	k = H(R || pub || msg) mod L
//	s = (k * scalar + r) mod L
//	sig = R || s
func signExpanded(key Material, message []byte) ([]byte, error) {
	h := sha512.New()
	h.Write(key.Private[32:])
	h.Write(message)
	r, err := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))
	if err != nil {
		return nil, fmt.Errorf("reducing nonce: %w", err)
	}

	bigR := (&edwards25519.Point{}).ScalarBaseMult(r)

	h.Reset()
	h.Write(bigR.Bytes())
	h.Write(key.Public)
	h.Write(message)
	k, err := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))
	if err != nil {
		return nil, fmt.Errorf("reducing challenge: %w", err)
	}

	// The clamped scalar can exceed the group order, so widen to 64
	// bytes and reduce instead of requiring canonical form.
	var wide [64]byte
	copy(wide[:], key.Private[:32])
	scalar, err := edwards25519.NewScalar().SetUniformBytes(wide[:])
	if err != nil {
		return nil, fmt.Errorf("reducing scalar: %w", err)
	}

	s := edwards25519.NewScalar().MultiplyAdd(k, scalar, r)

	sig := make([]byte, 0, 64)
	sig = append(sig, bigR.Bytes()...)
	sig = append(sig, s.Bytes()...)
	return sig, nil
}
