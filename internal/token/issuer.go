package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/meshcore-dev/meshuplink/internal/mesh"
)

// expiryMargin is how close to expiry a cached token is considered stale.
const expiryMargin = 60 * time.Second

// Token is one issued bearer token. Borrowed read-only by endpoint
// connections for the duration of a connect attempt; never reused across a
// different audience.
type Token struct {
	Value       string
	Fingerprint string
	Audience    string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the token is unusable at time now, including the
// reissue margin.
func (t Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt.Add(-expiryMargin))
}

// ExtraClaims are the optional per-endpoint claim values.
type ExtraClaims struct {
	Owner string
	Email string
}

// Config holds issuer settings resolved from node configuration.
type Config struct {
	// PublicKeyHex is the node's 64-hex-char public key.
	PublicKeyHex string

	// PrivateKeyHex is the configured 128-hex-char expanded private key.
	// Empty means resolve from the device on first need.
	PrivateKeyHex string

	// DecoderCmd is the external signer invocation; empty disables it.
	DecoderCmd string

	// TTL is the token lifetime. Zero means one hour.
	TTL time.Duration

	// ClientID is the fixed product+version identity claim,
	// e.g. "meshuplink/1.2.0".
	ClientID string
}

// Logger is the logging surface the issuer needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Issuer produces and caches auth tokens.
//
// Thread Safety:
//   - All methods are safe for concurrent use; endpoints issue tokens from
//     their own goroutines.
type Issuer struct {
	cfg       Config
	commander mesh.Commander
	signers   []Signer
	log       Logger

	mu       sync.Mutex
	key      *Material
	keyErr   error
	keyWait  chan struct{}
	cache    map[string]Token
	inflight map[string]*issueCall

	// now is injectable for tests.
	now func() time.Time
}

// issueCall tracks one in-flight signing so concurrent Issue calls for the
// same audience share a single signer invocation.
type issueCall struct {
	done chan struct{}
	tok  Token
	err  error
}

// NewIssuer creates an Issuer with the standard signer chain: the external
// decoder CLI first (when configured), then the embedded signer.
//
// Parameters:
//   - cfg: Issuer configuration
//   - commander: Device command surface for on-demand key export (may be
//     nil when a key is configured)
//   - log: Logger for diagnostics
func NewIssuer(cfg Config, commander mesh.Commander, log Logger) *Issuer {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}

	var signers []Signer
	if cfg.DecoderCmd != "" {
		signers = append(signers, newDecoderSigner(cfg.DecoderCmd))
	}
	signers = append(signers, embeddedSigner{})

	return &Issuer{
		cfg:       cfg,
		commander: commander,
		signers:   signers,
		log:       log,
		cache:     make(map[string]Token),
		inflight:  make(map[string]*issueCall),
		now:       time.Now,
	}
}

// Issue returns a token for the audience, reusing the cached one unless it
// is within the expiry margin.
//
// Signing runs outside the issuer lock: the decoder CLI can take seconds,
// and one slow audience must not stall issuance for the others. Concurrent
// calls for the same audience share one signer invocation.
//
// Returns:
//   - Token: Valid token with expiry strictly in the future
//   - error: ErrKeyResolution or ErrSigningUnavailable
func (i *Issuer) Issue(ctx context.Context, audience string, extra ExtraClaims) (Token, error) {
	key, err := i.resolveKey(ctx)
	if err != nil {
		return Token{}, err
	}

	cacheKey := cacheKeyFor(audience, extra)

	i.mu.Lock()
	if cached, ok := i.cache[cacheKey]; ok && !cached.Expired(i.now()) {
		i.mu.Unlock()
		return cached, nil
	}
	if call, ok := i.inflight[cacheKey]; ok {
		i.mu.Unlock()
		select {
		case <-call.done:
			return call.tok, call.err
		case <-ctx.Done():
			return Token{}, ctx.Err()
		}
	}
	call := &issueCall{done: make(chan struct{})}
	i.inflight[cacheKey] = call
	issuedAt := i.now()
	i.mu.Unlock()

	claims := i.buildClaims(audience, extra, issuedAt)
	tok, err := i.signClaims(ctx, *key, claims, audience, issuedAt)

	i.mu.Lock()
	delete(i.inflight, cacheKey)
	if err == nil {
		i.cache[cacheKey] = tok
	}
	i.mu.Unlock()

	call.tok, call.err = tok, err
	close(call.done)
	return tok, err
}

// signClaims walks the signer chain until one produces a token.
func (i *Issuer) signClaims(ctx context.Context, key Material, claims Claims, audience string, issuedAt time.Time) (Token, error) {
	var lastErr error
	for _, signer := range i.signers {
		if !signer.Available() {
			i.log.Debug("signer unavailable", "signer", signer.Name())
			continue
		}
		value, signErr := signer.Sign(ctx, key, claims)
		if signErr != nil {
			i.log.Warn("signer failed", "signer", signer.Name(), "error", signErr)
			lastErr = signErr
			continue
		}

		tok := Token{
			Value:       value,
			Fingerprint: key.Fingerprint(),
			Audience:    audience,
			IssuedAt:    issuedAt,
			ExpiresAt:   issuedAt.Add(i.cfg.TTL),
		}
		i.log.Info("auth token issued",
			"signer", signer.Name(),
			"audience", audience,
			"expires_at", tok.ExpiresAt,
		)
		return tok, nil
	}

	if lastErr != nil {
		return Token{}, fmt.Errorf("%w: %w", ErrSigningUnavailable, lastErr)
	}
	return Token{}, ErrSigningUnavailable
}

// Invalidate drops the cached token for an audience so the next Issue
// produces a fresh one. Called after a broker-side auth rejection.
func (i *Issuer) Invalidate(audience string, extra ExtraClaims) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.cache, cacheKeyFor(audience, extra))
}

// ResolveKey eagerly resolves key material, for startup diagnostics.
// The result, success or failure, is cached either way.
func (i *Issuer) ResolveKey(ctx context.Context) error {
	_, err := i.resolveKey(ctx)
	return err
}

// resolveKey resolves key material once: configuration first, then the
// device export command. The export crosses the radio link and can be
// slow, so it runs outside the issuer lock; concurrent callers wait for
// the first. Failure is terminal and cached; endpoints report it rather
// than retrying indefinitely.
func (i *Issuer) resolveKey(ctx context.Context) (*Material, error) {
	for {
		i.mu.Lock()
		if i.key != nil {
			key := i.key
			i.mu.Unlock()
			return key, nil
		}
		if i.keyErr != nil {
			err := i.keyErr
			i.mu.Unlock()
			return nil, err
		}
		if i.keyWait != nil {
			wait := i.keyWait
			i.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		wait := make(chan struct{})
		i.keyWait = wait
		i.mu.Unlock()

		material, err := i.loadKeyMaterial(ctx)

		i.mu.Lock()
		if err != nil {
			i.keyErr = err
		} else {
			i.key = &material
		}
		i.keyWait = nil
		i.mu.Unlock()
		close(wait)
	}
}

// loadKeyMaterial assembles key material from configuration or the device.
func (i *Issuer) loadKeyMaterial(ctx context.Context) (Material, error) {
	public, err := hex.DecodeString(strings.TrimSpace(i.cfg.PublicKeyHex))
	if err != nil || len(public) != publicKeySize {
		return Material{}, fmt.Errorf("%w: node public key missing or malformed", ErrKeyResolution)
	}

	private, err := i.privateKeyBytes(ctx)
	if err != nil {
		i.log.Error("private key unresolvable, token auth cannot start", "error", err)
		return Material{}, fmt.Errorf("%w: %w", ErrKeyResolution, err)
	}

	material, err := NewMaterial(private, public)
	if err != nil {
		return Material{}, fmt.Errorf("%w: %w", ErrKeyResolution, err)
	}

	i.log.Info("signing key resolved", "fingerprint", material.Fingerprint())
	return material, nil
}

// privateKeyBytes returns configured key bytes, else asks the device.
func (i *Issuer) privateKeyBytes(ctx context.Context) ([]byte, error) {
	if hexKey := strings.TrimSpace(i.cfg.PrivateKeyHex); hexKey != "" {
		private, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("decoding configured private key: %w", err)
		}
		return private, nil
	}

	if i.commander == nil {
		return nil, fmt.Errorf("no private key configured and no device available")
	}

	i.log.Info("requesting private key export from device")
	private, err := i.commander.ExportPrivateKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("device private key export: %w", err)
	}
	return private, nil
}

// buildClaims assembles the fixed claim set.
func (i *Issuer) buildClaims(audience string, extra ExtraClaims, issuedAt time.Time) Claims {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(i.cfg.TTL)),
			ID:        uuid.NewString(),
		},
		Audience:  audience,
		Client:    i.cfg.ClientID,
		PublicKey: strings.ToUpper(i.cfg.PublicKeyHex),
		Owner:     extra.Owner,
		Email:     extra.Email,
	}
	return claims
}

// cacheKeyFor derives the cache key from audience plus a claims hash.
func cacheKeyFor(audience string, extra ExtraClaims) string {
	sum := sha256.Sum256([]byte(extra.Owner + "\x00" + extra.Email))
	return audience + "|" + hex.EncodeToString(sum[:8])
}
