package token

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// testKeyMaterial derives the MeshCore expanded key format from a fresh
// standard Ed25519 key, so signatures can be checked with crypto/ed25519.
func testKeyMaterial(t *testing.T) (privateHex, publicHex string, pub ed25519.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	h := sha512.Sum512(priv.Seed())
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64

	expanded := make([]byte, 64)
	copy(expanded[:32], h[:32])
	copy(expanded[32:], h[32:])

	return hex.EncodeToString(expanded), hex.EncodeToString(pub), pub
}

type testLogger struct{}

func (testLogger) Debug(string, ...any) {}
func (testLogger) Info(string, ...any)  {}
func (testLogger) Warn(string, ...any)  {}
func (testLogger) Error(string, ...any) {}

// failingCommander always refuses the key export.
type failingCommander struct{}

func (failingCommander) ExportPrivateKey(context.Context) ([]byte, error) {
	return nil, errors.New("export refused")
}

// exportCommander serves a fixed key.
type exportCommander struct {
	key   []byte
	calls int
}

func (c *exportCommander) ExportPrivateKey(context.Context) ([]byte, error) {
	c.calls++
	return c.key, nil
}

func newTestIssuer(t *testing.T) (*Issuer, ed25519.PublicKey) {
	t.Helper()
	privHex, pubHex, pub := testKeyMaterial(t)
	issuer := NewIssuer(Config{
		PublicKeyHex:  pubHex,
		PrivateKeyHex: privHex,
		TTL:           time.Hour,
		ClientID:      "meshuplink/test",
	}, nil, testLogger{})
	return issuer, pub
}

func decodeSegment(t *testing.T, seg string) []byte {
	t.Helper()
	data, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		t.Fatalf("decoding segment: %v", err)
	}
	return data
}

func TestIssueEmbeddedSigner(t *testing.T) {
	issuer, pub := newTestIssuer(t)

	tok, err := issuer.Issue(context.Background(), "letsmesh.net", ExtraClaims{})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	parts := strings.Split(tok.Value, ".")
	if len(parts) != 3 {
		t.Fatalf("token has %d segments, want 3", len(parts))
	}

	var header map[string]string
	if err := json.Unmarshal(decodeSegment(t, parts[0]), &header); err != nil {
		t.Fatalf("decoding header: %v", err)
	}
	if header["alg"] != "Ed25519" || header["typ"] != "JWT" {
		t.Errorf("header = %v", header)
	}

	var claims map[string]any
	if err := json.Unmarshal(decodeSegment(t, parts[1]), &claims); err != nil {
		t.Fatalf("decoding claims: %v", err)
	}
	if claims["aud"] != "letsmesh.net" {
		t.Errorf("aud = %v", claims["aud"])
	}
	if claims["client"] != "meshuplink/test" {
		t.Errorf("client = %v", claims["client"])
	}
	if _, ok := claims["publicKey"].(string); !ok {
		t.Error("publicKey claim missing")
	}
	if _, ok := claims["exp"].(float64); !ok {
		t.Error("exp claim missing")
	}

	sig := decodeSegment(t, parts[2])
	signingInput := []byte(parts[0] + "." + parts[1])
	if !ed25519.Verify(pub, signingInput, sig) {
		t.Error("expanded-key signature does not verify against the standard public key")
	}

	if !tok.ExpiresAt.After(tok.IssuedAt) {
		t.Errorf("ExpiresAt %v not after IssuedAt %v", tok.ExpiresAt, tok.IssuedAt)
	}
}

func TestIssueCaches(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	ctx := context.Background()

	first, err := issuer.Issue(ctx, "aud", ExtraClaims{})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	second, err := issuer.Issue(ctx, "aud", ExtraClaims{})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if first.Value != second.Value {
		t.Error("cached token not reused within TTL")
	}

	other, err := issuer.Issue(ctx, "other-aud", ExtraClaims{})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if other.Value == first.Value {
		t.Error("token reused across a different audience")
	}
}

func TestIssueReissuesNearExpiry(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	ctx := context.Background()

	base := time.Now()
	issuer.now = func() time.Time { return base }

	first, err := issuer.Issue(ctx, "aud", ExtraClaims{})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	// Inside the expiry margin: must get a fresh token with a later exp.
	issuer.now = func() time.Time { return base.Add(time.Hour - 30*time.Second) }

	second, err := issuer.Issue(ctx, "aud", ExtraClaims{})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if second.Value == first.Value {
		t.Error("stale token returned within expiry margin")
	}
	if !second.ExpiresAt.After(first.ExpiresAt) {
		t.Errorf("reissued ExpiresAt %v not after %v", second.ExpiresAt, first.ExpiresAt)
	}
}

func TestExpiredNeverReturned(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	ctx := context.Background()

	base := time.Now()
	issuer.now = func() time.Time { return base }
	first, err := issuer.Issue(ctx, "aud", ExtraClaims{})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	issuer.now = func() time.Time { return base.Add(2 * time.Hour) }
	second, err := issuer.Issue(ctx, "aud", ExtraClaims{})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if second.Value == first.Value {
		t.Error("expired token returned")
	}
	if second.Expired(issuer.now()) {
		t.Error("freshly issued token reports expired")
	}
}

func TestInvalidate(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	ctx := context.Background()

	first, err := issuer.Issue(ctx, "aud", ExtraClaims{})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	issuer.Invalidate("aud", ExtraClaims{})

	second, err := issuer.Issue(ctx, "aud", ExtraClaims{})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if second.Value == first.Value {
		t.Error("Invalidate() did not force a fresh token")
	}
}

func TestKeyResolutionFromDevice(t *testing.T) {
	privHex, pubHex, _ := testKeyMaterial(t)
	private, _ := hex.DecodeString(privHex)
	commander := &exportCommander{key: private}

	issuer := NewIssuer(Config{
		PublicKeyHex: pubHex,
		TTL:          time.Hour,
		ClientID:     "meshuplink/test",
	}, commander, testLogger{})

	ctx := context.Background()
	if _, err := issuer.Issue(ctx, "aud", ExtraClaims{}); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := issuer.Issue(ctx, "aud2", ExtraClaims{}); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if commander.calls != 1 {
		t.Errorf("ExportPrivateKey called %d times, want 1 (resolution cached)", commander.calls)
	}
}

func TestKeyResolutionTerminal(t *testing.T) {
	_, pubHex, _ := testKeyMaterial(t)
	issuer := NewIssuer(Config{
		PublicKeyHex: pubHex,
		TTL:          time.Hour,
	}, failingCommander{}, testLogger{})

	ctx := context.Background()
	_, err := issuer.Issue(ctx, "aud", ExtraClaims{})
	if !errors.Is(err, ErrKeyResolution) {
		t.Fatalf("Issue() error = %v, want ErrKeyResolution", err)
	}

	// Failure is terminal: no second device round trip.
	if resolveErr := issuer.ResolveKey(ctx); !errors.Is(resolveErr, ErrKeyResolution) {
		t.Errorf("ResolveKey() error = %v, want cached ErrKeyResolution", resolveErr)
	}
}

func TestDecoderFallsBackToEmbedded(t *testing.T) {
	privHex, pubHex, pub := testKeyMaterial(t)
	issuer := NewIssuer(Config{
		PublicKeyHex:  pubHex,
		PrivateKeyHex: privHex,
		DecoderCmd:    "meshuplink-test-no-such-binary",
		TTL:           time.Hour,
		ClientID:      "meshuplink/test",
	}, nil, testLogger{})

	tok, err := issuer.Issue(context.Background(), "aud", ExtraClaims{})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	parts := strings.Split(tok.Value, ".")
	if len(parts) != 3 {
		t.Fatalf("token has %d segments", len(parts))
	}
	if !ed25519.Verify(pub, []byte(parts[0]+"."+parts[1]), decodeSegment(t, parts[2])) {
		t.Error("fallback token signature invalid")
	}
}

// gatedSigner blocks its first Sign call until released, so tests can hold
// one issuance in flight while exercising others.
type gatedSigner struct {
	mu      sync.Mutex
	calls   int
	started chan struct{}
	release chan struct{}
}

func newGatedSigner() *gatedSigner {
	return &gatedSigner{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedSigner) Name() string    { return "gated" }
func (g *gatedSigner) Available() bool { return true }

func (g *gatedSigner) Sign(ctx context.Context, _ Material, claims Claims) (string, error) {
	g.mu.Lock()
	n := g.calls
	g.calls++
	g.mu.Unlock()

	if n == 0 {
		close(g.started)
		select {
		case <-g.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return fmt.Sprintf("tok-%s-%d", claims.Audience, n), nil
}

func TestIssueSlowSignerDoesNotBlockOtherAudiences(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	gate := newGatedSigner()
	issuer.signers = []Signer{gate}
	ctx := context.Background()

	slowDone := make(chan error, 1)
	go func() {
		_, err := issuer.Issue(ctx, "slow-aud", ExtraClaims{})
		slowDone <- err
	}()
	<-gate.started

	// A different audience must issue while the first is still signing.
	fastDone := make(chan error, 1)
	go func() {
		_, err := issuer.Issue(ctx, "fast-aud", ExtraClaims{})
		fastDone <- err
	}()

	select {
	case err := <-fastDone:
		if err != nil {
			t.Fatalf("Issue(fast-aud) error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Issue for a second audience blocked behind a slow signer")
	}

	close(gate.release)
	if err := <-slowDone; err != nil {
		t.Fatalf("Issue(slow-aud) error = %v", err)
	}
}

func TestIssueConcurrentSameAudienceSharesSigning(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	gate := newGatedSigner()
	issuer.signers = []Signer{gate}
	ctx := context.Background()

	type result struct {
		tok Token
		err error
	}
	first := make(chan result, 1)
	go func() {
		tok, err := issuer.Issue(ctx, "aud", ExtraClaims{})
		first <- result{tok, err}
	}()
	<-gate.started

	second := make(chan result, 1)
	go func() {
		tok, err := issuer.Issue(ctx, "aud", ExtraClaims{})
		second <- result{tok, err}
	}()

	close(gate.release)

	r1 := <-first
	r2 := <-second
	if r1.err != nil || r2.err != nil {
		t.Fatalf("Issue() errors = %v, %v", r1.err, r2.err)
	}
	if r1.tok.Value != r2.tok.Value {
		t.Errorf("concurrent same-audience tokens differ: %q vs %q", r1.tok.Value, r2.tok.Value)
	}

	gate.mu.Lock()
	calls := gate.calls
	gate.mu.Unlock()
	if calls != 1 {
		t.Errorf("signer invoked %d times, want 1", calls)
	}
}

func TestExtraClaims(t *testing.T) {
	issuer, _ := newTestIssuer(t)

	tok, err := issuer.Issue(context.Background(), "aud", ExtraClaims{Owner: "op", Email: "op@example.org"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	var claims map[string]any
	parts := strings.Split(tok.Value, ".")
	if err := json.Unmarshal(decodeSegment(t, parts[1]), &claims); err != nil {
		t.Fatalf("decoding claims: %v", err)
	}
	if claims["owner"] != "op" || claims["email"] != "op@example.org" {
		t.Errorf("owner/email claims = %v/%v", claims["owner"], claims["email"])
	}
}
