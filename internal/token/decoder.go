package token

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// decoderTimeout caps one CLI invocation.
const decoderTimeout = 15 * time.Second

// decoderSigner shells out to the meshcore-decoder CLI:
//
//	meshcore-decoder auth-token <pubkey> <privkey> --exp <seconds> [--claims <json>]
//
// The CLI prints the compact token on stdout. This is the primary signer
// because deployments already trust its output format; the embedded signer
// exists for hosts without the binary.
type decoderSigner struct {
	// command is the configured invocation, possibly with leading args
	// (e.g. "python3 -m meshcore_decoder").
	command string
}

func newDecoderSigner(command string) *decoderSigner {
	return &decoderSigner{command: strings.TrimSpace(command)}
}

func (d *decoderSigner) Name() string { return "decoder" }

// Available reports whether the configured binary resolves on PATH.
func (d *decoderSigner) Available() bool {
	args := strings.Fields(d.command)
	if len(args) == 0 {
		return false
	}
	_, err := exec.LookPath(args[0])
	return err == nil
}

func (d *decoderSigner) Sign(ctx context.Context, key Material, claims Claims) (string, error) {
	args := strings.Fields(d.command)
	if len(args) == 0 {
		return "", fmt.Errorf("decoder command not configured")
	}

	ttl := int64(0)
	if claims.ExpiresAt != nil && claims.IssuedAt != nil {
		ttl = claims.ExpiresAt.Unix() - claims.IssuedAt.Unix()
	}

	args = append(args,
		"auth-token",
		strings.ToUpper(hex.EncodeToString(key.Public)),
		hex.EncodeToString(key.Private),
		"--exp", fmt.Sprintf("%d", ttl),
	)

	if extra := claimsArg(claims); extra != "" {
		args = append(args, "--claims", extra)
	}

	ctx, cancel := context.WithTimeout(ctx, decoderTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("decoder auth-token: %s", msg)
	}

	tok := strings.TrimSpace(stdout.String())
	if tok == "" {
		return "", fmt.Errorf("decoder returned empty token")
	}
	return tok, nil
}

// claimsArg serializes the claims the CLI does not derive itself.
func claimsArg(claims Claims) string {
	extra := map[string]string{}
	if claims.Audience != "" {
		extra["aud"] = claims.Audience
	}
	if claims.Client != "" {
		extra["client"] = claims.Client
	}
	if claims.Owner != "" {
		extra["owner"] = claims.Owner
	}
	if claims.Email != "" {
		extra["email"] = claims.Email
	}
	if len(extra) == 0 {
		return ""
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return ""
	}
	return string(data)
}
