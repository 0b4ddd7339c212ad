// Package pkce implements the Proof Key for Code Exchange primitives
// (RFC 7636, S256 method) used to bind an authorization request to the
// client that initiated it.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

const (
	// VerifierBytes is the number of random bytes for the code verifier
	// seed. 64 bytes encodes to 86 base64url characters, well inside the
	// 43-128 character range RFC 7636 allows.
	VerifierBytes = 64

	// StateBytes is the number of random bytes for the anti-CSRF state
	// parameter.
	StateBytes = 16

	// ChallengeMethod is the only challenge method this package produces.
	ChallengeMethod = "S256"
)

// Pair holds a PKCE code verifier and its derived challenge.
// The verifier must never leave the client; only the challenge may appear
// in the authorization URL.
type Pair struct {
	Verifier  string
	Challenge string
}

// Generator produces nonces and PKCE pairs. The zero value uses the
// platform's cryptographic random source; Rand may be substituted for
// deterministic tests.
type Generator struct {
	Rand io.Reader
}

func (g Generator) reader() io.Reader {
	if g.Rand != nil {
		return g.Rand
	}
	return rand.Reader
}

// RandomNonce returns byteLen cryptographically random bytes encoded as
// unpadded base64url. It fails if the random source cannot provide the
// requested bytes; there is no insecure fallback.
func (g Generator) RandomNonce(byteLen int) (string, error) {
	if byteLen <= 0 {
		return "", fmt.Errorf("nonce length must be positive, got %d", byteLen)
	}

	buf := make([]byte, byteLen)
	if _, err := io.ReadFull(g.reader(), buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Generate returns a fresh verifier/challenge pair.
func (g Generator) Generate() (Pair, error) {
	verifier, err := g.RandomNonce(VerifierBytes)
	if err != nil {
		return Pair{}, fmt.Errorf("failed to generate code verifier: %w", err)
	}

	return Pair{
		Verifier:  verifier,
		Challenge: DeriveChallenge(verifier),
	}, nil
}

// DeriveChallenge computes the S256 challenge for a verifier:
// base64url(SHA-256(verifier)), no padding. The derivation is a pure
// function of the verifier bytes.
func DeriveChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
