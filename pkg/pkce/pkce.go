// Package pkce generates RFC 7636 code verifiers, code challenges and OAuth
// state values.
package pkce

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/oauth2"
)

const (
	// MinVerifierLength and MaxVerifierLength bound the verifier per RFC 7636 section 4.1.
	MinVerifierLength = 43
	MaxVerifierLength = 128
	// DefaultVerifierLength is used when no length is configured.
	DefaultVerifierLength = 64

	// DefaultStateBytes is the entropy of a state value. 32 bytes encode to 43 characters.
	DefaultStateBytes = 32
	// MinStateBytes keeps state values unguessable.
	MinStateBytes = 16
)

// unreserved is the verifier alphabet: ALPHA / DIGIT / "-" / "." / "_" / "~".
const unreserved = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// Method is the configured challenge derivation.
type Method string

const (
	// MethodSHA256 derives the challenge as base64url(SHA-256(verifier)).
	MethodSHA256 Method = "sha256"
	// MethodPlain sends the verifier itself as the challenge.
	MethodPlain Method = "plain"
)

var (
	// ErrInvalidLength is returned for verifier or state lengths outside the legal range.
	ErrInvalidLength = errors.New("pkce: invalid length")
	// ErrInvalidMethod is returned for an unknown hash method.
	ErrInvalidMethod = errors.New("pkce: invalid hash method")
	// ErrInvalidVerifier is returned when a verifier contains characters outside the unreserved set.
	ErrInvalidVerifier = errors.New("pkce: invalid verifier")
)

// ParseMethod accepts the configured names (sha256, S256, plain) in any case.
// An empty string yields MethodSHA256.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sha256", "s256":
		return MethodSHA256, nil
	case "plain":
		return MethodPlain, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMethod, s)
	}
}

// WireName is the code_challenge_method value sent to the authorization server.
func (m Method) WireName() string {
	if m == MethodPlain {
		return "plain"
	}
	return "S256"
}

// Material is one verifier/challenge pair. It is immutable once created and
// lives for a single authorization attempt.
type Material struct {
	CodeVerifier  string `json:"code_verifier"`
	CodeChallenge string `json:"code_challenge"`
	Method        Method `json:"hash_method"`
}

// Generate returns fresh PKCE material with a verifier of the given length.
// A zero length selects DefaultVerifierLength; anything outside [43,128] is rejected.
func Generate(length int, method Method) (*Material, error) {
	if length == 0 {
		length = DefaultVerifierLength
	}
	if length < MinVerifierLength || length > MaxVerifierLength {
		return nil, fmt.Errorf("%w: verifier length %d outside [%d,%d]",
			ErrInvalidLength, length, MinVerifierLength, MaxVerifierLength)
	}
	if method == "" {
		method = MethodSHA256
	}
	if method != MethodSHA256 && method != MethodPlain {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}

	verifier, err := randomString(length)
	if err != nil {
		return nil, err
	}
	return NewMaterial(verifier, method)
}

// NewMaterial derives the challenge for an existing verifier.
func NewMaterial(verifier string, method Method) (*Material, error) {
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return nil, fmt.Errorf("%w: verifier length %d outside [%d,%d]",
			ErrInvalidLength, len(verifier), MinVerifierLength, MaxVerifierLength)
	}
	for _, r := range verifier {
		if !strings.ContainsRune(unreserved, r) {
			return nil, fmt.Errorf("%w: unexpected character %q", ErrInvalidVerifier, r)
		}
	}
	challenge, err := Challenge(verifier, method)
	if err != nil {
		return nil, err
	}
	return &Material{
		CodeVerifier:  verifier,
		CodeChallenge: challenge,
		Method:        method,
	}, nil
}

// Challenge computes the code challenge for verifier.
func Challenge(verifier string, method Method) (string, error) {
	switch method {
	case MethodSHA256, "":
		return oauth2.S256ChallengeFromVerifier(verifier), nil
	case MethodPlain:
		return verifier, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}
}

// GenerateState returns a URL-safe random state carrying n bytes of entropy.
// A zero n selects DefaultStateBytes.
func GenerateState(n int) (string, error) {
	if n == 0 {
		n = DefaultStateBytes
	}
	if n < MinStateBytes {
		return "", fmt.Errorf("%w: state length %d below %d bytes", ErrInvalidLength, n, MinStateBytes)
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// randomString draws length characters uniformly from the unreserved alphabet.
func randomString(length int) (string, error) {
	alphabetSize := big.NewInt(int64(len(unreserved)))
	var sb strings.Builder
	sb.Grow(length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("failed to generate code verifier: %w", err)
		}
		sb.WriteByte(unreserved[n.Int64()])
	}
	return sb.String(), nil
}
