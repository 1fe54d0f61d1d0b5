package token

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"regexp"
)

// PKCEMethod defines the code challenge method.
type PKCEMethod string

const (
	// PKCEMethodPlain uses the verifier itself as the challenge.
	PKCEMethodPlain PKCEMethod = "plain"

	// PKCEMethodS256 uses SHA-256 hashing (recommended).
	PKCEMethodS256 PKCEMethod = "S256"
)

// verifierPattern matches the RFC 7636 unreserved character set.
var verifierPattern = regexp.MustCompile(`^[A-Za-z0-9\-._~]+$`)

// ValidateCodeVerifier validates a code verifier per RFC 7636: 43-128
// characters of [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~".
func ValidateCodeVerifier(verifier string) error {
	if len(verifier) < 43 || len(verifier) > 128 {
		return fmt.Errorf("code verifier must be between 43 and 128 characters")
	}
	if !verifierPattern.MatchString(verifier) {
		return fmt.Errorf("code verifier contains invalid characters")
	}
	return nil
}

// ComputeCodeChallenge computes the challenge for a verifier.
func ComputeCodeChallenge(verifier string, method PKCEMethod) (string, error) {
	switch method {
	case PKCEMethodPlain:
		return verifier, nil
	case PKCEMethodS256:
		hash := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(hash[:]), nil
	default:
		return "", fmt.Errorf("unsupported PKCE method: %s", method)
	}
}

// VerifyCodeChallenge verifies a code verifier against a challenge using a
// constant-time comparison. Unknown methods always fail.
func VerifyCodeChallenge(verifier, challenge string, method PKCEMethod) bool {
	computed, err := ComputeCodeChallenge(verifier, method)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
