// Package cryptoutil generates and verifies the random identifiers used
// throughout the authorization-code flow (verification codes, auth
// codes, access/refresh tokens) and implements PKCE verification.
package cryptoutil

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"io"
)

// verificationAlphabet excludes visually ambiguous characters (0, 1,
// I, O are dropped) so codes survive being read aloud or retyped.
const verificationAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// VerificationCodeLength is the default length of a human-typed
// verification code.
const VerificationCodeLength = 6

// NewVerificationCode returns a cryptographically random code drawn
// from verificationAlphabet.
func NewVerificationCode(length int) (string, error) {
	if length <= 0 {
		length = VerificationCodeLength
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i, b := range buf {
		out[i] = verificationAlphabet[int(b)%len(verificationAlphabet)]
	}
	return string(out), nil
}

// NewAuthCode returns a URL-safe random authorization code.
func NewAuthCode() (string, error) {
	return randomURLSafe(32)
}

// NewStateToken returns a URL-safe random state parameter for the
// upstream bind handshake.
func NewStateToken() (string, error) {
	return randomURLSafe(32)
}

// NewAccessToken returns a URL-safe random access token.
func NewAccessToken() (string, error) {
	return randomURLSafe(48)
}

// NewRefreshToken returns a URL-safe random refresh token, the same
// size as an access token.
func NewRefreshToken() (string, error) {
	return randomURLSafe(48)
}

// randomURLSafe returns n random bytes, base64url-encoded without
// padding.
func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ConstantTimeEqual reports whether a and b are equal, in time
// independent of where they first differ.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ErrUnsupportedPKCEMethod is returned by VerifyPKCE for any
// code_challenge_method other than "plain" or "S256".
var ErrUnsupportedPKCEMethod = errors.New("cryptoutil: unsupported code_challenge_method")

// VerifyPKCE checks a code_verifier supplied at the token endpoint
// against the code_challenge recorded at /authorize, per RFC 7636.
func VerifyPKCE(method, verifier, challenge string) (bool, error) {
	switch method {
	case "", "plain":
		return ConstantTimeEqual(verifier, challenge), nil
	case "S256":
		sum := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		return ConstantTimeEqual(computed, challenge), nil
	default:
		return false, ErrUnsupportedPKCEMethod
	}
}
