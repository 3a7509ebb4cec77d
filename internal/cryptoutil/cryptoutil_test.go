package cryptoutil_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oneidp/oneidp/internal/cryptoutil"
)

func TestNewVerificationCode(t *testing.T) {
	code, err := cryptoutil.NewVerificationCode(cryptoutil.VerificationCodeLength)
	require.NoError(t, err)
	require.Len(t, code, cryptoutil.VerificationCodeLength)
	for _, r := range code {
		require.NotContains(t, "01IO", string(r))
	}
}

func TestNewTokensAreUnique(t *testing.T) {
	a, err := cryptoutil.NewAccessToken()
	require.NoError(t, err)
	b, err := cryptoutil.NewAccessToken()
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	r, err := cryptoutil.NewRefreshToken()
	require.NoError(t, err)
	require.NotEqual(t, a, r)
}

func TestVerifyPKCEPlain(t *testing.T) {
	ok, err := cryptoutil.VerifyPKCE("plain", "secret-verifier", "secret-verifier")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = cryptoutil.VerifyPKCE("plain", "secret-verifier", "not-it")
	require.NoError(t, err)
	require.False(t, ok)
}

// TestVerifyPKCES256 uses the verifier/challenge pair from RFC 7636
// appendix B.
func TestVerifyPKCES256(t *testing.T) {
	const verifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	const challenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	ok, err := cryptoutil.VerifyPKCE("S256", verifier, challenge)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = cryptoutil.VerifyPKCE("S256", "wrong-verifier", challenge)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyPKCEUnsupportedMethod(t *testing.T) {
	_, err := cryptoutil.VerifyPKCE("S512", "v", "c")
	require.ErrorIs(t, err, cryptoutil.ErrUnsupportedPKCEMethod)
}

func TestGenerateIDTokenReturnsToken(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	user := cryptoutil.UserData{
		Sub:               "sso-sub-1",
		Email:             "alice@example.com",
		EmailVerified:     true,
		PreferredUsername: "alice",
	}

	tokenStr, err := cryptoutil.GenerateIDToken([]byte("shared-secret"), "https://idp.example.com", 1001, "demo-client", "openid email", user, "nonce-1", now, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, tokenStr)
}

func TestUserInfoClaimsProjection(t *testing.T) {
	user := cryptoutil.UserData{
		Sub:               "sso-sub-1",
		Email:             "alice@example.com",
		PreferredUsername: "alice",
		ExtraData:         map[string]string{"department": "engineering"},
	}

	claims := cryptoutil.UserInfoClaims(1001, "openid email department", user)
	require.Equal(t, "sso-sub-1", claims["sub"])
	require.Equal(t, "alice@example.com", claims["email"])
	require.Equal(t, "engineering", claims["department"])
	require.NotContains(t, claims, "preferred_username")
}
