package security_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oneidp/oneidp/internal/security"
)

func TestSafeRedirectURI(t *testing.T) {
	require.True(t, security.SafeRedirectURI("https://rp.example.com/callback"))
	require.True(t, security.SafeRedirectURI("myapp://callback"))
	require.False(t, security.SafeRedirectURI(""))
	require.False(t, security.SafeRedirectURI("not-a-uri"))
	require.False(t, security.SafeRedirectURI("https://rp.example.com/cb?x=javascript:alert(1)"))
	require.False(t, security.SafeRedirectURI("https://rp.example.com/cb#<script>"))
}

func TestRedirectURIAllowed(t *testing.T) {
	allowed := []string{"https://rp.example.com/callback"}
	require.True(t, security.RedirectURIAllowed("https://rp.example.com/callback", allowed))
	require.True(t, security.RedirectURIAllowed("https://rp.example.com/callback?state=xyz", allowed))
	require.False(t, security.RedirectURIAllowed("https://evil.example.com/callback", allowed))
	require.False(t, security.RedirectURIAllowed("https://rp.example.com/other", allowed))
	require.False(t, security.RedirectURIAllowed("https://rp.example.com/callback", nil))
}

func TestValidScopeCharset(t *testing.T) {
	require.True(t, security.ValidScopeCharset("openid email profile"))
	require.False(t, security.ValidScopeCharset(""))
	require.False(t, security.ValidScopeCharset("openid;drop table"))
}

func TestScopeAllowed(t *testing.T) {
	allowed := []string{"openid", "email", "uin"}
	ok, missing := security.ScopeAllowed("openid email", allowed)
	require.True(t, ok)
	require.Empty(t, missing)

	ok, missing = security.ScopeAllowed("openid admin", allowed)
	require.False(t, ok)
	require.Equal(t, "admin", missing)
}

func TestSanitizeUsername(t *testing.T) {
	require.Equal(t, "alice", security.SanitizeUsername("  alice  ", 64))
	require.Equal(t, "scriptalertXssscript", security.SanitizeUsername(`<script>alertXss</script>`, 64))
	require.Len(t, security.SanitizeUsername(strings0("a", 100), 64), 64)
}

func strings0(s string, n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = s[0]
	}
	return string(out)
}
