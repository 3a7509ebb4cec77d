package ratelimit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oneidp/oneidp/internal/ratelimit"
)

func TestCheckAllowsWithinWindow(t *testing.T) {
	l := ratelimit.New(map[string]ratelimit.Rule{
		"bind": {MaxRequests: 2, Window: time.Minute},
	})

	ok, _ := l.Check("bind", "1.2.3.4")
	require.True(t, ok)
	ok, _ = l.Check("bind", "1.2.3.4")
	require.True(t, ok)

	ok, retryAfter := l.Check("bind", "1.2.3.4")
	require.False(t, ok)
	require.Greater(t, retryAfter, 0)
}

func TestCheckIsolatesKeysAndRoutes(t *testing.T) {
	l := ratelimit.New(map[string]ratelimit.Rule{
		"bind":  {MaxRequests: 1, Window: time.Minute},
		"token": {MaxRequests: 1, Window: time.Minute},
	})

	ok, _ := l.Check("bind", "1.2.3.4")
	require.True(t, ok)

	// Different client, same route: independent budget.
	ok, _ = l.Check("bind", "5.6.7.8")
	require.True(t, ok)

	// Same client, different route: independent budget.
	ok, _ = l.Check("token", "1.2.3.4")
	require.True(t, ok)
}

func TestCheckUnknownRouteAlwaysAllowed(t *testing.T) {
	l := ratelimit.New(map[string]ratelimit.Rule{})
	for i := 0; i < 5; i++ {
		ok, _ := l.Check("unregistered", "1.2.3.4")
		require.True(t, ok)
	}
}
