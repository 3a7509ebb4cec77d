package bindflow_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oneidp/oneidp/internal/bindflow"
	"github.com/oneidp/oneidp/internal/ssoclient"
	"github.com/oneidp/oneidp/internal/store"
	"github.com/oneidp/oneidp/internal/store/memstore"
)

func newSSOServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "at-1"})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"sub": "sso-sub-1", "email": "alice@example.com",
			"preferred_username": "alice", "department": "engineering",
		})
	})
	return httptest.NewServer(mux)
}

func TestCompleteCreatesBindUserWithStoredFields(t *testing.T) {
	ctx := context.Background()
	srv := newSSOServer(t)
	defer srv.Close()

	s := memstore.New()
	_, err := s.CreatePendingBind(ctx, store.PendingBind{
		State: "state-1", UIN: 1001, ExpiresAt: time.Now().Add(time.Minute),
	})
	require.NoError(t, err)

	sso := ssoclient.New(ssoclient.Config{
		Enabled: true, TokenURL: srv.URL + "/token", UserinfoURL: srv.URL + "/userinfo",
	})
	svc := bindflow.New(s, sso, []string{"sub", "email", "preferred_username", "department"})

	result, err := svc.Complete(ctx, "the-code", "state-1")
	require.NoError(t, err)
	require.Equal(t, "sso-sub-1", result.BindUser.Sub)
	require.Equal(t, "engineering", result.BindUser.ExtraData["department"])

	_, err = s.GetPendingBindByState(ctx, "state-1", true)
	require.ErrorIs(t, err, store.ErrNotFound, "state is marked used after a successful bind")
}

func TestCompleteRejectsAlreadyBoundUIN(t *testing.T) {
	ctx := context.Background()
	srv := newSSOServer(t)
	defer srv.Close()

	s := memstore.New()
	_, err := s.CreateBindUser(ctx, store.BindUser{UIN: 1001, Sub: "existing-sub"})
	require.NoError(t, err)
	_, err = s.CreatePendingBind(ctx, store.PendingBind{
		State: "state-1", UIN: 1001, ExpiresAt: time.Now().Add(time.Minute),
	})
	require.NoError(t, err)

	sso := ssoclient.New(ssoclient.Config{TokenURL: srv.URL + "/token", UserinfoURL: srv.URL + "/userinfo"})
	svc := bindflow.New(s, sso, nil)

	_, err = svc.Complete(ctx, "the-code", "state-1")
	require.ErrorIs(t, err, bindflow.ErrAlreadyBound)
}

func TestCompleteRejectsUnknownState(t *testing.T) {
	s := memstore.New()
	sso := ssoclient.New(ssoclient.Config{})
	svc := bindflow.New(s, sso, nil)

	_, err := svc.Complete(context.Background(), "code", "no-such-state")
	require.ErrorIs(t, err, bindflow.ErrInvalidState)
}
