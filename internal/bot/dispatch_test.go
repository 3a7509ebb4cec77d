package bot_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sirupsen/logrus"

	"github.com/oneidp/oneidp/internal/bot"
	"github.com/oneidp/oneidp/internal/store"
	"github.com/oneidp/oneidp/internal/store/memstore"
	"github.com/oneidp/oneidp/pkg/log"
)

func newTestDispatcher(t *testing.T) (*bot.Dispatcher, store.Store) {
	t.Helper()
	s := memstore.New()
	cfg := bot.DispatcherConfig{
		CommandPrefix:    "/sso",
		SSOClientEnabled: true,
		SSOClientID:      "demo",
		SSORedirectURI:   "https://idp.example.com/callback",
		SSOScope:         "openid profile",
		BindLinkExpire:   5 * time.Minute,
		UnbindExpire:     5 * time.Minute,
	}
	d := bot.NewDispatcher(cfg, s, nil, nil, nil, log.NewLogrusLogger(logrus.New()))
	return d, s
}

func TestDispatchIgnoresUnprefixedMessages(t *testing.T) {
	d, s := newTestDispatcher(t)
	d.Dispatch(context.Background(), bot.Message{Text: "hello there", UserID: 1, MessageType: "private"})
	_, err := s.GetPendingBindByState(context.Background(), "anything", false)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDispatchBindSkipsAlreadyBoundUsers(t *testing.T) {
	ctx := context.Background()
	d, s := newTestDispatcher(t)

	_, err := s.CreateBindUser(ctx, store.BindUser{UIN: 1001, Sub: "sub-1", PreferredUsername: "alice"})
	require.NoError(t, err)

	// Dispatching bind for an already-bound uin must not create a
	// second PendingBind under a fresh state, since handleBind returns
	// early once GetBindUserByUIN succeeds.
	d.Dispatch(ctx, bot.Message{Text: "/sso bind alice", UserID: 1001, MessageType: "private"})

	gc, err := s.GarbageCollect(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Zero(t, gc.PendingBinds, "no PendingBind was created for the already-bound uin")

	_, err = s.CreatePendingBind(ctx, store.PendingBind{State: "probe", UIN: 1001, ExpiresAt: time.Now().Add(time.Minute)})
	require.NoError(t, err, "store itself still accepts new rows; only the handler short-circuits")
}

func TestDispatchAuthRejectsUnboundUser(t *testing.T) {
	d, _ := newTestDispatcher(t)
	// Should not panic even though no transport is wired; reply() is a no-op.
	d.Dispatch(context.Background(), bot.Message{Text: "/sso auth ABC123", UserID: 42, MessageType: "private"})
}

func TestDispatchAuthClaimsAndApproves(t *testing.T) {
	ctx := context.Background()
	d, s := newTestDispatcher(t)

	_, err := s.CreateBindUser(ctx, store.BindUser{UIN: 10001, Sub: "sub-1"})
	require.NoError(t, err)
	_, err = s.CreateBindUser(ctx, store.BindUser{UIN: 10002, Sub: "sub-2"})
	require.NoError(t, err)

	p, err := s.CreatePendingAuth(ctx, store.PendingAuth{
		VerificationCode: "K7M3Q2",
		AuthCode:         "ac-1",
		ClientID:         "demo",
		RedirectURI:      "https://rp/cb",
		Scope:            "openid",
		ExpiresAt:        time.Now().Add(5 * time.Minute),
	})
	require.NoError(t, err)

	// Codes are upper-cased before lookup, so the lowercase form works.
	d.Dispatch(ctx, bot.Message{Text: "/sso auth k7m3q2", UserID: 10001, MessageType: "private"})

	got, err := s.GetPendingAuthByVerificationCode(ctx, "K7M3Q2", false)
	require.NoError(t, err)
	require.Equal(t, int64(10001), got.UIN)
	require.True(t, got.IsApproved)

	// A second user arriving late cannot take over the claimed row.
	d.Dispatch(ctx, bot.Message{Text: "/sso auth K7M3Q2", UserID: 10002, MessageType: "private"})
	got, err = s.GetPendingAuthByVerificationCode(ctx, "K7M3Q2", false)
	require.NoError(t, err)
	require.Equal(t, int64(10001), got.UIN)

	logs := s.(*memstore.Store).AuthorizationLogs()
	require.Len(t, logs, 1)
	require.Equal(t, int64(10001), logs[0].UIN)
	require.Equal(t, p.ClientID, logs[0].ClientID)
}

func TestDispatchUnbindConfirmDeactivatesBinding(t *testing.T) {
	ctx := context.Background()
	d, s := newTestDispatcher(t)

	bindUser, err := s.CreateBindUser(ctx, store.BindUser{UIN: 10001, Sub: "sub-1", PreferredUsername: "alice"})
	require.NoError(t, err)

	d.Dispatch(ctx, bot.Message{Text: "/sso unbind alice", UserID: 10001, MessageType: "private"})
	_, err = s.GetPendingUnbindByUIN(ctx, 10001, true)
	require.NoError(t, err)

	d.Dispatch(ctx, bot.Message{Text: "/sso unbind confirm", UserID: 10001, MessageType: "private"})

	_, err = s.GetBindUserByUIN(ctx, 10001, true)
	require.ErrorIs(t, err, store.ErrNotFound)
	got, err := s.GetBindUserByID(ctx, bindUser.ID)
	require.NoError(t, err)
	require.False(t, got.IsActive, "deactivation is logical, the row survives for audit")

	logs := s.(*memstore.Store).UnbindLogs()
	require.Len(t, logs, 1)
	require.True(t, logs[0].IsUnbind)
	require.Equal(t, "confirm", logs[0].Reason)
}

func TestExtractTextConcatenatesSegments(t *testing.T) {
	segs := []map[string]any{
		{"type": "text", "data": map[string]any{"text": "/sso "}},
		{"type": "image", "data": map[string]any{"file": "x.png"}},
		{"type": "text", "data": map[string]any{"text": "status"}},
	}
	require.Equal(t, "/sso status", bot.ExtractText(segs))
}
