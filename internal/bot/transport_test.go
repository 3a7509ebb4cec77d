package bot_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/oneidp/oneidp/internal/bot"
	"github.com/oneidp/oneidp/pkg/log"
)

// newOneBotPeer runs a fake OneBot implementation: on connect it pushes
// one message event, then answers every call_api frame with a response
// carrying the request's echo.
func newOneBotPeer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		c.WriteJSON(map[string]any{
			"post_type":    "message",
			"message_type": "private",
			"user_id":      float64(1001),
		})

		for {
			var req map[string]any
			if err := c.ReadJSON(&req); err != nil {
				return
			}
			c.WriteJSON(map[string]any{
				"status": "ok",
				"echo":   req["echo"],
			})
		}
	}))
}

func TestCallAPIEchoCorrelation(t *testing.T) {
	peer := newOneBotPeer(t)
	defer peer.Close()

	events := make(chan map[string]any, 1)
	tr := bot.New(bot.Config{
		ClientEnabled: true,
		ClientURL:     "ws" + strings.TrimPrefix(peer.URL, "http"),
	}, log.NewLogrusLogger(logrus.New()), func(_ context.Context, event map[string]any) {
		select {
		case events <- event:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()

	// The pushed event doubles as the connected signal.
	select {
	case event := <-events:
		require.Equal(t, "message", event["post_type"])
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the peer's event frame")
	}

	resp, err := tr.CallAPI(ctx, "send_private_msg", map[string]any{"user_id": 1001, "message": "hi"})
	require.NoError(t, err)
	require.Equal(t, "ok", resp["status"])

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("transport did not shut down")
	}
}
