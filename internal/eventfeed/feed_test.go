package eventfeed

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	enroll "github.com/trustpoint-io/enrolld"
	"github.com/trustpoint-io/enrolld/internal/notifier"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestBroadcastsToConnectedClients(t *testing.T) {
	feed := New(enroll.LoggerFromContext(context.Background()))
	srv := httptest.NewServer(feed)
	defer srv.Close()

	ws := dial(t, srv)

	// Registration races the publish; give the handler a moment.
	time.Sleep(50 * time.Millisecond)

	feed.Publish(notifier.Event{
		Kind:          "enrollment.issued",
		TransactionID: "txn-0001",
		SerialNumber:  "0A0B0C",
	})

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := ws.ReadMessage()
	require.NoError(t, err)

	var evt notifier.Event
	require.NoError(t, json.Unmarshal(msg, &evt))
	require.Equal(t, "enrollment.issued", evt.Kind)
	require.Equal(t, "txn-0001", evt.TransactionID)
}

func TestPublishWithoutClientsDoesNotBlock(t *testing.T) {
	feed := New(enroll.LoggerFromContext(context.Background()))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			feed.Publish(notifier.Event{Kind: "enrollment.failed"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked with no connected clients")
	}
}
