package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHub_BroadcastsToClients(t *testing.T) {
	hub := NewHub(8, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(NewEvent(TypeReady, 7, "READY"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, TypeReady, got.Type)
	assert.Equal(t, int64(7), got.ID)
	assert.Equal(t, "READY", got.Status)
	assert.NotEmpty(t, got.Timestamp)
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	hub := NewHub(1, zap.NewNop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Publish(NewEvent(TypeCreated, int64(i), "PENDING"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full buffer")
	}
}

func TestHub_RunDisconnectsOnShutdown(t *testing.T) {
	hub := NewHub(8, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-stopped

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, hub.Clients())
}

func TestHub_CheckOrigin(t *testing.T) {
	const self = "self"
	tests := []struct {
		name    string
		allowed string
		origin  string
		wantOK  bool
	}{
		{"no origin header", "*", "", true},
		{"same origin", "*", self, true},
		{"foreign origin with wildcard", "*", "https://evil.example", false},
		{"configured origin", "https://app.example", "https://app.example", true},
		{"foreign origin with configured", "https://app.example", "https://evil.example", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := NewHub(8, zap.NewNop(), WithAllowedOrigin(tt.allowed))
			srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
			defer srv.Close()

			header := http.Header{}
			switch tt.origin {
			case "":
			case self:
				header.Set("Origin", srv.URL)
			default:
				header.Set("Origin", tt.origin)
			}

			conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
			if tt.wantOK {
				require.NoError(t, err)
				conn.Close()
				return
			}
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}
}
