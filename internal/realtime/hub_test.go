package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/velvetrooms/escrowd/internal/escrow"
	"github.com/velvetrooms/escrowd/internal/ledger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func event(kind, ref string, purpose ledger.Purpose) escrow.Event {
	return escrow.Event{
		Type:   kind,
		Escrow: &escrow.Escrow{Ref: ref, Purpose: purpose, Amount: decimal.NewFromInt(1000)},
		At:     time.Now(),
	}
}

func TestSubscriptionMatches(t *testing.T) {
	released := event(escrow.EventReleased, "ses_1", ledger.PurposeSession)

	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"empty matches all", Subscription{}, true},
		{"type match", Subscription{Types: []string{escrow.EventReleased}}, true},
		{"type miss", Subscription{Types: []string{escrow.EventDisputed}}, false},
		{"purpose match", Subscription{Purposes: []ledger.Purpose{ledger.PurposeSession}}, true},
		{"purpose miss", Subscription{Purposes: []ledger.Purpose{ledger.PurposeContent}}, false},
		{"ref match", Subscription{Refs: []string{"ses_1"}}, true},
		{"ref miss", Subscription{Refs: []string{"ses_2"}}, false},
		{"all filters", Subscription{
			Types:    []string{escrow.EventReleased, escrow.EventRefunded},
			Purposes: []ledger.Purpose{ledger.PurposeSession},
			Refs:     []string{"ses_1"},
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.Matches(released))
		})
	}

	assert.False(t, Subscription{Refs: []string{"x"}}.Matches(escrow.Event{Type: escrow.EventCreated}))
}

func startHub(t *testing.T) (*Hub, string, context.CancelFunc) {
	t.Helper()
	hub := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http"), cancel
}

func dial(t *testing.T, hub *Hub, url string, want int64) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool {
		return hub.Stats()["connectedClients"] == want
	}, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) escrow.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var got escrow.Event
	require.NoError(t, json.Unmarshal(data, &got))
	return got
}

func TestHubDeliversEvents(t *testing.T) {
	hub, url, _ := startHub(t)
	conn := dial(t, hub, url, 1)

	hub.Publish(context.Background(), event(escrow.EventCreated, "ses_9", ledger.PurposeSession))

	got := readEvent(t, conn)
	assert.Equal(t, escrow.EventCreated, got.Type)
	require.NotNil(t, got.Escrow)
	assert.Equal(t, "ses_9", got.Escrow.Ref)
	assert.True(t, got.Escrow.Amount.Equal(decimal.NewFromInt(1000)))
	assert.EqualValues(t, 1, hub.Stats()["publishedEvents"])
}

func TestHubAppliesSubscription(t *testing.T) {
	hub, url, _ := startHub(t)
	conn := dial(t, hub, url, 1)

	require.NoError(t, conn.WriteJSON(Subscription{Types: []string{escrow.EventDisputed}}))
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for c := range hub.clients {
			if len(c.subscription().Types) == 1 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	hub.Publish(context.Background(), event(escrow.EventReleased, "ses_1", ledger.PurposeSession))
	hub.Publish(context.Background(), event(escrow.EventDisputed, "ses_2", ledger.PurposeSession))

	got := readEvent(t, conn)
	assert.Equal(t, escrow.EventDisputed, got.Type)
	assert.Equal(t, "ses_2", got.Escrow.Ref)
}

func TestHubShutdownClosesClients(t *testing.T) {
	hub, url, cancel := startHub(t)
	conn := dial(t, hub, url, 1)

	cancel()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)

	<-hub.done
	assert.EqualValues(t, 0, hub.Stats()["connectedClients"])
}

func TestPublishNeverBlocks(t *testing.T) {
	hub := NewHub(testLogger())
	// Run is not started, so the queue fills and later events are dropped.
	for i := 0; i < cap(hub.broadcast)+10; i++ {
		hub.Publish(context.Background(), event(escrow.EventCreated, "ses_x", ledger.PurposeSession))
	}
	stats := hub.Stats()
	assert.EqualValues(t, cap(hub.broadcast), stats["publishedEvents"])
	assert.EqualValues(t, 10, stats["droppedEvents"])
}
