package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/metals-ledger/internal/events"
)

// recorder keeps every published event.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (r *recorder) Publish(_ context.Context, evt events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, evt)
	return nil
}

func TestMulti_AttemptsAllPublishers(t *testing.T) {
	failing := &recorder{err: errors.New("broker down")}
	ok := &recorder{}
	m := events.Multi{failing, ok}

	err := m.Publish(context.Background(), events.New(events.TradeFilled, "t-1", nil))
	assert.ErrorContains(t, err, "broker down")
	require.Len(t, ok.events, 1)
	assert.Equal(t, events.TradeFilled, ok.events[0].Type)
}

func TestEmit_SwallowsErrors(t *testing.T) {
	events.Emit(context.Background(), &recorder{err: errors.New("boom")}, events.New(events.HedgeOpened, "h-1", nil))
	events.Emit(context.Background(), nil, events.New(events.HedgeOpened, "h-1", nil))
}

func TestHub_BroadcastsToClients(t *testing.T) {
	hub := events.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(ctx, events.New(events.QuoteConfirmed, "q-1", map[string]string{"quote_id": "q-1"})))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got struct {
		Type    string            `json:"type"`
		Key     string            `json:"key"`
		Payload map[string]string `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, events.QuoteConfirmed, got.Type)
	assert.Equal(t, "q-1", got.Payload["quote_id"])
}
