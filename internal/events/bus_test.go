package events

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
	"github.com/nexus-cloaker/datacenter/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPublisher struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (p *memPublisher) Publish(e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *memPublisher) Ping() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("closed")
	}
	return nil
}

func (p *memPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *memPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func TestBusForwardsToPublisher(t *testing.T) {
	pub := &memPublisher{}
	bus := NewBus(NewHub(10*time.Millisecond, time.Hour), pub)
	ctx, cancel := context.WithCancel(context.Background())
	bus.Run(ctx)

	bus.RulesChanged(ctx, "ua_config", "bot")
	bus.SyncFinished(ctx, database.SyncLog{WorkerID: "w1", Direction: "push", Status: database.SyncSuccess})
	bus.WorkerReported(ctx, "logs", "w1", 3)

	require.Eventually(t, func() bool { return len(pub.types()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{TypeConfigChanged, TypeSyncCompleted, TypeWorkerLogs}, pub.types())

	counts, dropped := bus.Counts()
	assert.Equal(t, int64(1), counts[TypeWorkerLogs])
	assert.Zero(t, dropped)
	require.NoError(t, bus.Ping())

	cancel()
	require.NoError(t, bus.Close())
	assert.Error(t, bus.Ping())
}

func TestBusWithoutPublisher(t *testing.T) {
	bus := NewBus(nil, nil)
	bus.Publish(context.Background(), Event{Type: TypeWorkerStats})
	assert.NoError(t, bus.Ping())
	assert.NoError(t, bus.Close())
}

func TestHubDebouncesRefreshes(t *testing.T) {
	hub := NewHub(20*time.Millisecond, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.ServeWS(w, r)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		hub.Notify(TypeWorkerStats)
	}
	hub.Notify(TypeConfigChanged)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg refreshMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "refresh", msg.Type)
	assert.ElementsMatch(t, []string{TypeWorkerStats, TypeConfigChanged}, msg.Events)

	// one refresh for the whole burst
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}
