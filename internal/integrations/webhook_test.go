package integrations

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nexus-cloaker/datacenter/internal/config"
	"github.com/nexus-cloaker/datacenter/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu       sync.Mutex
	requests map[string][]map[string]interface{}
	headers  map[string]http.Header
}

func newCapture(t *testing.T) (*capture, *httptest.Server) {
	t.Helper()
	c := &capture{requests: map[string][]map[string]interface{}{}, headers: map[string]http.Header{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		c.mu.Lock()
		c.requests[r.URL.Path] = append(c.requests[r.URL.Path], body)
		c.headers[r.URL.Path] = r.Header.Clone()
		c.mu.Unlock()
		if strings.HasPrefix(r.URL.Path, "/discord") {
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(srv.Close)
	return c, srv
}

func TestNotifyFansOutToChannels(t *testing.T) {
	c, srv := newCapture(t)
	n := NewNotifier(config.NotifyConfig{
		Telegram: config.TelegramAlertConfig{Enabled: true, BotToken: "TOKEN", ChatID: "42"},
		Discord:  config.DiscordConfig{Enabled: true, WebhookURL: srv.URL + "/discord"},
		Webhooks: []config.WebhookConfig{
			{Name: "ops", URL: srv.URL + "/ops", Events: []string{EventHealthWarning}, Header: map[string]string{"X-Token": "abc"}},
			{Name: "sync-only", URL: srv.URL + "/sync", Events: []string{EventSyncFailed}},
		},
	}, srv.URL+"/bot%s/%s")
	require.True(t, n.Enabled())

	n.Notify(context.Background(), Alert{
		Event:   EventHealthWarning,
		Level:   "warning",
		Title:   "Health",
		Message: "error rate <high>",
		Fields:  map[string]interface{}{"error_rate_24h": 7.5},
	})
	n.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	tg := c.requests["/botTOKEN/sendMessage"]
	require.Len(t, tg, 1)
	assert.Equal(t, "42", tg[0]["chat_id"])
	assert.Equal(t, "HTML", tg[0]["parse_mode"])
	assert.Contains(t, tg[0]["text"], "error rate &lt;high&gt;")
	assert.Contains(t, tg[0]["text"], "error_rate_24h")

	require.Len(t, c.requests["/discord"], 1)
	embeds := c.requests["/discord"][0]["embeds"].([]interface{})
	assert.Equal(t, "error rate <high>", embeds[0].(map[string]interface{})["description"])

	require.Len(t, c.requests["/ops"], 1)
	assert.Equal(t, EventHealthWarning, c.requests["/ops"][0]["event"])
	assert.NotEmpty(t, c.requests["/ops"][0]["id"])
	assert.Equal(t, "abc", c.headers["/ops"].Get("X-Token"))

	assert.Empty(t, c.requests["/sync"])
}

func TestSyncFinishedAlertsOnFailureOnly(t *testing.T) {
	c, srv := newCapture(t)
	n := NewNotifier(config.NotifyConfig{
		Webhooks: []config.WebhookConfig{{Name: "all", URL: srv.URL + "/all"}},
	}, "")

	ctx := context.Background()
	n.SyncFinished(ctx, database.SyncLog{WorkerID: "w1", Status: database.SyncSuccess})
	n.SyncFinished(ctx, database.SyncLog{WorkerID: "w2", Direction: "push", Status: database.SyncTimeout,
		ErrorMessage: "push config timed out"})
	n.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.requests["/all"], 1)
	got := c.requests["/all"][0]
	assert.Equal(t, EventSyncFailed, got["event"])
	assert.Equal(t, "push config timed out", got["message"])
	assert.Equal(t, "w2", got["fields"].(map[string]interface{})["worker_id"])
}

func TestNotifierDisabled(t *testing.T) {
	n := NewNotifier(config.NotifyConfig{}, "")
	assert.False(t, n.Enabled())
	n.Notify(context.Background(), Alert{Event: EventJobFailed})
	n.Wait()
}
