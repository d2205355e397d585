// Package integrations delivers operator alerts to Telegram chats, Discord
// and custom webhooks.
package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-cloaker/datacenter/internal/config"
	"github.com/nexus-cloaker/datacenter/internal/database"
	"github.com/sirupsen/logrus"
)

// Event types
const (
	EventHealthWarning = "health_warning"
	EventSyncFailed    = "sync_failed"
	EventJobFailed     = "job_failed"
)

// Alert is one notification.
type Alert struct {
	ID        string                 `json:"id"`
	Event     string                 `json:"event"`
	Level     string                 `json:"level"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Notifier fans alerts out to every configured channel.
type Notifier struct {
	cfg         config.NotifyConfig
	telegramAPI string
	client      *http.Client
	wg          sync.WaitGroup
}

// NewNotifier creates a notifier. telegramAPI is a format taking the bot
// token and method name.
func NewNotifier(cfg config.NotifyConfig, telegramAPI string) *Notifier {
	if telegramAPI == "" {
		telegramAPI = "https://api.telegram.org/bot%s/%s"
	}
	return &Notifier{
		cfg:         cfg,
		telegramAPI: telegramAPI,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Enabled reports whether any channel is configured.
func (n *Notifier) Enabled() bool {
	return n.cfg.Telegram.Enabled || n.cfg.Discord.Enabled || len(n.cfg.Webhooks) > 0
}

// Notify sends a to every channel subscribed to its event, each on its own
// goroutine. It never blocks on delivery.
func (n *Notifier) Notify(_ context.Context, a Alert) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	if n.cfg.Telegram.Enabled && n.cfg.Telegram.BotToken != "" {
		n.dispatch("telegram", func() error { return n.sendTelegram(a) })
	}
	if n.cfg.Discord.Enabled && n.cfg.Discord.WebhookURL != "" {
		n.dispatch("discord", func() error { return n.sendDiscord(a) })
	}
	for _, hook := range n.cfg.Webhooks {
		if !subscribed(hook.Events, a.Event) {
			continue
		}
		hook := hook
		n.dispatch(hook.Name, func() error { return n.sendCustom(hook, a) })
	}
}

func (n *Notifier) dispatch(channel string, send func() error) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := send(); err != nil {
			logrus.WithError(err).WithField("channel", channel).Warn("alert delivery failed")
		}
	}()
}

// Wait blocks until in-flight deliveries finish.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// An empty subscription list receives every event.
func subscribed(events []string, event string) bool {
	if len(events) == 0 {
		return true
	}
	for _, e := range events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}

// SyncFinished alerts on failed Worker syncs.
func (n *Notifier) SyncFinished(ctx context.Context, l database.SyncLog) {
	if l.Status == database.SyncSuccess || l.Status == database.SyncPending {
		return
	}
	n.Notify(ctx, Alert{
		Event:   EventSyncFailed,
		Level:   "error",
		Title:   "Worker sync failed",
		Message: l.ErrorMessage,
		Fields: map[string]interface{}{
			"worker_id": l.WorkerID,
			"direction": l.Direction,
			"status":    l.Status,
		},
	})
}

func (n *Notifier) WorkerReported(context.Context, string, string, int) {}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func levelEmoji(level string) string {
	switch level {
	case "error", "critical":
		return "🚨"
	case "warning":
		return "⚠️"
	default:
		return "ℹ️"
	}
}

// Telegram

func formatTelegramMessage(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s</b>\n\n%s\n", levelEmoji(a.Level), html.EscapeString(a.Title), html.EscapeString(a.Message))
	for _, k := range sortedKeys(a.Fields) {
		fmt.Fprintf(&b, "\n• %s: <code>%s</code>", html.EscapeString(k), html.EscapeString(fmt.Sprint(a.Fields[k])))
	}
	fmt.Fprintf(&b, "\n\n⏰ %s", a.Timestamp.Format("2006-01-02 15:04:05"))
	return b.String()
}

func (n *Notifier) sendTelegram(a Alert) error {
	url := fmt.Sprintf(n.telegramAPI, n.cfg.Telegram.BotToken, "sendMessage")
	payload := map[string]interface{}{
		"chat_id":    n.cfg.Telegram.ChatID,
		"text":       formatTelegramMessage(a),
		"parse_mode": "HTML",
	}

	body, _ := json.Marshal(payload)
	resp, err := n.client.Post(url, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// Discord

func formatDiscordEmbed(a Alert) map[string]interface{} {
	color := 3447003 // blue
	switch a.Level {
	case "error", "critical":
		color = 15158332 // red
	case "warning":
		color = 15105570 // orange
	}

	fields := make([]map[string]interface{}, 0, len(a.Fields))
	for _, k := range sortedKeys(a.Fields) {
		fields = append(fields, map[string]interface{}{"name": k, "value": fmt.Sprint(a.Fields[k]), "inline": true})
	}
	return map[string]interface{}{
		"title":       levelEmoji(a.Level) + " " + a.Title,
		"description": a.Message,
		"color":       color,
		"fields":      fields,
		"timestamp":   a.Timestamp.Format(time.RFC3339),
	}
}

func (n *Notifier) sendDiscord(a Alert) error {
	payload := map[string]interface{}{
		"embeds": []interface{}{formatDiscordEmbed(a)},
	}

	body, _ := json.Marshal(payload)
	resp, err := n.client.Post(n.cfg.Discord.WebhookURL, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Custom webhook

func (n *Notifier) sendCustom(hook config.WebhookConfig, a Alert) error {
	body, _ := json.Marshal(a)
	req, err := http.NewRequest(http.MethodPost, hook.URL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range hook.Header {
		req.Header.Set(key, value)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook %s returned status %d", hook.Name, resp.StatusCode)
	}
	return nil
}
