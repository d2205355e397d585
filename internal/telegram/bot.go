// Package telegram is the admin bot: commands and inline keyboards over
// the rules and stats services, with long polling.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/nexus-cloaker/datacenter/internal/apperr"
	"github.com/nexus-cloaker/datacenter/internal/database"
	"github.com/nexus-cloaker/datacenter/internal/rules"
	"github.com/nexus-cloaker/datacenter/internal/stats"
	"github.com/sirupsen/logrus"
)

const (
	pollTimeout   = 10
	sweepInterval = time.Minute
	recentLogs    = 10
)

// Journal statuses
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusDenied  = "denied"
)

type Rules interface {
	ListUAConfigs(ctx context.Context) ([]database.UAConfig, error)
	CreateUAConfig(ctx context.Context, in rules.UAConfigInput) (*database.UAConfig, error)
	ToggleUAConfig(ctx context.Context, name string) (*database.UAConfig, error)
	DeleteUAConfig(ctx context.Context, name string) error
	ListIPBlacklist(ctx context.Context) ([]database.IPBlacklistEntry, error)
	AddIPToBlacklist(ctx context.Context, ip, reason string) (*database.IPBlacklistEntry, bool, error)
	RemoveIPFromBlacklist(ctx context.Context, ip string) error
}

type Stats interface {
	Overview(ctx context.Context) (*stats.Overview, error)
	RecentLogs(ctx context.Context, limit int, level string) ([]database.SystemLog, error)
	RecordTelegramLog(ctx context.Context, l *database.TelegramLog) error
}

// Admins resolves the allow-list at call time so settings changes apply
// without a restart.
type Admins interface {
	TelegramAdminIDs(ctx context.Context) []int64
}

// API is the part of the Bot API client the handlers use.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type reply struct {
	text string
	kb   *tgbotapi.InlineKeyboardMarkup
}

func withKeyboard(text string, kb tgbotapi.InlineKeyboardMarkup) reply {
	return reply{text: text, kb: &kb}
}

type Bot struct {
	client *tgbotapi.BotAPI
	api    API
	rules  Rules
	stats  Stats
	admins Admins
	convs  *Conversations
	now    func() time.Time

	done chan struct{}
}

// New connects to the Bot API. endpoint may be empty for the public API.
func New(token, endpoint string, r Rules, s Stats, admins Admins) (*Bot, error) {
	var (
		client *tgbotapi.BotAPI
		err    error
	)
	if endpoint != "" {
		client, err = tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	} else {
		client, err = tgbotapi.NewBotAPI(token)
	}
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	b := newBot(client, r, s, admins)
	b.client = client
	return b, nil
}

func newBot(api API, r Rules, s Stats, admins Admins) *Bot {
	return &Bot{
		api:    api,
		rules:  r,
		stats:  s,
		admins: admins,
		convs:  NewConversations(conversationTTL, nil),
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// Username of the connected bot.
func (b *Bot) Username() string {
	if b.client == nil {
		return ""
	}
	return b.client.Self.UserName
}

func botCommands() []tgbotapi.BotCommand {
	return []tgbotapi.BotCommand{
		{Command: "start", Description: "🏠 Main menu"},
		{Command: "status", Description: "📊 System status"},
		{Command: "ua", Description: "👤 UA configs"},
		{Command: "blacklist", Description: "🚫 IP blacklist"},
		{Command: "logs", Description: "📝 System logs"},
		{Command: "help", Description: "❓ Help"},
	}
}

// Run long-polls for updates until ctx is done. It returns after polling
// has stopped.
func (b *Bot) Run(ctx context.Context) {
	defer close(b.done)

	if _, err := b.api.Request(tgbotapi.NewSetMyCommands(botCommands()...)); err != nil {
		logrus.WithError(err).Warn("telegram: could not set bot commands")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	updates := b.client.GetUpdatesChan(u)

	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	logrus.WithField("bot", b.Username()).Info("telegram bot polling")
	for {
		select {
		case <-ctx.Done():
			b.client.StopReceivingUpdates()
			logrus.Info("telegram bot stopped")
			return
		case <-sweep.C:
			if n := b.convs.Sweep(); n > 0 {
				logrus.WithField("expired", n).Debug("telegram: dropped stale conversations")
			}
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.handleUpdate(ctx, update)
		}
	}
}

// Done is closed once Run has returned.
func (b *Bot) Done() <-chan struct{} { return b.done }

func (b *Bot) isAdmin(ctx context.Context, userID int64) bool {
	for _, id := range b.admins.TelegramAdminIDs(ctx) {
		if id == userID {
			return true
		}
	}
	return false
}

func displayName(u *tgbotapi.User) string {
	if u == nil {
		return ""
	}
	if u.UserName != "" {
		return u.UserName
	}
	return u.FirstName
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("panic", r).Error("telegram: handler panicked")
		}
	}()

	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.From != nil:
		b.handleMessage(ctx, update.Message)
	}
}

func (b *Bot) handleMessage(ctx context.Context, m *tgbotapi.Message) {
	started := b.now()
	command := m.Text
	if m.IsCommand() {
		command = "/" + m.Command()
	}

	if !b.isAdmin(ctx, m.From.ID) {
		b.send(m.Chat.ID, 0, reply{text: msgDenied})
		b.journal(ctx, m.From, command, msgDenied, StatusDenied, nil, started)
		return
	}

	var (
		r   reply
		err error
	)
	if m.IsCommand() {
		r, err = b.command(ctx, m.From.ID, m.Command())
	} else {
		command = "input"
		r, err = b.input(ctx, m.From.ID, strings.TrimSpace(m.Text))
	}
	b.finish(ctx, m.Chat.ID, 0, m.From, command, r, err, started)
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	started := b.now()
	command := "callback:" + q.Data

	if !b.isAdmin(ctx, q.From.ID) {
		b.answer(q.ID, msgDenied)
		b.journal(ctx, q.From, command, msgDenied, StatusDenied, nil, started)
		return
	}
	b.answer(q.ID, "")

	r, err := b.callback(ctx, q.From.ID, q.Data)
	var chatID int64
	var msgID int
	if q.Message != nil {
		msgID = q.Message.MessageID
		if q.Message.Chat != nil {
			chatID = q.Message.Chat.ID
		}
	}
	if chatID == 0 {
		chatID = q.From.ID
		msgID = 0
	}
	b.finish(ctx, chatID, msgID, q.From, command, r, err, started)
}

// finish sends the reply, or the error message, and journals the action.
func (b *Bot) finish(ctx context.Context, chatID int64, msgID int, from *tgbotapi.User, command string, r reply, err error, started time.Time) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
		r = reply{text: "❌ " + esc(apperr.MessageOf(err))}
		logrus.WithError(err).WithField("command", command).Warn("telegram command failed")
	}
	b.send(chatID, msgID, r)
	b.journal(ctx, from, command, r.text, status, err, started)
}

func (b *Bot) answer(queryID, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(queryID, text)); err != nil {
		logrus.WithError(err).Debug("telegram: answer callback failed")
	}
}

// send edits msgID in place when set, otherwise sends a new message.
func (b *Bot) send(chatID int64, msgID int, r reply) {
	var c tgbotapi.Chattable
	if msgID != 0 {
		edit := tgbotapi.NewEditMessageText(chatID, msgID, r.text)
		edit.ParseMode = tgbotapi.ModeHTML
		edit.ReplyMarkup = r.kb
		c = edit
	} else {
		msg := tgbotapi.NewMessage(chatID, r.text)
		msg.ParseMode = tgbotapi.ModeHTML
		if r.kb != nil {
			msg.ReplyMarkup = *r.kb
		}
		c = msg
	}
	if _, err := b.api.Send(c); err != nil {
		logrus.WithError(err).WithField("chat_id", chatID).Warn("telegram: send failed")
	}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func (b *Bot) journal(ctx context.Context, from *tgbotapi.User, command, response, status string, err error, started time.Time) {
	l := &database.TelegramLog{
		Username:      displayName(from),
		Command:       command,
		Response:      clip(response, maxResponse),
		Status:        status,
		ExecutionTime: b.now().Sub(started).Milliseconds(),
	}
	if from != nil {
		l.UserID = from.ID
	}
	if err != nil {
		l.ErrorMessage = err.Error()
	}
	if err := b.stats.RecordTelegramLog(ctx, l); err != nil {
		logrus.WithError(err).Warn("telegram: could not journal command")
	}
}

func (b *Bot) command(ctx context.Context, userID int64, name string) (reply, error) {
	switch name {
	case "start":
		return withKeyboard(startText(), startKeyboard()), nil
	case "status":
		return b.status(ctx)
	case "ua":
		return b.uaList(ctx, "")
	case "blacklist":
		return b.blacklist(ctx, "")
	case "logs":
		return b.logs(ctx, "")
	case "help":
		return reply{text: helpText()}, nil
	case "cancel":
		b.convs.End(userID)
		return reply{text: "Cancelled."}, nil
	}
	return reply{text: "Unknown command. See /help."}, nil
}

func (b *Bot) status(ctx context.Context) (reply, error) {
	o, err := b.stats.Overview(ctx)
	if err != nil {
		return reply{}, err
	}
	return withKeyboard(renderStatus(o, b.now()), statusKeyboard()), nil
}

func prefixed(notice, body string) string {
	if notice == "" {
		return body
	}
	return notice + "\n\n" + body
}

func (b *Bot) uaList(ctx context.Context, notice string) (reply, error) {
	configs, err := b.rules.ListUAConfigs(ctx)
	if err != nil {
		return reply{}, err
	}
	return withKeyboard(prefixed(notice, renderUAList(configs)), uaKeyboard(configs)), nil
}

func (b *Bot) blacklist(ctx context.Context, notice string) (reply, error) {
	entries, err := b.rules.ListIPBlacklist(ctx)
	if err != nil {
		return reply{}, err
	}
	return withKeyboard(prefixed(notice, renderBlacklist(entries)), blacklistKeyboard(entries)), nil
}

func (b *Bot) logs(ctx context.Context, level string) (reply, error) {
	logs, err := b.stats.RecentLogs(ctx, recentLogs, level)
	if err != nil {
		return reply{}, err
	}
	title := "Recent logs"
	if level != "" {
		title = "Error logs"
	}
	return withKeyboard(renderLogs(title, logs), logsKeyboard()), nil
}

func (b *Bot) callback(ctx context.Context, userID int64, data string) (reply, error) {
	switch {
	case data == cbStatus:
		return b.status(ctx)
	case data == cbUAList:
		return b.uaList(ctx, "")
	case data == cbBlacklistList:
		return b.blacklist(ctx, "")
	case data == cbLogsRecent:
		return b.logs(ctx, "")
	case data == cbLogsError:
		return b.logs(ctx, "ERROR")
	case data == cbCancel:
		b.convs.End(userID)
		return reply{text: "Cancelled."}, nil

	case data == cbUAAdd:
		b.convs.Begin(userID, StateUAName)
		return withKeyboard("➕ <b>New UA config</b>\n\nSend the config name.", cancelKeyboard()), nil
	case strings.HasPrefix(data, cbUALimit):
		return b.finishUA(ctx, userID, strings.TrimPrefix(data, cbUALimit))
	case strings.HasPrefix(data, cbUAToggle):
		name := strings.TrimPrefix(data, cbUAToggle)
		c, err := b.rules.ToggleUAConfig(ctx, name)
		if err != nil {
			return reply{}, err
		}
		state := "disabled"
		if c.Enabled {
			state = "enabled"
		}
		return b.uaList(ctx, fmt.Sprintf("🔄 <b>%s</b> %s.", esc(c.Name), state))
	case strings.HasPrefix(data, cbUADelete):
		name := strings.TrimPrefix(data, cbUADelete)
		if err := b.rules.DeleteUAConfig(ctx, name); err != nil {
			return reply{}, err
		}
		return b.uaList(ctx, fmt.Sprintf("🗑 <b>%s</b> deleted.", esc(name)))

	case data == cbBlacklistAdd:
		b.convs.Begin(userID, StateBLIP)
		return withKeyboard("➕ <b>Blacklist an IP</b>\n\nSend the IP address or CIDR range.", cancelKeyboard()), nil
	case data == cbBLNoReason:
		return b.finishBlacklist(ctx, userID, "")
	case strings.HasPrefix(data, cbBlacklistDel):
		ip := strings.TrimPrefix(data, cbBlacklistDel)
		if err := b.rules.RemoveIPFromBlacklist(ctx, ip); err != nil {
			return reply{}, err
		}
		return b.blacklist(ctx, fmt.Sprintf("🗑 <code>%s</code> removed.", esc(ip)))
	}
	return reply{text: "Unknown action."}, nil
}

// input continues the user's flow with a text message.
func (b *Bot) input(ctx context.Context, userID int64, text string) (reply, error) {
	conv, ok := b.convs.Get(userID)
	if !ok {
		return reply{text: msgExpired}, nil
	}

	switch conv.State {
	case StateUAName:
		if text == "" || len([]rune(text)) > 100 {
			return withKeyboard("The name must be 1 to 100 characters. Send it again.", cancelKeyboard()), nil
		}
		if !b.convs.Advance(userID, StateUAName, StateUAAgent, func(c *Conversation) { c.UAName = text }) {
			return reply{text: msgExpired}, nil
		}
		return withKeyboard(fmt.Sprintf("Name: <b>%s</b>\n\nSend the User-Agent string.", esc(text)), cancelKeyboard()), nil

	case StateUAAgent:
		if text == "" {
			return withKeyboard("The User-Agent cannot be empty. Send it again.", cancelKeyboard()), nil
		}
		if !b.convs.Advance(userID, StateUAAgent, StateUALimit, func(c *Conversation) { c.UserAgent = text }) {
			return reply{text: msgExpired}, nil
		}
		return withKeyboard(fmt.Sprintf("User-Agent: <code>%s</code>\n\nPick the hourly limit.", esc(truncate(text, agentPreview))), limitKeyboard()), nil

	case StateUALimit:
		return withKeyboard("Pick the hourly limit with the buttons.", limitKeyboard()), nil

	case StateBLIP:
		ip, valid := rules.NormalizeIP(text)
		if !valid {
			return withKeyboard("That is not a valid IP address or CIDR range. Send it again.", cancelKeyboard()), nil
		}
		if !b.convs.Advance(userID, StateBLIP, StateBLReason, func(c *Conversation) { c.IP = ip }) {
			return reply{text: msgExpired}, nil
		}
		return withKeyboard(fmt.Sprintf("IP: <code>%s</code>\n\nSend a reason or skip it.", esc(ip)), reasonKeyboard()), nil

	case StateBLReason:
		return b.finishBlacklist(ctx, userID, text)
	}
	return reply{text: msgExpired}, nil
}

func validLimitChoice(n int) bool {
	for _, c := range limitChoices {
		if c == n {
			return true
		}
	}
	return false
}

func (b *Bot) finishUA(ctx context.Context, userID int64, raw string) (reply, error) {
	conv, ok := b.convs.Get(userID)
	if !ok || conv.State != StateUALimit {
		return reply{text: msgExpired}, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || !validLimitChoice(limit) {
		return withKeyboard("Pick the hourly limit with the buttons.", limitKeyboard()), nil
	}
	conv, ok = b.convs.End(userID)
	if !ok {
		return reply{text: msgExpired}, nil
	}

	c, err := b.rules.CreateUAConfig(ctx, rules.UAConfigInput{
		Name:        conv.UAName,
		UserAgent:   conv.UserAgent,
		HourlyLimit: &limit,
	})
	if err != nil {
		return reply{}, err
	}
	return b.uaList(ctx, fmt.Sprintf("✅ UA config <b>%s</b> created (%s).", esc(c.Name), formatLimit(c.HourlyLimit)))
}

func (b *Bot) finishBlacklist(ctx context.Context, userID int64, reason string) (reply, error) {
	conv, ok := b.convs.Get(userID)
	if !ok || conv.State != StateBLReason {
		return reply{text: msgExpired}, nil
	}
	conv, ok = b.convs.End(userID)
	if !ok {
		return reply{text: msgExpired}, nil
	}

	entry, created, err := b.rules.AddIPToBlacklist(ctx, conv.IP, reason)
	if err != nil {
		return reply{}, err
	}
	notice := fmt.Sprintf("✅ <code>%s</code> blacklisted.", esc(entry.IPAddress))
	if !created {
		notice = fmt.Sprintf("ℹ️ <code>%s</code> was already blacklisted.", esc(entry.IPAddress))
	}
	return b.blacklist(ctx, notice)
}
