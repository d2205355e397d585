package telegram

import (
	"fmt"
	"html"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/nexus-cloaker/datacenter/internal/database"
	"github.com/nexus-cloaker/datacenter/internal/stats"
)

const (
	listLimit    = 10
	actionRows   = 5
	agentPreview = 50
	logPreview   = 100
	maxResponse  = 1000
)

// limitChoices are the hourly limits offered when adding a UA config;
// -1 is unlimited.
var limitChoices = []int{50, 100, 200, 500, 1000, -1}

// Callback data
const (
	cbStatus        = "status"
	cbUAList        = "ua_list"
	cbUAAdd         = "ua_add"
	cbUAToggle      = "ua_toggle_"
	cbUADelete      = "ua_delete_"
	cbUALimit       = "ua_limit_"
	cbBlacklistList = "blacklist_list"
	cbBlacklistAdd  = "blacklist_add"
	cbBlacklistDel  = "blacklist_remove_"
	cbBLNoReason    = "blacklist_noreason"
	cbLogsRecent    = "logs_recent"
	cbLogsError     = "logs_error"
	cbCancel        = "cancel"
)

const (
	msgDenied  = "❌ Permission denied"
	msgExpired = "⌛ Session expired, start again."
)

func esc(s string) string { return html.EscapeString(s) }

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func formatLimit(n int) string {
	if n < 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d/hour", n)
}

func enabledMark(b bool) string {
	if b {
		return "✅"
	}
	return "❌"
}

func startText() string {
	return `🤖 <b>UA Data Center</b>

Welcome to the admin bot.

📊 System monitoring
👤 UA config management
🚫 IP blacklist management
📝 Log queries

Use /help to list every command.`
}

func startKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📊 Status", cbStatus),
			tgbotapi.NewInlineKeyboardButtonData("👤 UA configs", cbUAList),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🚫 Blacklist", cbBlacklistList),
			tgbotapi.NewInlineKeyboardButtonData("📝 Logs", cbLogsRecent),
		),
	)
}

func helpText() string {
	return `❓ <b>Help</b>

/start - open the main menu
/status - system status
/ua - manage UA configs
/blacklist - manage the IP blacklist
/logs - recent system logs
/help - this message

Every command has inline buttons. All actions are journaled.`
}

func renderStatus(o *stats.Overview, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 <b>System status</b>\n\n🕐 %s\n\n", now.Format("2006/01/02 15:04:05"))
	b.WriteString("📈 <b>Requests</b>\n")
	fmt.Fprintf(&b, "• Total: %d\n• Successful: %d\n• Blocked: %d\n• Success rate: %.2f%%\n\n",
		o.TotalRequests, o.SuccessfulRequests, o.BlockedRequests, o.SuccessRate)
	b.WriteString("🚫 <b>Security</b>\n")
	fmt.Fprintf(&b, "• Blacklisted IPs: %d\n• Violating IPs: %d\n• Temp banned: %d\n\n",
		o.BlacklistCount, o.ViolationIPs, o.TempBanned)
	b.WriteString("👤 <b>Config</b>\n")
	fmt.Fprintf(&b, "• UA configs: %d\n• Enabled: %d", o.UAConfigs, o.EnabledUAConfigs)
	return b.String()
}

func statusKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔄 Refresh", cbStatus)),
	)
}

func renderUAList(configs []database.UAConfig) string {
	var b strings.Builder
	b.WriteString("👤 <b>UA configs</b>\n\n")
	if len(configs) == 0 {
		b.WriteString("No UA configs yet.")
		return b.String()
	}
	for i, c := range configs {
		if i == listLimit {
			fmt.Fprintf(&b, "... and %d more", len(configs)-listLimit)
			break
		}
		fmt.Fprintf(&b, "%d. %s <b>%s</b>\n   UA: <code>%s</code>\n   Limit: %s\n\n",
			i+1, enabledMark(c.Enabled), esc(c.Name), esc(truncate(c.UserAgent, agentPreview)), formatLimit(c.HourlyLimit))
	}
	return strings.TrimRight(b.String(), "\n")
}

// Telegram caps callback data at 64 bytes.
func callbackData(prefix, value string) string {
	data := prefix + value
	if len(data) > 64 {
		return ""
	}
	return data
}

func uaKeyboard(configs []database.UAConfig) tgbotapi.InlineKeyboardMarkup {
	rows := [][]tgbotapi.InlineKeyboardButton{
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("➕ Add", cbUAAdd),
			tgbotapi.NewInlineKeyboardButtonData("🔄 Refresh", cbUAList),
		),
	}
	for i, c := range configs {
		if i == actionRows {
			break
		}
		toggle, del := callbackData(cbUAToggle, c.Name), callbackData(cbUADelete, c.Name)
		if toggle == "" || del == "" {
			continue
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("🔄 Toggle %d", i+1), toggle),
			tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("🗑 Delete %d", i+1), del),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func limitKeyboard() tgbotapi.InlineKeyboardMarkup {
	var row []tgbotapi.InlineKeyboardButton
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, n := range limitChoices {
		label := fmt.Sprint(n)
		if n < 0 {
			label = "♾ Unlimited"
		}
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(label, fmt.Sprintf("%s%d", cbUALimit, n)))
		if len(row) == 3 {
			rows = append(rows, row)
			row = nil
		}
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("✖ Cancel", cbCancel)))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func cancelKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("✖ Cancel", cbCancel)),
	)
}

func reasonKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("⏭ No reason", cbBLNoReason),
			tgbotapi.NewInlineKeyboardButtonData("✖ Cancel", cbCancel),
		),
	)
}

func renderBlacklist(entries []database.IPBlacklistEntry) string {
	var b strings.Builder
	b.WriteString("🚫 <b>IP blacklist</b>\n\n")
	if len(entries) == 0 {
		b.WriteString("The blacklist is empty.")
		return b.String()
	}
	for i, e := range entries {
		if i == listLimit {
			fmt.Fprintf(&b, "... and %d more", len(entries)-listLimit)
			break
		}
		fmt.Fprintf(&b, "%d. %s <code>%s</code>\n", i+1, enabledMark(e.Enabled), esc(e.IPAddress))
		if e.Reason != "" {
			fmt.Fprintf(&b, "   Reason: %s\n", esc(e.Reason))
		}
		fmt.Fprintf(&b, "   Added: %s\n\n", e.CreatedAt.Format("01-02 15:04"))
	}
	return strings.TrimRight(b.String(), "\n")
}

func blacklistKeyboard(entries []database.IPBlacklistEntry) tgbotapi.InlineKeyboardMarkup {
	rows := [][]tgbotapi.InlineKeyboardButton{
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("➕ Add IP", cbBlacklistAdd),
			tgbotapi.NewInlineKeyboardButtonData("🔄 Refresh", cbBlacklistList),
		),
	}
	for i, e := range entries {
		if i == actionRows {
			break
		}
		data := callbackData(cbBlacklistDel, e.IPAddress)
		if data == "" {
			continue
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🗑 Remove "+e.IPAddress, data),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func levelMark(level string) string {
	switch level {
	case "INFO":
		return "ℹ️"
	case "WARN", "WARNING":
		return "⚠️"
	case "ERROR", "CRITICAL":
		return "❌"
	}
	return "📝"
}

func renderLogs(title string, logs []database.SystemLog) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📝 <b>%s</b>\n\n", esc(title))
	if len(logs) == 0 {
		b.WriteString("No log records.")
		return b.String()
	}
	for _, l := range logs {
		fmt.Fprintf(&b, "%s <b>%s</b> %s\n   %s\n\n",
			levelMark(l.Level), esc(l.Level), l.CreatedAt.Format("15:04:05"), esc(truncate(l.Message, logPreview)))
	}
	return strings.TrimRight(b.String(), "\n")
}

func logsKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔄 Recent", cbLogsRecent),
			tgbotapi.NewInlineKeyboardButtonData("⚠️ Errors", cbLogsError),
		),
	)
}
