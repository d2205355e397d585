package telegram

import (
	"testing"
	"time"

	"github.com/nexus-cloaker/datacenter/internal/database"
	"github.com/nexus-cloaker/datacenter/internal/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationTransitions(t *testing.T) {
	c := NewConversations(time.Minute, nil)

	assert.False(t, c.Advance(1, StateUAName, StateUAAgent, nil))

	c.Begin(1, StateUAName)
	assert.False(t, c.Advance(1, StateUAName, StateBLReason, nil))
	assert.False(t, c.Advance(1, StateBLIP, StateBLReason, nil))
	require.True(t, c.Advance(1, StateUAName, StateUAAgent, func(cv *Conversation) { cv.UAName = "mpv" }))

	conv, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, StateUAAgent, conv.State)
	assert.Equal(t, "mpv", conv.UAName)

	end, ok := c.End(1)
	require.True(t, ok)
	assert.Equal(t, "mpv", end.UAName)
	_, ok = c.Get(1)
	assert.False(t, ok)
}

func TestConversationExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewConversations(10*time.Minute, func() time.Time { return now })

	c.Begin(1, StateBLIP)
	c.Begin(2, StateUAName)
	now = now.Add(5 * time.Minute)
	require.True(t, c.Advance(2, StateUAName, StateUAAgent, nil))

	now = now.Add(6 * time.Minute)
	_, ok := c.Get(1)
	assert.False(t, ok)
	_, ok = c.Get(2)
	assert.True(t, ok)

	now = now.Add(10 * time.Minute)
	c.Begin(3, StateBLIP)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
}

func TestRenderHelpers(t *testing.T) {
	assert.Equal(t, "unlimited", formatLimit(-1))
	assert.Equal(t, "100/hour", formatLimit(100))
	assert.Equal(t, "abc...", truncate("abcdef", 3))
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Empty(t, callbackData(cbUADelete, string(make([]byte, 64))))

	out := renderUAList([]database.UAConfig{{Name: "<b>", UserAgent: "x", HourlyLimit: 5, Enabled: true}})
	assert.Contains(t, out, "&lt;b&gt;")
	assert.Contains(t, out, "5/hour")

	assert.Contains(t, renderBlacklist(nil), "empty")
	assert.Contains(t, renderLogs("Recent logs", nil), "No log records")

	status := renderStatus(&stats.Overview{TotalRequests: 10, SuccessRate: 90}, time.Now())
	assert.Contains(t, status, "Total: 10")
	assert.Contains(t, status, "90.00%")

	kb := limitKeyboard()
	var labels []string
	for _, row := range kb.InlineKeyboard {
		for _, btn := range row {
			labels = append(labels, btn.Text)
		}
	}
	assert.Equal(t, []string{"50", "100", "200", "500", "1000", "♾ Unlimited", "✖ Cancel"}, labels)
}
