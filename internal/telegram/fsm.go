package telegram

import (
	"sync"
	"time"
)

// State is a step of a multi-step flow.
type State string

const (
	StateIdle     State = ""
	StateUAName   State = "ua_name"
	StateUAAgent  State = "ua_agent"
	StateUALimit  State = "ua_limit"
	StateBLIP     State = "bl_ip"
	StateBLReason State = "bl_reason"
)

const conversationTTL = 10 * time.Minute

// transitions lists the states each state may move to. Any state may go
// back to idle.
var transitions = map[State][]State{
	StateIdle:    {StateUAName, StateBLIP},
	StateUAName:  {StateUAAgent},
	StateUAAgent: {StateUALimit},
	StateBLIP:    {StateBLReason},
}

// Conversation is the state of one user's flow and the values collected so far.
type Conversation struct {
	State     State
	UAName    string
	UserAgent string
	IP        string
	UpdatedAt time.Time
}

// Conversations holds one flow per user. Entries untouched for longer than
// the TTL are treated as absent and removed by Sweep.
type Conversations struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	sessions map[int64]*Conversation
}

func NewConversations(ttl time.Duration, now func() time.Time) *Conversations {
	if ttl <= 0 {
		ttl = conversationTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Conversations{ttl: ttl, now: now, sessions: make(map[int64]*Conversation)}
}

func (c *Conversations) expired(conv *Conversation) bool {
	return c.now().Sub(conv.UpdatedAt) > c.ttl
}

// Begin starts a fresh flow at state, replacing any previous one.
func (c *Conversations) Begin(userID int64, state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[userID] = &Conversation{State: state, UpdatedAt: c.now()}
}

// Get returns a copy of the live flow of a user.
func (c *Conversations) Get(userID int64) (Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.sessions[userID]
	if !ok {
		return Conversation{}, false
	}
	if c.expired(conv) {
		delete(c.sessions, userID)
		return Conversation{}, false
	}
	return *conv, true
}

// Advance moves a live flow from the expected state to next after letting
// set record the collected value. It reports false when there is no live
// flow in the expected state or the transition is not allowed.
func (c *Conversations) Advance(userID int64, from, next State, set func(*Conversation)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.sessions[userID]
	if !ok || c.expired(conv) || conv.State != from || !allowed(from, next) {
		return false
	}
	if set != nil {
		set(conv)
	}
	conv.State = next
	conv.UpdatedAt = c.now()
	return true
}

func allowed(from, next State) bool {
	if next == StateIdle {
		return true
	}
	for _, s := range transitions[from] {
		if s == next {
			return true
		}
	}
	return false
}

// End drops the flow of a user and returns its final state.
func (c *Conversations) End(userID int64) (Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.sessions[userID]
	if !ok {
		return Conversation{}, false
	}
	delete(c.sessions, userID)
	if c.expired(conv) {
		return Conversation{}, false
	}
	return *conv, true
}

// Sweep removes expired flows and returns how many were dropped.
func (c *Conversations) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, conv := range c.sessions {
		if c.expired(conv) {
			delete(c.sessions, id)
			n++
		}
	}
	return n
}

func (c *Conversations) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}
