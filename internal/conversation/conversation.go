package conversation

import (
	"sync"
	"time"
)

// Speaker identifies who produced a turn.
type Speaker int

const (
	User Speaker = iota
	Model
)

func (s Speaker) String() string {
	switch s {
	case User:
		return "user"
	case Model:
		return "model"
	}
	return "unknown"
}

// Role returns the role tag the chat backend expects for this speaker.
func (s Speaker) Role() string {
	if s == User {
		return RoleUser
	}
	return RoleModel
}

const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Turn is one utterance. Turns are values; nothing hands out pointers into the log.
type Turn struct {
	Index     int
	Speaker   Speaker
	Text      string
	CreatedAt time.Time
}

// HistoryEntry is the wire shape of a turn for the chat backend.
type HistoryEntry struct {
	Role  string   `json:"role"`
	Parts []string `json:"parts"`
}

// Conversation is the append-only turn log of one session.
type Conversation struct {
	mu               sync.RWMutex
	turns            []Turn
	firstInteraction bool
	now              func() time.Time
}

func New() *Conversation {
	return &Conversation{
		firstInteraction: true,
		now:              time.Now,
	}
}

// Append adds a turn at the end of the log. Text is stored as given, empty included.
func (c *Conversation) Append(speaker Speaker, text string) Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appendLocked(speaker, text)
}

func (c *Conversation) appendLocked(speaker Speaker, text string) Turn {
	t := Turn{
		Index:     len(c.turns),
		Speaker:   speaker,
		Text:      text,
		CreatedAt: c.now(),
	}
	c.turns = append(c.turns, t)
	return t
}

// Greet appends the greeting as a model turn the first time it is called.
// Later calls leave the log untouched and return false.
func (c *Conversation) Greet(text string) (Turn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.firstInteraction {
		return Turn{}, false
	}
	t := c.appendLocked(Model, text)
	c.firstInteraction = false
	return t, true
}

// FirstInteraction reports whether the greeting is still pending.
func (c *Conversation) FirstInteraction() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.firstInteraction
}

// Turns returns a copy of the log in append order.
func (c *Conversation) Turns() []Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.turns)
}

// HistoryPayload projects the log into the chat backend's history shape.
// It is rebuilt on every call.
func (c *Conversation) HistoryPayload() []HistoryEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	history := make([]HistoryEntry, 0, len(c.turns))
	for _, t := range c.turns {
		history = append(history, HistoryEntry{
			Role:  t.Speaker.Role(),
			Parts: []string{t.Text},
		})
	}
	return history
}
