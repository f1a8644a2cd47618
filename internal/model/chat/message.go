package chat

import (
	"strings"
	"time"
)

// Sender is the role that authored a message.
type Sender string

const (
	SenderCustomer Sender = "customer"
	SenderBot      Sender = "bot"
	SenderAgent    Sender = "agent"
	SenderSystem   Sender = "system"
)

// Valid reports whether s is a known sender role.
func (s Sender) Valid() bool {
	switch s {
	case SenderCustomer, SenderBot, SenderAgent, SenderSystem:
		return true
	}
	return false
}

// Message persists individual turns. Seq is the per-session append order and
// is the canonical conversation order, independent of CreatedAt.
type Message struct {
	ID         string    `json:"id"`
	Seq        int64     `json:"seq"`
	SessionID  string    `json:"sessionId"`
	Sender     Sender    `json:"sender"`
	Body       string    `json:"body"`
	Attachment string    `json:"attachment,omitempty"`
	Read       bool      `json:"read"`
	CreatedAt  time.Time `json:"createdAt"`
}

func normalize(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
