package chat

import "time"

// State is the lifecycle position of a support session.
type State string

const (
	StateBot      State = "bot"
	StateQueued   State = "queued"
	StateAssigned State = "assigned"
	StateClosed   State = "closed"
)

// Channel identifies where a customer reached us from.
type Channel string

const (
	ChannelWeb      Channel = "web"
	ChannelFacebook Channel = "facebook"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelOther    Channel = "other"
)

// UserType distinguishes anonymous visitors from verified customers.
type UserType string

const (
	UserGuest      UserType = "guest"
	UserRegistered UserType = "registered"
)

// legalTransitions lists every edge of the session state machine.
var legalTransitions = map[State][]State{
	StateBot:      {StateQueued, StateClosed},
	StateQueued:   {StateAssigned, StateClosed},
	StateAssigned: {StateClosed},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateBot, StateQueued, StateAssigned, StateClosed:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateClosed
}

// ParseChannel normalises free-form channel names coming from clients.
func ParseChannel(raw string) (Channel, bool) {
	switch Channel(normalize(raw)) {
	case ChannelWeb, "":
		return ChannelWeb, true
	case ChannelFacebook:
		return ChannelFacebook, true
	case ChannelWhatsApp:
		return ChannelWhatsApp, true
	case ChannelOther:
		return ChannelOther, true
	}
	return "", false
}

// Profile carries optional customer details captured at session start.
type Profile struct {
	UserType        UserType `json:"userType,omitempty"`
	CustomerName    string   `json:"customerName,omitempty"`
	CustomerContact string   `json:"customerContact,omitempty"`
}

// Session is one customer conversation thread.
type Session struct {
	ID              string     `json:"id"`
	Channel         Channel    `json:"channel"`
	ExternalID      string     `json:"externalId"`
	State           State      `json:"state"`
	AgentID         string     `json:"agentId,omitempty"`
	Priority        int        `json:"priority"`
	UserType        UserType   `json:"userType"`
	CustomerName    string     `json:"customerName,omitempty"`
	CustomerContact string     `json:"customerContact,omitempty"`
	Rating          *int       `json:"rating,omitempty"`
	RatingMessage   string     `json:"ratingMessage,omitempty"`
	QueuedAt        *time.Time `json:"queuedAt,omitempty"`
	AssignedAt      *time.Time `json:"assignedAt,omitempty"`
	ClosedAt        *time.Time `json:"closedAt,omitempty"`
	LastActivityAt  time.Time  `json:"lastActivityAt"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// QueuedBefore orders queued sessions: higher priority first, then longest waiting, then id.
func (s Session) QueuedBefore(other Session) bool {
	if s.Priority != other.Priority {
		return s.Priority > other.Priority
	}
	a, b := s.queueTime(), other.queueTime()
	if !a.Equal(b) {
		return a.Before(b)
	}
	return s.ID < other.ID
}

func (s Session) queueTime() time.Time {
	if s.QueuedAt != nil {
		return *s.QueuedAt
	}
	return s.CreatedAt
}
