package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/harbour-desk/backend/internal/model/chat"
)

type identity struct {
	channel    chat.Channel
	externalID string
}

// MemoryStore keeps sessions and messages in process memory. One lock guards
// both so that AppendIfState is atomic with respect to state transitions.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]chat.Session
	byIdent  map[identity]string
	messages map[string][]chat.Message
	now      func() time.Time
}

// NewMemoryStore bootstraps an empty in-memory repository.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]chat.Session),
		byIdent:  make(map[identity]string),
		messages: make(map[string][]chat.Message),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

var _ Repository = (*MemoryStore)(nil)

// CreateOrGet implements Repository.
func (s *MemoryStore) CreateOrGet(_ context.Context, channel chat.Channel, externalID string, profile chat.Profile) (chat.Session, bool, error) {
	key := identity{channel: channel, externalID: externalID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byIdent[key]; ok {
		return s.sessions[id], false, nil
	}

	now := s.now()
	session := newSession(uuid.NewString(), channel, externalID, profile, now)
	s.sessions[session.ID] = session
	s.byIdent[key] = session.ID
	s.messages[session.ID] = make([]chat.Message, 0, 16)
	return session, true, nil
}

// Get implements Repository.
func (s *MemoryStore) Get(_ context.Context, id string) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return chat.Session{}, chat.ErrSessionNotFound
	}
	return session, nil
}

// Update implements Repository.
func (s *MemoryStore) Update(_ context.Context, id string, fn Mutator) (chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sessions[id]
	if !ok {
		return chat.Session{}, chat.ErrSessionNotFound
	}

	next := current
	if err := fn(&next); err != nil {
		return current, err
	}
	next.ID = current.ID
	next.UpdatedAt = s.now()
	s.sessions[id] = next
	return next, nil
}

// ListByState implements Repository.
func (s *MemoryStore) ListByState(_ context.Context, state chat.State) ([]chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]chat.Session, 0)
	for _, session := range s.sessions {
		if session.State == state {
			out = append(out, session)
		}
	}
	return out, nil
}

// ListByAgent implements Repository.
func (s *MemoryStore) ListByAgent(_ context.Context, agentID string) ([]chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]chat.Session, 0)
	for _, session := range s.sessions {
		if session.State == chat.StateAssigned && session.AgentID == agentID {
			out = append(out, session)
		}
	}
	return out, nil
}

// Append implements Repository.
func (s *MemoryStore) Append(_ context.Context, msg chat.Message) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(msg)
}

// AppendIfState implements Repository.
func (s *MemoryStore) AppendIfState(_ context.Context, msg chat.Message, state chat.State) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[msg.SessionID]
	if !ok {
		return chat.Message{}, chat.ErrSessionNotFound
	}
	if session.State != state {
		return chat.Message{}, chat.Conflictf("session is %s, not %s", session.State, state)
	}
	return s.appendLocked(msg)
}

func (s *MemoryStore) appendLocked(msg chat.Message) (chat.Message, error) {
	session, ok := s.sessions[msg.SessionID]
	if !ok {
		return chat.Message{}, chat.ErrSessionNotFound
	}

	log := s.messages[msg.SessionID]
	msg.ID = uuid.NewString()
	msg.Seq = int64(len(log)) + 1
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}

	s.messages[msg.SessionID] = append(log, msg)
	session.LastActivityAt = msg.CreatedAt
	s.sessions[msg.SessionID] = session
	return msg, nil
}

// Messages implements Repository.
func (s *MemoryStore) Messages(_ context.Context, sessionID string, limit int) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[sessionID]
	if !ok {
		return nil, chat.ErrSessionNotFound
	}

	start := 0
	if limit > 0 && len(messages) > limit {
		start = len(messages) - limit
	}
	copied := make([]chat.Message, len(messages)-start)
	copy(copied, messages[start:])
	return copied, nil
}

// MarkRead implements Repository.
func (s *MemoryStore) MarkRead(_ context.Context, sessionID string, seq int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages, ok := s.messages[sessionID]
	if !ok {
		return 0, chat.ErrSessionNotFound
	}

	marked := 0
	for i := range messages {
		if messages[i].Seq > seq {
			break
		}
		if !messages[i].Read {
			messages[i].Read = true
			marked++
		}
	}
	return marked, nil
}

// Ping implements Repository.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close implements Repository.
func (s *MemoryStore) Close() error { return nil }

func newSession(id string, channel chat.Channel, externalID string, profile chat.Profile, now time.Time) chat.Session {
	userType := profile.UserType
	if userType == "" {
		userType = chat.UserGuest
	}
	return chat.Session{
		ID:              id,
		Channel:         channel,
		ExternalID:      externalID,
		State:           chat.StateBot,
		UserType:        userType,
		CustomerName:    profile.CustomerName,
		CustomerContact: profile.CustomerContact,
		LastActivityAt:  now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}
