package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/harbour-desk/backend/internal/model/chat"
	"github.com/zhouzirui/harbour-desk/backend/internal/store"
)

// errNoop aborts a store update that would not change anything.
var errNoop = errors.New("no-op transition")

// Service encapsulates the session state machine and the message log. Every
// state change goes through one of its transition methods; fields are never
// mutated directly.
type Service struct {
	repo store.Repository
	log  *zap.Logger
	now  func() time.Time
}

// NewService wires the state machine over a repository.
func NewService(repo store.Repository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo: repo,
		log:  logger.Named("chat"),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// CreateOrGet finds or provisions the session for a channel identity.
func (s *Service) CreateOrGet(ctx context.Context, channel chat.Channel, externalID string, profile chat.Profile) (chat.Session, error) {
	externalID = strings.TrimSpace(externalID)
	if channel == "" {
		return chat.Session{}, chat.Validationf("channel is required")
	}
	if externalID == "" {
		return chat.Session{}, chat.Validationf("external id is required")
	}

	session, created, err := s.repo.CreateOrGet(ctx, channel, externalID, profile)
	if err != nil {
		return chat.Session{}, err
	}
	if created {
		s.log.Info("session created",
			zap.String("session_id", session.ID),
			zap.String("channel", string(channel)))
	}
	return session, nil
}

// GetSession retrieves a session by identifier.
func (s *Service) GetSession(ctx context.Context, sessionID string) (chat.Session, error) {
	return s.repo.Get(ctx, sessionID)
}

// RequestHandoff moves a bot session into the human queue. changed is false
// when the session was already queued or assigned.
func (s *Service) RequestHandoff(ctx context.Context, sessionID string, priority int) (session chat.Session, changed bool, err error) {
	session, err = s.repo.Update(ctx, sessionID, func(sess *chat.Session) error {
		changed = false
		switch sess.State {
		case chat.StateQueued, chat.StateAssigned:
			return errNoop
		case chat.StateClosed:
			return chat.Conflictf("session is closed")
		}
		if !chat.CanTransition(sess.State, chat.StateQueued) {
			return chat.Conflictf("cannot queue a %s session", sess.State)
		}
		now := s.now()
		sess.State = chat.StateQueued
		sess.Priority = priority
		sess.QueuedAt = &now
		changed = true
		return nil
	})
	if err == errNoop {
		return session, false, nil
	}
	if err != nil {
		return session, false, err
	}

	s.log.Info("session queued for human agent",
		zap.String("session_id", sessionID),
		zap.Int("priority", priority))
	return session, changed, nil
}

// Assign hands a queued session to an agent. Exactly one concurrent caller
// wins; the rest receive chat.ErrAlreadyAssigned.
func (s *Service) Assign(ctx context.Context, sessionID, agentID string) (chat.Session, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return chat.Session{}, chat.Validationf("agent id is required")
	}

	session, err := s.repo.Update(ctx, sessionID, func(sess *chat.Session) error {
		switch sess.State {
		case chat.StateQueued:
		case chat.StateAssigned:
			return chat.ErrAlreadyAssigned
		default:
			return chat.Conflictf("cannot assign a %s session", sess.State)
		}
		now := s.now()
		sess.State = chat.StateAssigned
		sess.AgentID = agentID
		sess.AssignedAt = &now
		return nil
	})
	if err != nil {
		return session, err
	}

	s.log.Info("session assigned",
		zap.String("session_id", sessionID),
		zap.String("agent_id", agentID))
	return session, nil
}

// Close ends a conversation. Closing a closed session returns it unchanged.
func (s *Service) Close(ctx context.Context, sessionID string) (session chat.Session, changed bool, err error) {
	session, err = s.repo.Update(ctx, sessionID, func(sess *chat.Session) error {
		changed = false
		if sess.State.Terminal() {
			return errNoop
		}
		now := s.now()
		sess.State = chat.StateClosed
		sess.ClosedAt = &now
		changed = true
		return nil
	})
	if err == errNoop {
		return session, false, nil
	}
	if err != nil {
		return session, false, err
	}

	s.log.Info("session closed", zap.String("session_id", sessionID))
	return session, changed, nil
}

// Rate records customer satisfaction for a conversation.
func (s *Service) Rate(ctx context.Context, sessionID string, rating int, message string) (chat.Session, error) {
	if rating < 1 || rating > 5 {
		return chat.Session{}, chat.Validationf("rating must be between 1 and 5")
	}
	return s.repo.Update(ctx, sessionID, func(sess *chat.Session) error {
		sess.Rating = &rating
		sess.RatingMessage = strings.TrimSpace(message)
		return nil
	})
}

// UpdateProfile marks a guest as a registered customer.
func (s *Service) UpdateProfile(ctx context.Context, sessionID, name, contact string) (chat.Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return chat.Session{}, chat.Validationf("name is required")
	}
	return s.repo.Update(ctx, sessionID, func(sess *chat.Session) error {
		sess.UserType = chat.UserRegistered
		sess.CustomerName = name
		sess.CustomerContact = strings.TrimSpace(contact)
		return nil
	})
}

// AssignedTo lists an agent's open conversations, most recently active first.
func (s *Service) AssignedTo(ctx context.Context, agentID string) ([]chat.Session, error) {
	sessions, err := s.repo.ListByAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActivityAt.After(sessions[j].LastActivityAt)
	})
	return sessions, nil
}

// SaveMessage appends a message to the session history.
func (s *Service) SaveMessage(ctx context.Context, message chat.Message) (chat.Message, error) {
	if err := validateMessage(message); err != nil {
		return chat.Message{}, err
	}
	return s.repo.Append(ctx, message)
}

// SaveMessageIfState appends only while the session is still in state.
func (s *Service) SaveMessageIfState(ctx context.Context, message chat.Message, state chat.State) (chat.Message, error) {
	if err := validateMessage(message); err != nil {
		return chat.Message{}, err
	}
	return s.repo.AppendIfState(ctx, message, state)
}

// LoadTranscript returns stored messages for the provided session in order.
func (s *Service) LoadTranscript(ctx context.Context, sessionID string) ([]chat.Message, error) {
	return s.repo.Messages(ctx, sessionID, 0)
}

// RecentMessages returns at most n of the latest messages, oldest first.
func (s *Service) RecentMessages(ctx context.Context, sessionID string, n int) ([]chat.Message, error) {
	if n <= 0 {
		return []chat.Message{}, nil
	}
	return s.repo.Messages(ctx, sessionID, n)
}

// MarkRead flags messages up to seq as read.
func (s *Service) MarkRead(ctx context.Context, sessionID string, seq int64) (int, error) {
	return s.repo.MarkRead(ctx, sessionID, seq)
}

// Sessions exposes the sessions in a given state; queue views derive from it.
func (s *Service) Sessions(ctx context.Context, state chat.State) ([]chat.Session, error) {
	if !state.Valid() {
		return nil, chat.Validationf("unknown state %q", state)
	}
	return s.repo.ListByState(ctx, state)
}

func validateMessage(message chat.Message) error {
	if message.SessionID == "" {
		return chat.Validationf("session id is required")
	}
	if !message.Sender.Valid() {
		return chat.Validationf("unknown sender %q", message.Sender)
	}
	if strings.TrimSpace(message.Body) == "" && message.Attachment == "" {
		return chat.Validationf("message body is required")
	}
	return nil
}
