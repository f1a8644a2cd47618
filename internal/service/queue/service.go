package queue

import (
	"context"
	"sort"

	"github.com/zhouzirui/harbour-desk/backend/internal/model/chat"
)

// Source is the slice of the state machine the queue reads from.
type Source interface {
	Sessions(ctx context.Context, state chat.State) ([]chat.Session, error)
}

// Filter narrows a queue listing. Zero values mean "no restriction"; a nil
// MinPriority admits every priority, negative ones included.
type Filter struct {
	Channel     chat.Channel
	MinPriority *int
	Limit       int
}

// Service derives the waiting line from the store at call time.
type Service struct {
	source Source
}

// NewService creates a queue view over the session source.
func NewService(source Source) *Service {
	return &Service{source: source}
}

// List returns queued sessions, highest priority first, then longest waiting.
func (s *Service) List(ctx context.Context, filter Filter) ([]chat.Session, error) {
	sessions, err := s.ordered(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]chat.Session, 0, len(sessions))
	for _, session := range sessions {
		if filter.Channel != "" && session.Channel != filter.Channel {
			continue
		}
		if filter.MinPriority != nil && session.Priority < *filter.MinPriority {
			continue
		}
		out = append(out, session)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Position reports the 1-based place of a session in line.
func (s *Service) Position(ctx context.Context, sessionID string) (int, error) {
	sessions, err := s.ordered(ctx)
	if err != nil {
		return 0, err
	}
	for i, session := range sessions {
		if session.ID == sessionID {
			return i + 1, nil
		}
	}
	return 0, chat.ErrSessionNotFound
}

func (s *Service) ordered(ctx context.Context) ([]chat.Session, error) {
	sessions, err := s.source.Sessions(ctx, chat.StateQueued)
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].QueuedBefore(sessions[j])
	})
	return sessions, nil
}
