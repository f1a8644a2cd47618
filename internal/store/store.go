// Package store provides the authoritative session records and the
// append-only message log.
package store

import (
	"context"

	"github.com/zhouzirui/harbour-desk/backend/internal/model/chat"
)

// Mutator edits a session copy inside an atomic read-modify-write. Returning an
// error aborts the write and the error is passed back to the caller unchanged.
type Mutator func(s *chat.Session) error

// Repository is the persistence contract for sessions and their messages.
type Repository interface {
	// CreateOrGet returns the session for (channel, externalID), creating it in
	// state bot when none exists. created reports whether this call created it.
	CreateOrGet(ctx context.Context, channel chat.Channel, externalID string, profile chat.Profile) (session chat.Session, created bool, err error)

	// Get retrieves a session by id.
	Get(ctx context.Context, id string) (chat.Session, error)

	// Update applies fn atomically to the current record of id.
	Update(ctx context.Context, id string, fn Mutator) (chat.Session, error)

	// ListByState returns every session in the given state, unordered.
	ListByState(ctx context.Context, state chat.State) ([]chat.Session, error)

	// ListByAgent returns the sessions currently assigned to agentID.
	ListByAgent(ctx context.Context, agentID string) ([]chat.Session, error)

	// Append adds a message to the end of the session log.
	Append(ctx context.Context, msg chat.Message) (chat.Message, error)

	// AppendIfState appends only while the session is in state; otherwise it
	// returns an error wrapping chat.ErrConflict and writes nothing.
	AppendIfState(ctx context.Context, msg chat.Message, state chat.State) (chat.Message, error)

	// Messages returns the log in append order. A positive limit keeps only the
	// most recent limit messages.
	Messages(ctx context.Context, sessionID string, limit int) ([]chat.Message, error)

	// MarkRead flags every message up to and including seq as read.
	MarkRead(ctx context.Context, sessionID string, seq int64) (int, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}
