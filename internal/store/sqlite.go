package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/zhouzirui/harbour-desk/backend/internal/model/chat"
)

// maxUpdateAttempts bounds optimistic-lock retries in Update.
const maxUpdateAttempts = 8

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	log *zap.Logger
	now func() time.Time
}

// NewSQLite opens (and migrates) the database at dbPath.
func NewSQLite(dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite has a single writer; one connection keeps transactions from
	// tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{
		db:  db,
		log: logger.Named("store"),
		now: func() time.Time { return time.Now().UTC() },
	}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

var _ Repository = (*SQLiteStore)(nil)

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		channel TEXT NOT NULL,
		external_id TEXT NOT NULL,
		state TEXT NOT NULL,
		agent_id TEXT,
		priority INTEGER NOT NULL DEFAULT 0,
		user_type TEXT NOT NULL DEFAULT 'guest',
		customer_name TEXT,
		customer_contact TEXT,
		rating INTEGER,
		rating_message TEXT,
		queued_at INTEGER,
		assigned_at INTEGER,
		closed_at INTEGER,
		last_activity_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		UNIQUE(channel, external_id)
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
	CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id) WHERE agent_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		seq INTEGER NOT NULL,
		sender TEXT NOT NULL,
		body TEXT NOT NULL,
		attachment TEXT,
		is_read INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		UNIQUE(session_id, seq)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

const sessionColumns = `id, channel, external_id, state, agent_id, priority, user_type,
	customer_name, customer_contact, rating, rating_message, queued_at, assigned_at,
	closed_at, last_activity_at, created_at, updated_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (chat.Session, int64, error) {
	var (
		session                      chat.Session
		agentID, name, contact, note sql.NullString
		rating                       sql.NullInt64
		queuedAt, assignedAt, closed sql.NullInt64
		lastActivity, created, upd   int64
		version                      int64
	)
	err := row.Scan(
		&session.ID, &session.Channel, &session.ExternalID, &session.State, &agentID,
		&session.Priority, &session.UserType, &name, &contact, &rating, &note,
		&queuedAt, &assignedAt, &closed, &lastActivity, &created, &upd, &version,
	)
	if err != nil {
		return chat.Session{}, 0, err
	}

	session.AgentID = agentID.String
	session.CustomerName = name.String
	session.CustomerContact = contact.String
	session.RatingMessage = note.String
	if rating.Valid {
		v := int(rating.Int64)
		session.Rating = &v
	}
	session.QueuedAt = fromNullUnix(queuedAt)
	session.AssignedAt = fromNullUnix(assignedAt)
	session.ClosedAt = fromNullUnix(closed)
	session.LastActivityAt = time.Unix(0, lastActivity).UTC()
	session.CreatedAt = time.Unix(0, created).UTC()
	session.UpdatedAt = time.Unix(0, upd).UTC()
	return session, version, nil
}

// CreateOrGet implements Repository. The (channel, external_id) unique key
// makes concurrent first contact collapse onto one row.
func (s *SQLiteStore) CreateOrGet(ctx context.Context, channel chat.Channel, externalID string, profile chat.Profile) (chat.Session, bool, error) {
	session := newSession(uuid.NewString(), channel, externalID, profile, s.now())

	query := `
	INSERT INTO sessions (id, channel, external_id, state, priority, user_type, customer_name,
		customer_contact, last_activity_at, created_at, updated_at, version)
	VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, 1)
	ON CONFLICT(channel, external_id) DO NOTHING`

	result, err := s.db.ExecContext(ctx, query,
		session.ID, session.Channel, session.ExternalID, session.State, session.UserType,
		nullString(session.CustomerName), nullString(session.CustomerContact),
		session.LastActivityAt.UnixNano(), session.CreatedAt.UnixNano(), session.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return chat.Session{}, false, fmt.Errorf("insert session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return chat.Session{}, false, fmt.Errorf("get rows affected: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE channel = ? AND external_id = ?`,
		channel, externalID)
	existing, _, err := scanSession(row)
	if err != nil {
		return chat.Session{}, false, fmt.Errorf("scan session row: %w", err)
	}
	return existing, rows == 1, nil
}

// Get implements Repository.
func (s *SQLiteStore) Get(ctx context.Context, id string) (chat.Session, error) {
	session, _, err := s.getVersioned(ctx, id)
	return session, err
}

func (s *SQLiteStore) getVersioned(ctx context.Context, id string) (chat.Session, int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, version, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Session{}, 0, chat.ErrSessionNotFound
	}
	if err != nil {
		return chat.Session{}, 0, fmt.Errorf("scan session row: %w", err)
	}
	return session, version, nil
}

// Update implements Repository with optimistic locking on the version column.
func (s *SQLiteStore) Update(ctx context.Context, id string, fn Mutator) (chat.Session, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		current, version, err := s.getVersioned(ctx, id)
		if err != nil {
			return chat.Session{}, err
		}

		next := current
		if err := fn(&next); err != nil {
			return current, err
		}
		next.ID = current.ID
		next.UpdatedAt = s.now()

		query := `
		UPDATE sessions SET state = ?, agent_id = ?, priority = ?, user_type = ?, customer_name = ?,
			customer_contact = ?, rating = ?, rating_message = ?, queued_at = ?, assigned_at = ?,
			closed_at = ?, last_activity_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`

		var rating any
		if next.Rating != nil {
			rating = *next.Rating
		}

		result, err := s.db.ExecContext(ctx, query,
			next.State, nullString(next.AgentID), next.Priority, next.UserType,
			nullString(next.CustomerName), nullString(next.CustomerContact), rating,
			nullString(next.RatingMessage), toNullUnix(next.QueuedAt), toNullUnix(next.AssignedAt),
			toNullUnix(next.ClosedAt), next.LastActivityAt.UnixNano(), next.UpdatedAt.UnixNano(),
			id, version,
		)
		if err != nil {
			return chat.Session{}, fmt.Errorf("update session: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return chat.Session{}, fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 1 {
			return next, nil
		}
		s.log.Debug("optimistic lock lost, retrying", zap.String("session_id", id), zap.Int("attempt", attempt+1))
	}
	return chat.Session{}, chat.Conflictf("session %s changed concurrently", id)
}

// ListByState implements Repository.
func (s *SQLiteStore) ListByState(ctx context.Context, state chat.State) ([]chat.Session, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE state = ?`, state)
}

// ListByAgent implements Repository.
func (s *SQLiteStore) ListByAgent(ctx context.Context, agentID string) ([]chat.Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE state = ? AND agent_id = ?`,
		chat.StateAssigned, agentID)
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]chat.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	out := make([]chat.Session, 0)
	for rows.Next() {
		session, _, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// Append implements Repository.
func (s *SQLiteStore) Append(ctx context.Context, msg chat.Message) (chat.Message, error) {
	return s.appendTx(ctx, msg, "")
}

// AppendIfState implements Repository.
func (s *SQLiteStore) AppendIfState(ctx context.Context, msg chat.Message, state chat.State) (chat.Message, error) {
	return s.appendTx(ctx, msg, state)
}

func (s *SQLiteStore) appendTx(ctx context.Context, msg chat.Message, want chat.State) (out chat.Message, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Message{}, fmt.Errorf("begin append: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var state chat.State
	err = tx.QueryRowContext(ctx, `SELECT state FROM sessions WHERE id = ?`, msg.SessionID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, chat.ErrSessionNotFound
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("read session state: %w", err)
	}
	if want != "" && state != want {
		return chat.Message{}, chat.Conflictf("session is %s, not %s", state, want)
	}

	var seq int64
	if err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?`, msg.SessionID,
	).Scan(&seq); err != nil {
		return chat.Message{}, fmt.Errorf("next message seq: %w", err)
	}

	msg.ID = uuid.NewString()
	msg.Seq = seq
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, seq, sender, body, attachment, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Seq, msg.Sender, msg.Body, nullString(msg.Attachment),
		boolToInt(msg.Read), msg.CreatedAt.UnixNano(),
	); err != nil {
		return chat.Message{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = ?, version = version + 1 WHERE id = ?`,
		msg.CreatedAt.UnixNano(), msg.SessionID,
	); err != nil {
		return chat.Message{}, fmt.Errorf("touch session: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return chat.Message{}, fmt.Errorf("commit append: %w", err)
	}
	return msg, nil
}

// Messages implements Repository.
func (s *SQLiteStore) Messages(ctx context.Context, sessionID string, limit int) ([]chat.Message, error) {
	if _, err := s.Get(ctx, sessionID); err != nil {
		return nil, err
	}

	query := `SELECT id, session_id, seq, sender, body, attachment, is_read, created_at
		FROM messages WHERE session_id = ? ORDER BY seq ASC`
	args := []any{sessionID}
	if limit > 0 {
		query = `SELECT * FROM (
			SELECT id, session_id, seq, sender, body, attachment, is_read, created_at
			FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := make([]chat.Message, 0)
	for rows.Next() {
		var (
			msg        chat.Message
			attachment sql.NullString
			read       int
			created    int64
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Seq, &msg.Sender, &msg.Body, &attachment, &read, &created); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Attachment = attachment.String
		msg.Read = read != 0
		msg.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// MarkRead implements Repository.
func (s *SQLiteStore) MarkRead(ctx context.Context, sessionID string, seq int64) (int, error) {
	if _, err := s.Get(ctx, sessionID); err != nil {
		return 0, err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_read = 1 WHERE session_id = ? AND seq <= ? AND is_read = 0`,
		sessionID, seq)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return int(rows), nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func toNullUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNullUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
