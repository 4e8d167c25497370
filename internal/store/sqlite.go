package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/poten/internal/domain"
	"github.com/ashureev/poten/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	tokenMu sync.Mutex // serializes token consumption to avoid SQLITE_BUSY on hot tokens
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		picture TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS login_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT NOT NULL,
		name TEXT NOT NULL,
		provider TEXT NOT NULL,
		login_time INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_login_logs_email ON login_logs(email, login_time);

	CREATE TABLE IF NOT EXISTS chat_messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		persona TEXT NOT NULL DEFAULT '',
		ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_conv ON chat_messages(user_id, session_id, ts);

	CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		persona TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_user ON chat_sessions(user_id, updated_at);

	CREATE TABLE IF NOT EXISTS session_artifacts (
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		data TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, kind)
	);

	CREATE TABLE IF NOT EXISTS login_tokens (
		token TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		user_id TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		expires_at INTEGER NOT NULL,
		consumed_at INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_login_tokens_expires ON login_tokens(expires_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, email, name, picture, provider, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Email, &user.Name, &user.Picture, &user.Provider,
		&createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.CreatedAt = fromNanos(createdAt)
	user.UpdatedAt = fromNanos(updatedAt)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, email, name, picture, provider, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		email = excluded.email,
		name = excluded.name,
		picture = excluded.picture,
		provider = excluded.provider,
		updated_at = excluded.updated_at`

	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Email, user.Name, user.Picture, user.Provider,
		user.CreatedAt.UnixNano(), user.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// LogLogin appends a login event.
func (s *SQLiteStore) LogLogin(ctx context.Context, event domain.LoginEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO login_logs (email, name, provider, login_time) VALUES (?, ?, ?, ?)`,
		event.Email, event.Name, event.Provider, event.LoginTime.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert login log: %w", err)
	}
	return nil
}

// ListLogins returns recent login events for an email, newest first.
func (s *SQLiteStore) ListLogins(ctx context.Context, email string, limit int) ([]domain.LoginEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT email, name, provider, login_time FROM login_logs
		WHERE email = ? ORDER BY login_time DESC, id DESC LIMIT ?`, email, limit)
	if err != nil {
		return nil, fmt.Errorf("query login logs: %w", err)
	}
	defer closeRows(rows, "login logs")

	var events []domain.LoginEvent
	for rows.Next() {
		var ev domain.LoginEvent
		var ts int64
		if err := rows.Scan(&ev.Email, &ev.Name, &ev.Provider, &ts); err != nil {
			return nil, fmt.Errorf("scan login log: %w", err)
		}
		ev.LoginTime = fromNanos(ts)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate login logs: %w", err)
	}
	return events, nil
}

// AppendMessage persists a chat message.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.ChatMessage) error {
	if !domain.ValidRole(msg.Role) {
		return fmt.Errorf("append message: invalid role %q", msg.Role)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, user_id, email, name, session_id, role, content, persona, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.UserID, msg.Email, msg.Name, msg.SessionID,
		msg.Role, msg.Content, msg.Persona, msg.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

// ListMessages returns the latest limit messages of a conversation, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, userID, sessionID string, limit int) ([]domain.ChatMessage, error) {
	query := `
		SELECT id, user_id, email, name, session_id, role, content, persona, ts FROM (
			SELECT seq, id, user_id, email, name, session_id, role, content, persona, ts
			FROM chat_messages
			WHERE user_id = ? AND session_id = ?
			ORDER BY ts DESC, seq DESC
			LIMIT ?
		) ORDER BY ts ASC, seq ASC`

	rows, err := s.db.QueryContext(ctx, query, userID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query chat messages: %w", err)
	}
	defer closeRows(rows, "chat messages")

	msgs := make([]domain.ChatMessage, 0)
	for rows.Next() {
		var m domain.ChatMessage
		var ts int64
		if err := rows.Scan(&m.ID, &m.UserID, &m.Email, &m.Name, &m.SessionID,
			&m.Role, &m.Content, &m.Persona, &ts); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		m.Timestamp = fromNanos(ts)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return msgs, nil
}

// DeleteMessages removes every message of a conversation.
func (s *SQLiteStore) DeleteMessages(ctx context.Context, userID, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_messages WHERE user_id = ? AND session_id = ?`, userID, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete chat messages: %w", err)
	}
	return res.RowsAffected()
}

// CreateSession inserts a new named session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.ChatSession) error {
	if session.ID == "" {
		return fmt.Errorf("create session: empty id")
	}
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, user_id, title, persona, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.Title, session.Persona,
		session.CreatedAt.UnixNano(), session.UpdatedAt.UnixNano(),
	)
	if shared.IsSQLiteUniqueError(err) {
		return fmt.Errorf("insert chat session %s: %w", session.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert chat session: %w", err)
	}
	return nil
}

// GetSession loads a session owned by userID, with its artifacts.
func (s *SQLiteStore) GetSession(ctx context.Context, userID, sessionID string) (*domain.ChatSession, error) {
	var sess domain.ChatSession
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, persona, created_at, updated_at
		FROM chat_sessions WHERE id = ? AND user_id = ?`, sessionID, userID).Scan(
		&sess.ID, &sess.UserID, &sess.Title, &sess.Persona, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat session: %w", err)
	}
	sess.CreatedAt = fromNanos(createdAt)
	sess.UpdatedAt = fromNanos(updatedAt)

	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, data FROM session_artifacts WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session artifacts: %w", err)
	}
	defer closeRows(rows, "session artifacts")

	for rows.Next() {
		var kind, data string
		if err := rows.Scan(&kind, &data); err != nil {
			return nil, fmt.Errorf("scan session artifact: %w", err)
		}
		if sess.Artifacts == nil {
			sess.Artifacts = make(map[domain.ArtifactKind]json.RawMessage)
		}
		sess.Artifacts[domain.ArtifactKind(kind)] = json.RawMessage(data)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session artifacts: %w", err)
	}
	return &sess, nil
}

// ListSessions returns the user's sessions, most recently updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]*domain.ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, persona, created_at, updated_at
		FROM chat_sessions WHERE user_id = ? ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query chat sessions: %w", err)
	}
	defer closeRows(rows, "chat sessions")

	var sessions []*domain.ChatSession
	for rows.Next() {
		var sess domain.ChatSession
		var createdAt, updatedAt int64
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.Persona, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan chat session: %w", err)
		}
		sess.CreatedAt = fromNanos(createdAt)
		sess.UpdatedAt = fromNanos(updatedAt)
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat sessions: %w", err)
	}
	return sessions, nil
}

// RenameSession updates a session title.
func (s *SQLiteStore) RenameSession(ctx context.Context, userID, sessionID, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET title = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		title, time.Now().UnixNano(), sessionID, userID)
	if err != nil {
		return fmt.Errorf("rename chat session: %w", err)
	}
	return requireRow(res)
}

// TouchSession bumps updated_at.
func (s *SQLiteStore) TouchSession(ctx context.Context, userID, sessionID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET updated_at = ? WHERE id = ? AND user_id = ?`,
		at.UnixNano(), sessionID, userID)
	if err != nil {
		return fmt.Errorf("touch chat session: %w", err)
	}
	return requireRow(res)
}

// DeleteSession removes a session, its messages and its artifacts.
func (s *SQLiteStore) DeleteSession(ctx context.Context, userID, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ? AND user_id = ?`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("delete chat session: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE user_id = ? AND session_id = ?`, userID, sessionID); err != nil {
		return fmt.Errorf("delete session messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_artifacts WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session artifacts: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete session: %w", err)
	}
	return nil
}

// SaveArtifact stores or replaces an artifact on a session owned by userID.
func (s *SQLiteStore) SaveArtifact(ctx context.Context, userID, sessionID string, kind domain.ArtifactKind, data json.RawMessage) error {
	now := time.Now().UnixNano()
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET updated_at = ? WHERE id = ? AND user_id = ?`, now, sessionID, userID)
	if err != nil {
		return fmt.Errorf("touch session for artifact: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_artifacts (session_id, kind, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, kind) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		sessionID, string(kind), string(data), now)
	if err != nil {
		return fmt.Errorf("upsert session artifact: %w", err)
	}
	return nil
}

// SaveToken persists a login or auth token.
func (s *SQLiteStore) SaveToken(ctx context.Context, token *domain.LoginToken) error {
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO login_tokens (token, kind, user_id, email, name, expires_at, consumed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?)`,
		token.Token, string(token.Kind), token.UserID, token.Email, token.Name,
		token.ExpiresAt.UnixNano(), token.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert login token: %w", err)
	}
	return nil
}

// GetToken retrieves a token.
func (s *SQLiteStore) GetToken(ctx context.Context, token string) (*domain.LoginToken, error) {
	var tok domain.LoginToken
	var kind string
	var expiresAt, createdAt int64
	var consumedAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT token, kind, user_id, email, name, expires_at, consumed_at, created_at
		FROM login_tokens WHERE token = ?`, token).Scan(
		&tok.Token, &kind, &tok.UserID, &tok.Email, &tok.Name, &expiresAt, &consumedAt, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan login token: %w", err)
	}
	tok.Kind = domain.TokenKind(kind)
	tok.ExpiresAt = fromNanos(expiresAt)
	tok.CreatedAt = fromNanos(createdAt)
	if consumedAt.Valid {
		ts := fromNanos(consumedAt.Int64)
		tok.ConsumedAt = &ts
	}
	return &tok, nil
}

// ConsumeToken atomically marks an unexpired, unconsumed token as used.
func (s *SQLiteStore) ConsumeToken(ctx context.Context, token string, now time.Time) (*domain.LoginToken, error) {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE login_tokens SET consumed_at = ?
		WHERE token = ? AND consumed_at IS NULL AND expires_at > ?`,
		now.UnixNano(), token, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("consume login token: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("get rows affected: %w", err)
	}

	tok, err := s.GetToken(ctx, token)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if rows == 0 {
		return nil, consumeFailure(tok, now)
	}
	return tok, nil
}

// DeleteToken revokes a token.
func (s *SQLiteStore) DeleteToken(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM login_tokens WHERE token = ?`, token); err != nil {
		return fmt.Errorf("delete login token: %w", err)
	}
	return nil
}

// DeleteExpiredTokens removes tokens whose expiry is at or before now.
func (s *SQLiteStore) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM login_tokens WHERE expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	return res.RowsAffected()
}

// ReassignGuest moves a guest's sessions and messages to userID.
// Implements retry logic with exponential backoff to handle SQLITE_BUSY errors.
func (s *SQLiteStore) ReassignGuest(ctx context.Context, guestID, userID string) (int64, error) {
	var moved int64
	err := shared.RetryOnConflict(ctx, 3, 100*time.Millisecond, func() error {
		var err error
		moved, err = s.reassignGuestOnce(ctx, guestID, userID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reassign guest %s: %w", guestID, err)
	}
	return moved, nil
}

func (s *SQLiteStore) reassignGuestOnce(ctx context.Context, guestID, userID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin reassign: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE chat_messages SET user_id = ? WHERE user_id = ?`, userID, guestID)
	if err != nil {
		return 0, fmt.Errorf("reassign messages: %w", err)
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE chat_sessions SET user_id = ? WHERE user_id = ?`, userID, guestID); err != nil {
		return 0, fmt.Errorf("reassign sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit reassign: %w", err)
	}
	return moved, nil
}

func requireRow(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "rows", what, "error", err)
	}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n)
}
