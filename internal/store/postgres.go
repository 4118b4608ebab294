package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── Users ──

func (s *PostgresStore) CreateUser(ctx context.Context, email, passwordHash, userType string) (User, error) {
	const insert = `
		INSERT INTO users (email, password_hash, user_type)
		VALUES ($1, $2, $3)
		RETURNING id, email, user_type, created_at
	`
	var user User
	err := s.db.QueryRowContext(ctx, insert, email, passwordHash, userType).
		Scan(&user.ID, &user.Email, &user.UserType, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	user.PasswordHash = passwordHash
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	const query = `SELECT id, email, password_hash, user_type, created_at FROM users WHERE email=$1`
	var user User
	err := s.db.QueryRowContext(ctx, query, email).
		Scan(&user.ID, &user.Email, &user.PasswordHash, &user.UserType, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	const query = `SELECT id, email, password_hash, user_type, created_at FROM users WHERE id=$1`
	var user User
	err := s.db.QueryRowContext(ctx, query, userID).
		Scan(&user.ID, &user.Email, &user.PasswordHash, &user.UserType, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// ── Chats ──

func (s *PostgresStore) SaveChat(ctx context.Context, chat Chat) (Chat, error) {
	const insert = `
		INSERT INTO chats (id, user_id, title, visibility)
		VALUES ($1, $2, $3, $4)
		RETURNING id, user_id, title, visibility, created_at
	`
	var saved Chat
	err := s.db.QueryRowContext(ctx, insert, chat.ID, chat.UserID, chat.Title, chat.Visibility).
		Scan(&saved.ID, &saved.UserID, &saved.Title, &saved.Visibility, &saved.CreatedAt)
	if err != nil {
		return Chat{}, fmt.Errorf("insert chat: %w", err)
	}
	return saved, nil
}

func (s *PostgresStore) GetChatByID(ctx context.Context, chatID string) (Chat, error) {
	const query = `SELECT id, user_id, title, visibility, created_at FROM chats WHERE id=$1`
	var chat Chat
	err := s.db.QueryRowContext(ctx, query, chatID).
		Scan(&chat.ID, &chat.UserID, &chat.Title, &chat.Visibility, &chat.CreatedAt)
	if err != nil {
		return Chat{}, err
	}
	return chat, nil
}

func (s *PostgresStore) DeleteChatByID(ctx context.Context, chatID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete chat: %w", err)
	}
	statements := []string{
		`DELETE FROM votes WHERE chat_id=$1`,
		`DELETE FROM messages WHERE chat_id=$1`,
		`DELETE FROM chats WHERE id=$1`,
	}
	for _, statement := range statements {
		if _, err := tx.ExecContext(ctx, statement, chatID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("delete chat %s: %w", chatID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete chat: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateChatVisibility(ctx context.Context, chatID, visibility string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE chats SET visibility=$2 WHERE id=$1`, chatID, visibility)
	if err != nil {
		return fmt.Errorf("update chat visibility: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateChatTitle(ctx context.Context, chatID, title string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE chats SET title=$2 WHERE id=$1`, chatID, title)
	if err != nil {
		return fmt.Errorf("update chat title: %w", err)
	}
	return nil
}

// ListChatsByUserID pages through a user's chats newest-first. Exactly one
// of startingAfter / endingBefore may be set; both empty means first page.
// Returns limit chats plus a flag when more remain.
func (s *PostgresStore) ListChatsByUserID(ctx context.Context, userID string, limit int, startingAfter, endingBefore string) ([]Chat, bool, error) {
	query := `
		SELECT id, user_id, title, visibility, created_at
		FROM chats
		WHERE user_id = $1
	`
	args := []any{userID}

	cursor := ""
	if startingAfter != "" {
		cursor = startingAfter
		query += ` AND created_at < (SELECT created_at FROM chats WHERE id = $2)`
	} else if endingBefore != "" {
		cursor = endingBefore
		query += ` AND created_at > (SELECT created_at FROM chats WHERE id = $2)`
	}
	if cursor != "" {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM chats WHERE id=$1)`, cursor).Scan(&exists); err != nil {
			return nil, false, fmt.Errorf("check cursor chat: %w", err)
		}
		if !exists {
			return nil, false, fmt.Errorf("cursor chat %s: %w", cursor, sql.ErrNoRows)
		}
		args = append(args, cursor)
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	items := make([]Chat, 0, limit)
	for rows.Next() {
		var chat Chat
		if err := rows.Scan(&chat.ID, &chat.UserID, &chat.Title, &chat.Visibility, &chat.CreatedAt); err != nil {
			return nil, false, fmt.Errorf("scan chat: %w", err)
		}
		items = append(items, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate chats: %w", err)
	}

	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}
	return items, hasMore, nil
}

// ── Messages ──

func (s *PostgresStore) SaveMessages(ctx context.Context, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save messages: %w", err)
	}
	const insert = `
		INSERT INTO messages (id, chat_id, role, parts, attachments, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for _, message := range messages {
		createdAt := message.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		attachments := message.Attachments
		if attachments == nil {
			attachments = []byte(`[]`)
		}
		if _, err := tx.ExecContext(ctx, insert, message.ID, message.ChatID, message.Role, []byte(message.Parts), []byte(attachments), createdAt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert message %s: %w", message.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save messages: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessagesByChatID(ctx context.Context, chatID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, parts, attachments, created_at
		FROM messages
		WHERE chat_id = $1
		ORDER BY created_at ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var message Message
		if err := rows.Scan(&message.ID, &message.ChatID, &message.Role, &message.Parts, &message.Attachments, &message.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, message)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetMessageByID(ctx context.Context, messageID string) (Message, error) {
	var message Message
	err := s.db.QueryRowContext(ctx, `
		SELECT id, chat_id, role, parts, attachments, created_at
		FROM messages WHERE id=$1
	`, messageID).Scan(&message.ID, &message.ChatID, &message.Role, &message.Parts, &message.Attachments, &message.CreatedAt)
	if err != nil {
		return Message{}, err
	}
	return message, nil
}

func (s *PostgresStore) DeleteMessagesAfterTimestamp(ctx context.Context, chatID string, after time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin trim messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM votes
		WHERE chat_id = $1
			AND message_id IN (SELECT id FROM messages WHERE chat_id=$1 AND created_at >= $2)
	`, chatID, after); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("trim votes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id=$1 AND created_at >= $2`, chatID, after); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("trim messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit trim messages: %w", err)
	}
	return nil
}

// CountRecentUserMessages feeds the rate limiter: user-role messages
// authored by the given user inside the trailing window.
func (s *PostgresStore) CountRecentUserMessages(ctx context.Context, userID string, window time.Duration) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(m.id)
		FROM messages m
		JOIN chats c ON c.id = m.chat_id
		WHERE c.user_id = $1
			AND m.role = 'user'
			AND m.created_at >= NOW() - $2::interval
	`, userID, fmt.Sprintf("%d seconds", int(window.Seconds()))).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count recent messages: %w", err)
	}
	return count, nil
}

// ── Votes ──

func (s *PostgresStore) VoteMessage(ctx context.Context, chatID, messageID string, isUpvoted bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO votes (chat_id, message_id, is_upvoted)
		VALUES ($1, $2, $3)
		ON CONFLICT (chat_id, message_id) DO UPDATE SET is_upvoted=EXCLUDED.is_upvoted
	`, chatID, messageID, isUpvoted)
	if err != nil {
		return fmt.Errorf("vote message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListVotesByChatID(ctx context.Context, chatID string) ([]Vote, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id, message_id, is_upvoted FROM votes WHERE chat_id=$1`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	items := make([]Vote, 0)
	for rows.Next() {
		var vote Vote
		if err := rows.Scan(&vote.ChatID, &vote.MessageID, &vote.IsUpvoted); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		items = append(items, vote)
	}
	return items, rows.Err()
}

// ── Documents ──

func (s *PostgresStore) SaveDocument(ctx context.Context, doc Document) (Document, error) {
	const insert = `
		INSERT INTO documents (id, title, content, kind, user_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, title, content, kind, user_id
	`
	var saved Document
	err := s.db.QueryRowContext(ctx, insert, doc.ID, doc.Title, doc.Content, doc.Kind, doc.UserID).
		Scan(&saved.ID, &saved.CreatedAt, &saved.Title, &saved.Content, &saved.Kind, &saved.UserID)
	if err != nil {
		return Document{}, fmt.Errorf("insert document version: %w", err)
	}
	return saved, nil
}

func (s *PostgresStore) ListDocumentVersions(ctx context.Context, documentID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, title, content, kind, user_id
		FROM documents
		WHERE id = $1
		ORDER BY created_at ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list document versions: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.CreatedAt, &doc.Title, &doc.Content, &doc.Kind, &doc.UserID); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, sql.ErrNoRows
	}
	return items, nil
}

func (s *PostgresStore) DeleteDocumentVersionsAfter(ctx context.Context, documentID string, after time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1 AND created_at > $2`, documentID, after)
	if err != nil {
		return fmt.Errorf("delete document versions: %w", err)
	}
	return nil
}

// IsNotFound reports whether err is the no-rows sentinel, possibly wrapped.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
