package pg

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

// Queries wraps all SQL operations against the chat schema.
type Queries struct {
	db *sql.DB
}

func New(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// --- users ---

func (q *Queries) CreateUser(ctx context.Context, email, passwordHash string) (User, error) {
	var u User
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO users (email, password_hash)
		VALUES ($1, $2)
		RETURNING id, email, password_hash, created_at`,
		email, passwordHash,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	return u, err
}

func (q *Queries) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := q.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at
		FROM users WHERE email = $1`,
		email,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	return u, err
}

// --- settings ---

func (q *Queries) GetSettings(ctx context.Context, userID int64) (Settings, error) {
	var s Settings
	err := q.db.QueryRowContext(ctx, `
		SELECT id, user_id, settings_json, created_at, updated_at
		FROM settings WHERE user_id = $1`,
		userID,
	).Scan(&s.ID, &s.UserID, &s.SettingsJSON, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

func (q *Queries) UpsertSettings(ctx context.Context, userID int64, settingsJSON string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO settings (user_id, settings_json)
		VALUES ($1, $2)
		ON CONFLICT (user_id)
		DO UPDATE SET settings_json = EXCLUDED.settings_json, updated_at = now()`,
		userID, settingsJSON,
	)
	return err
}

// --- chats ---

type CreateChatParams struct {
	UserID int64
	Name   string
	Model  string
}

func (q *Queries) CreateChat(ctx context.Context, arg CreateChatParams) (Chat, error) {
	name := arg.Name
	if name == "" {
		name = "New Chat"
	}
	var c Chat
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO chats (id, user_id, name, model)
		VALUES ($1, $2, $3, $4)
		RETURNING id, user_id, name, model, created_at, updated_at`,
		uuid.New().String(), arg.UserID, name, arg.Model,
	).Scan(&c.ID, &c.UserID, &c.Name, &c.Model, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (q *Queries) ListChats(ctx context.Context, userID int64) ([]Chat, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, user_id, name, model, created_at, updated_at
		FROM chats WHERE user_id = $1
		ORDER BY updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.Model, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

func (q *Queries) GetChat(ctx context.Context, chatID string) (Chat, error) {
	var c Chat
	err := q.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, model, created_at, updated_at
		FROM chats WHERE id = $1`,
		chatID,
	).Scan(&c.ID, &c.UserID, &c.Name, &c.Model, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (q *Queries) RenameChat(ctx context.Context, chatID, name string) (Chat, error) {
	var c Chat
	err := q.db.QueryRowContext(ctx, `
		UPDATE chats SET name = $2, updated_at = now()
		WHERE id = $1
		RETURNING id, user_id, name, model, created_at, updated_at`,
		chatID, name,
	).Scan(&c.ID, &c.UserID, &c.Name, &c.Model, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (q *Queries) SetChatModel(ctx context.Context, chatID, model string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE chats SET model = $2, updated_at = now()
		WHERE id = $1`,
		chatID, model,
	)
	return err
}

func (q *Queries) DeleteChat(ctx context.Context, chatID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM chats WHERE id = $1`, chatID)
	return err
}

// --- messages ---

type InsertMessageParams struct {
	ID          string
	ChatID      string
	UserID      int64
	Role        string
	Content     string
	Model       string
	Provider    string
	Annotations []byte
}

func (q *Queries) InsertMessage(ctx context.Context, arg InsertMessageParams) (Message, error) {
	id := arg.ID
	if id == "" {
		id = uuid.New().String()
	}
	var m Message
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, chat_id, user_id, role, content, model, provider, annotations)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)
		RETURNING id, chat_id, user_id, role, content, model, provider, annotations, created_at, updated_at`,
		id, arg.ChatID, arg.UserID, arg.Role, arg.Content, arg.Model, arg.Provider, arg.Annotations,
	).Scan(&m.ID, &m.ChatID, &m.UserID, &m.Role, &m.Content, &m.Model, &m.Provider, &m.Annotations, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

func (q *Queries) GetMessagesForChat(ctx context.Context, chatID string) ([]Message, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, chat_id, user_id, role, content, model, provider, annotations, created_at, updated_at
		FROM messages WHERE chat_id = $1
		ORDER BY created_at ASC`,
		chatID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.UserID, &m.Role, &m.Content, &m.Model, &m.Provider, &m.Annotations, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// --- attachments ---

type InsertAttachmentParams struct {
	ChatID    string
	UserID    int64
	MessageID string
	Filename  string
	Mimetype  string
	Data      []byte
}

func (q *Queries) InsertAttachments(ctx context.Context, args []InsertAttachmentParams) error {
	if len(args) == 0 {
		return nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, arg := range args {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attachments (id, chat_id, user_id, message_id, filename, mimetype, data)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.New().String(), arg.ChatID, arg.UserID, arg.MessageID, arg.Filename, arg.Mimetype, arg.Data,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (q *Queries) GetAttachmentsForMessage(ctx context.Context, messageID string) ([]Attachment, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, chat_id, user_id, message_id, filename, mimetype, data, created_at
		FROM attachments WHERE message_id = $1
		ORDER BY created_at ASC`,
		messageID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attachments []Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.ChatID, &a.UserID, &a.MessageID, &a.Filename, &a.Mimetype, &a.Data, &a.CreatedAt); err != nil {
			return nil, err
		}
		attachments = append(attachments, a)
	}
	return attachments, rows.Err()
}
