package pg

import (
	"database/sql"
	"time"
)

// User is a registered account.
type User struct {
	ID           int64
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Settings is a per-user opaque settings blob (JSON text).
type Settings struct {
	ID           int64
	UserID       int64
	SettingsJSON string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Chat is a conversation owned by one user.
type Chat struct {
	ID        string
	UserID    int64
	Name      string
	Model     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one persisted conversation turn. Model and Provider are null for
// user messages; Annotations holds provider citation metadata when present.
type Message struct {
	ID          string
	ChatID      string
	UserID      int64
	Role        string
	Content     string
	Model       sql.NullString
	Provider    sql.NullString
	Annotations []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Attachment is a file uploaded alongside a user message.
type Attachment struct {
	ID        string
	ChatID    string
	UserID    int64
	MessageID string
	Filename  string
	Mimetype  string
	Data      []byte
	CreatedAt time.Time
}
