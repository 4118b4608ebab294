package store

import (
	"encoding/json"
	"time"
)

// UserType discriminates auto-created guest identities from credentialed
// accounts. Guests carry a timestamp-pattern email and no usable password.
const (
	UserTypeGuest   = "guest"
	UserTypeRegular = "regular"
)

type User struct {
	ID           string
	Email        string
	PasswordHash string
	UserType     string
	CreatedAt    time.Time
}

type Chat struct {
	ID         string
	UserID     string
	Title      string
	Visibility string // "private" or "public"
	CreatedAt  time.Time
}

type Message struct {
	ID          string
	ChatID      string
	Role        string // "user" or "assistant"
	Parts       json.RawMessage
	Attachments json.RawMessage
	CreatedAt   time.Time
}

type Vote struct {
	ChatID    string
	MessageID string
	IsUpvoted bool
}

// Document is one version of an artifact. Versions share an ID and are
// distinguished by CreatedAt (composite key).
type Document struct {
	ID        string
	CreatedAt time.Time
	Title     string
	Content   string
	Kind      string // "text", "code", "image", "sheet"
	UserID    string
}
