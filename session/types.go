package session

import (
	"errors"
	"fmt"
	"time"
)

// DefaultTitle is the title given to chats created without one.
const DefaultTitle = "New Chat"

var (
	ErrNotFound  = errors.New("chat not found")
	ErrInvalidID = errors.New("invalid id")
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// IsValid returns true if the role is a known role.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// Message is a single entry in a chat. Content is never edited after creation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Session is one conversation thread owned by one user.
// Messages are kept in insertion order, which is also display order.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	Messages  []Message `json:"messages"`
}

// Summary is the list view of a session; it carries no message bodies.
type Summary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary returns the list view of s.
func (s Session) Summary() Summary {
	return Summary{ID: s.ID, Title: s.Title, CreatedAt: s.CreatedAt}
}

// Append returns a copy of s with msg added at the end.
func (s Session) Append(msg Message) Session {
	msgs := make([]Message, len(s.Messages), len(s.Messages)+1)
	copy(msgs, s.Messages)
	s.Messages = append(msgs, msg)
	return s
}

// StorageError reports an I/O or serialization failure in a Store.
type StorageError struct {
	Op     string
	UserID string
	ChatID string
	Err    error
}

func (e *StorageError) Error() string {
	if e.ChatID == "" {
		return fmt.Sprintf("session store: %s user=%s: %v", e.Op, e.UserID, e.Err)
	}
	return fmt.Sprintf("session store: %s user=%s chat=%s: %v", e.Op, e.UserID, e.ChatID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Operation represents the type of change to a user's chat list.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// ChangeEvent represents a change to a user's chat list.
// For create/update: Chat is fully populated.
// For delete: only Chat.ID is valid.
type ChangeEvent struct {
	Op     Operation
	UserID string
	Chat   Summary
}

// OnChangeListener receives notifications when a chat list changes.
type OnChangeListener interface {
	OnChatChange(event ChangeEvent)
}
