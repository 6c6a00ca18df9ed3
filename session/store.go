package session

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"time"
)

// Store persists chat sessions keyed by (userID, chatID).
// Implementations are NOT safe for multiple instances sharing the same backing
// storage; with a single instance, the last write to a record wins.
type Store interface {
	Create(ctx context.Context, userID, title string) (Summary, error)
	// Get returns found=false with a nil error when the chat does not exist.
	Get(ctx context.Context, userID, chatID string) (Session, bool, error)
	// Save replaces the whole record. ID, UserID and CreatedAt are kept from the stored record.
	Save(ctx context.Context, userID, chatID string, sess Session) error
	// List returns chats newest first without loading message bodies.
	List(ctx context.Context, userID string) ([]Summary, error)
	Delete(ctx context.Context, userID, chatID string) error
	Rename(ctx context.Context, userID, chatID, title string) error

	SetOnChangeListener(listener OnChangeListener)
}

// SelectionStore persists which chat a user last had open.
type SelectionStore interface {
	LoadSelection(ctx context.Context, userID string) (string, error)
	// SaveSelection with an empty chatID clears the selection.
	SaveSelection(ctx context.Context, userID, chatID string) error
}

// idPattern limits user and chat ids to names that are safe as a single path component.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@-]{0,127}$`)

// ValidID reports whether id can be used as a user or chat id.
func ValidID(id string) bool {
	return idPattern.MatchString(id) && id != metaName
}

func sortSummaries(list []Summary) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}

func normalizeTitle(title string) string {
	if title == "" {
		return DefaultTitle
	}
	return title
}

// decodeSession parses a stored record, substituting defaults for missing keys.
func decodeSession(data []byte, userID, chatID string) (Session, error) {
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, err
	}
	if sess.ID == "" {
		sess.ID = chatID
	}
	if sess.UserID == "" {
		sess.UserID = userID
	}
	sess.Title = normalizeTitle(sess.Title)
	if sess.Messages == nil {
		sess.Messages = []Message{}
	}
	return sess, nil
}

func now() time.Time {
	return time.Now().UTC()
}
