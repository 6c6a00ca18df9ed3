package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	metaName    = "meta"
	recordExt   = ".json"
	chatsDir    = "chats"
	stateDir    = "state"
	createTries = 3
)

// metaEntry is one row of a user's meta.json. Older files store the title as a
// bare string, which is still accepted.
type metaEntry struct {
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

func (m *metaEntry) UnmarshalJSON(data []byte) error {
	var title string
	if err := json.Unmarshal(data, &title); err == nil {
		m.Title = title
		return nil
	}
	type plain metaEntry
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*m = metaEntry(p)
	return nil
}

type selectionData struct {
	SelectedChatID string `json:"selected_chat_id"`
}

// FileStore keeps one JSON file per chat under a per-user directory, plus a
// meta.json per user so chats can be listed without reading message bodies.
//
// FileStore is NOT safe for multiple instances sharing the same dataDir.
type FileStore struct {
	dataDir  string
	mu       sync.RWMutex
	listener OnChangeListener
}

var (
	_ Store          = (*FileStore)(nil)
	_ SelectionStore = (*FileStore)(nil)
)

func NewFileStore(dataDir string) (*FileStore, error) {
	for _, dir := range []string{chatsDir, stateDir} {
		if err := os.MkdirAll(filepath.Join(dataDir, dir), 0755); err != nil {
			return nil, err
		}
	}
	return &FileStore{dataDir: dataDir}, nil
}

// UserDir returns the directory holding userID's chats.
func (s *FileStore) UserDir(userID string) string {
	return filepath.Join(s.dataDir, chatsDir, userID)
}

// ChatsDir returns the directory holding every user's chat directory.
func (s *FileStore) ChatsDir() string {
	return filepath.Join(s.dataDir, chatsDir)
}

func (s *FileStore) recordPath(userID, chatID string) string {
	return filepath.Join(s.UserDir(userID), chatID+recordExt)
}

func (s *FileStore) metaPath(userID string) string {
	return filepath.Join(s.UserDir(userID), metaName+recordExt)
}

func (s *FileStore) selectionPath(userID string) string {
	return filepath.Join(s.dataDir, stateDir, userID+recordExt)
}

func (s *FileStore) SetOnChangeListener(listener OnChangeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = listener
}

func (s *FileStore) notifyChange(event ChangeEvent) {
	if s.listener != nil {
		s.listener.OnChatChange(event)
	}
}

func (s *FileStore) Create(ctx context.Context, userID, title string) (Summary, error) {
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}
	if !ValidID(userID) {
		return Summary{}, fmt.Errorf("%w: user %q", ErrInvalidID, userID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.UserDir(userID), 0755); err != nil {
		return Summary{}, &StorageError{Op: "create", UserID: userID, Err: err}
	}

	chatID, err := s.freshID(userID)
	if err != nil {
		return Summary{}, &StorageError{Op: "create", UserID: userID, Err: err}
	}

	sess := Session{
		ID:        chatID,
		UserID:    userID,
		Title:     normalizeTitle(title),
		CreatedAt: now(),
		Messages:  []Message{},
	}
	meta, err := s.loadMeta(userID)
	if err != nil {
		return Summary{}, &StorageError{Op: "create", UserID: userID, ChatID: chatID, Err: err}
	}
	if err := s.writeRecord(sess); err != nil {
		return Summary{}, &StorageError{Op: "create", UserID: userID, ChatID: chatID, Err: err}
	}
	meta[chatID] = metaEntry{Title: sess.Title, CreatedAt: sess.CreatedAt}
	if err := s.persistMeta(userID, meta); err != nil {
		os.Remove(s.recordPath(userID, chatID))
		return Summary{}, &StorageError{Op: "create", UserID: userID, ChatID: chatID, Err: err}
	}

	summary := sess.Summary()
	s.notifyChange(ChangeEvent{Op: OperationCreate, UserID: userID, Chat: summary})
	return summary, nil
}

// freshID returns a random id with no record on disk. Caller must hold mu.
func (s *FileStore) freshID(userID string) (string, error) {
	for range createTries {
		id := uuid.NewString()
		if _, err := os.Stat(s.recordPath(userID, id)); os.IsNotExist(err) {
			return id, nil
		}
	}
	return "", errors.New("could not generate a unique chat id")
}

func (s *FileStore) Get(ctx context.Context, userID, chatID string) (Session, bool, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, false, err
	}
	if !ValidID(userID) {
		return Session{}, false, fmt.Errorf("%w: user %q", ErrInvalidID, userID)
	}
	if !ValidID(chatID) {
		return Session{}, false, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.readRecord(userID, chatID)
}

// readRecord loads one chat. Caller must hold mu.
func (s *FileStore) readRecord(userID, chatID string) (Session, bool, error) {
	data, err := os.ReadFile(s.recordPath(userID, chatID))
	if os.IsNotExist(err) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, &StorageError{Op: "get", UserID: userID, ChatID: chatID, Err: err}
	}

	sess, err := decodeSession(data, userID, chatID)
	if err != nil {
		return Session{}, false, &StorageError{Op: "get", UserID: userID, ChatID: chatID, Err: err}
	}
	return sess, true, nil
}

func (s *FileStore) Save(ctx context.Context, userID, chatID string, sess Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !ValidID(userID) {
		return fmt.Errorf("%w: user %q", ErrInvalidID, userID)
	}
	if !ValidID(chatID) {
		return ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, found, err := s.readRecord(userID, chatID)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}

	sess.ID = stored.ID
	sess.UserID = stored.UserID
	sess.CreatedAt = stored.CreatedAt
	sess.Title = normalizeTitle(sess.Title)
	if sess.Messages == nil {
		sess.Messages = []Message{}
	}

	if err := s.writeRecord(sess); err != nil {
		return &StorageError{Op: "save", UserID: userID, ChatID: chatID, Err: err}
	}
	if sess.Title != stored.Title {
		if err := s.updateMetaTitle(userID, sess); err != nil {
			return &StorageError{Op: "save", UserID: userID, ChatID: chatID, Err: err}
		}
	}

	s.notifyChange(ChangeEvent{Op: OperationUpdate, UserID: userID, Chat: sess.Summary()})
	return nil
}

func (s *FileStore) List(ctx context.Context, userID string) ([]Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ValidID(userID) {
		return nil, fmt.Errorf("%w: user %q", ErrInvalidID, userID)
	}

	// loadMeta may rewrite a missing or corrupt meta.json.
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.loadMeta(userID)
	if err != nil {
		return nil, &StorageError{Op: "list", UserID: userID, Err: err}
	}

	result := make([]Summary, 0, len(meta))
	for id, entry := range meta {
		result = append(result, Summary{ID: id, Title: normalizeTitle(entry.Title), CreatedAt: entry.CreatedAt})
	}
	sortSummaries(result)
	return result, nil
}

func (s *FileStore) Delete(ctx context.Context, userID, chatID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !ValidID(userID) {
		return fmt.Errorf("%w: user %q", ErrInvalidID, userID)
	}
	if !ValidID(chatID) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.loadMeta(userID)
	if err != nil {
		return &StorageError{Op: "delete", UserID: userID, ChatID: chatID, Err: err}
	}

	removed := true
	if err := os.Remove(s.recordPath(userID, chatID)); err != nil {
		if !os.IsNotExist(err) {
			return &StorageError{Op: "delete", UserID: userID, ChatID: chatID, Err: err}
		}
		removed = false
	}

	if _, ok := meta[chatID]; ok {
		delete(meta, chatID)
		if err := s.persistMeta(userID, meta); err != nil {
			return &StorageError{Op: "delete", UserID: userID, ChatID: chatID, Err: err}
		}
		removed = true
	}

	if removed {
		s.notifyChange(ChangeEvent{Op: OperationDelete, UserID: userID, Chat: Summary{ID: chatID}})
	}
	return nil
}

func (s *FileStore) Rename(ctx context.Context, userID, chatID, title string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !ValidID(userID) {
		return fmt.Errorf("%w: user %q", ErrInvalidID, userID)
	}
	if !ValidID(chatID) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, found, err := s.readRecord(userID, chatID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	sess.Title = normalizeTitle(title)
	if err := s.writeRecord(sess); err != nil {
		return &StorageError{Op: "rename", UserID: userID, ChatID: chatID, Err: err}
	}
	if err := s.updateMetaTitle(userID, sess); err != nil {
		return &StorageError{Op: "rename", UserID: userID, ChatID: chatID, Err: err}
	}

	s.notifyChange(ChangeEvent{Op: OperationUpdate, UserID: userID, Chat: sess.Summary()})
	return nil
}

func (s *FileStore) LoadSelection(ctx context.Context, userID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !ValidID(userID) {
		return "", fmt.Errorf("%w: user %q", ErrInvalidID, userID)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.selectionPath(userID))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", &StorageError{Op: "load selection", UserID: userID, Err: err}
	}

	var sel selectionData
	if err := json.Unmarshal(data, &sel); err != nil {
		// A broken state file only loses the selection.
		return "", nil
	}
	return sel.SelectedChatID, nil
}

func (s *FileStore) SaveSelection(ctx context.Context, userID, chatID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !ValidID(userID) {
		return fmt.Errorf("%w: user %q", ErrInvalidID, userID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.selectionPath(userID)
	if chatID == "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return &StorageError{Op: "save selection", UserID: userID, Err: err}
		}
		return nil
	}

	data, err := json.Marshal(selectionData{SelectedChatID: chatID})
	if err != nil {
		return &StorageError{Op: "save selection", UserID: userID, Err: err}
	}
	if err := writeFileAtomic(path, data); err != nil {
		return &StorageError{Op: "save selection", UserID: userID, Err: err}
	}
	return nil
}

// writeRecord writes a full chat record. Caller must hold mu.
func (s *FileStore) writeRecord(sess Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.recordPath(sess.UserID, sess.ID), data)
}

// loadMeta reads meta.json, rebuilding it from the record files when it is
// missing, unreadable, or names a different set of chats than the directory
// holds. Caller must hold mu for writing.
func (s *FileStore) loadMeta(userID string) (map[string]metaEntry, error) {
	data, err := os.ReadFile(s.metaPath(userID))
	if err == nil {
		meta := make(map[string]metaEntry)
		if jsonErr := json.Unmarshal(data, &meta); jsonErr == nil && s.metaComplete(meta) {
			ids, err := s.recordIDs(userID)
			if err != nil {
				return nil, err
			}
			if sameIDs(meta, ids) {
				return meta, nil
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	return s.rebuildMeta(userID)
}

// Resync rebuilds userID's listing from the record files. Title edits made
// to a record outside the store are only seen after a Resync.
func (s *FileStore) Resync(userID string) error {
	if !ValidID(userID) {
		return fmt.Errorf("%w: user %q", ErrInvalidID, userID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.rebuildMeta(userID); err != nil {
		return &StorageError{Op: "resync", UserID: userID, Err: err}
	}
	return nil
}

// recordIDs lists the chat ids with a record file, without reading them.
func (s *FileStore) recordIDs(userID string) (map[string]bool, error) {
	entries, err := os.ReadDir(s.UserDir(userID))
	if os.IsNotExist(err) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, err
	}

	ids := make(map[string]bool, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		if chatID := strings.TrimSuffix(name, recordExt); ValidID(chatID) {
			ids[chatID] = true
		}
	}
	return ids, nil
}

// sameIDs reports whether meta lists exactly ids. A corrupt record is never
// listed, so its presence forces a rebuild on every load until it is fixed.
func sameIDs(meta map[string]metaEntry, ids map[string]bool) bool {
	if len(meta) != len(ids) {
		return false
	}
	for id := range meta {
		if !ids[id] {
			return false
		}
	}
	return true
}

// metaComplete reports whether every entry has a creation time. Legacy entries
// without one force a rebuild from the records.
func (s *FileStore) metaComplete(meta map[string]metaEntry) bool {
	for _, entry := range meta {
		if entry.CreatedAt.IsZero() {
			return false
		}
	}
	return true
}

func (s *FileStore) rebuildMeta(userID string) (map[string]metaEntry, error) {
	ids, err := s.recordIDs(userID)
	if err != nil {
		return nil, err
	}

	meta := make(map[string]metaEntry, len(ids))
	for chatID := range ids {
		sess, found, err := s.readRecord(userID, chatID)
		if err != nil || !found {
			// Corrupt records stay on disk but are not listed.
			continue
		}
		meta[chatID] = metaEntry{Title: sess.Title, CreatedAt: sess.CreatedAt}
	}

	if _, err := os.Stat(s.UserDir(userID)); err == nil {
		if err := s.persistMeta(userID, meta); err != nil {
			return nil, err
		}
	}
	return meta, nil
}

func (s *FileStore) persistMeta(userID string, meta map[string]metaEntry) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.metaPath(userID), data)
}

func (s *FileStore) updateMetaTitle(userID string, sess Session) error {
	meta, err := s.loadMeta(userID)
	if err != nil {
		return err
	}
	meta[sess.ID] = metaEntry{Title: sess.Title, CreatedAt: sess.CreatedAt}
	return s.persistMeta(userID, meta)
}

// writeFileAtomic writes data to a temp file in the same directory and renames
// it over path, so readers see either the old or the new content.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
