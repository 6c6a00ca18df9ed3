package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteFile = "chats.db"

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS chats (
		user_id TEXT NOT NULL,
		id TEXT NOT NULL,
		title TEXT NOT NULL,
		created_at_ns INTEGER NOT NULL,
		PRIMARY KEY (user_id, id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_chats_user_created ON chats(user_id, created_at_ns);`,
	`CREATE TABLE IF NOT EXISTS messages (
		user_id TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		PRIMARY KEY (user_id, chat_id, seq)
	);`,
	`CREATE TABLE IF NOT EXISTS selections (
		user_id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL
	);`,
}

// SQLiteStore is a Store backed by a single embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB

	mu       sync.RWMutex
	listener OnChangeListener
}

var (
	_ Store          = (*SQLiteStore)(nil)
	_ SelectionStore = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (or creates) dataDir/chats.db.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, sqliteFile))
	if err != nil {
		return nil, err
	}
	// One connection serialises writers; SQLite allows only one anyway.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite pragma: %w", err)
		}
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite schema: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SetOnChangeListener(listener OnChangeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = listener
}

func (s *SQLiteStore) notifyChange(event ChangeEvent) {
	s.mu.RLock()
	listener := s.listener
	s.mu.RUnlock()
	if listener != nil {
		listener.OnChatChange(event)
	}
}

func (s *SQLiteStore) Create(ctx context.Context, userID, title string) (Summary, error) {
	if !ValidID(userID) {
		return Summary{}, fmt.Errorf("%w: user %q", ErrInvalidID, userID)
	}

	summary := Summary{Title: normalizeTitle(title), CreatedAt: now()}
	var lastErr error
	for range createTries {
		summary.ID = uuid.NewString()
		_, lastErr = s.db.ExecContext(ctx,
			`INSERT INTO chats (user_id, id, title, created_at_ns) VALUES (?, ?, ?, ?)`,
			userID, summary.ID, summary.Title, summary.CreatedAt.UnixNano())
		if lastErr == nil {
			s.notifyChange(ChangeEvent{Op: OperationCreate, UserID: userID, Chat: summary})
			return summary, nil
		}
		if ctx.Err() != nil {
			return Summary{}, ctx.Err()
		}
	}
	return Summary{}, &StorageError{Op: "create", UserID: userID, Err: lastErr}
}

func (s *SQLiteStore) Get(ctx context.Context, userID, chatID string) (Session, bool, error) {
	if !ValidID(userID) {
		return Session{}, false, fmt.Errorf("%w: user %q", ErrInvalidID, userID)
	}
	if !ValidID(chatID) {
		return Session{}, false, nil
	}

	sess := Session{ID: chatID, UserID: userID}
	var createdNs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT title, created_at_ns FROM chats WHERE user_id = ? AND id = ?`,
		userID, chatID).Scan(&sess.Title, &createdNs)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, &StorageError{Op: "get", UserID: userID, ChatID: chatID, Err: err}
	}
	sess.Title = normalizeTitle(sess.Title)
	sess.CreatedAt = time.Unix(0, createdNs).UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM messages WHERE user_id = ? AND chat_id = ? ORDER BY seq`,
		userID, chatID)
	if err != nil {
		return Session{}, false, &StorageError{Op: "get", UserID: userID, ChatID: chatID, Err: err}
	}
	defer rows.Close()

	sess.Messages = []Message{}
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.Role, &msg.Content); err != nil {
			return Session{}, false, &StorageError{Op: "get", UserID: userID, ChatID: chatID, Err: err}
		}
		sess.Messages = append(sess.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return Session{}, false, &StorageError{Op: "get", UserID: userID, ChatID: chatID, Err: err}
	}
	return sess, true, nil
}

func (s *SQLiteStore) Save(ctx context.Context, userID, chatID string, sess Session) error {
	if !ValidID(userID) {
		return fmt.Errorf("%w: user %q", ErrInvalidID, userID)
	}
	if !ValidID(chatID) {
		return ErrNotFound
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "save", UserID: userID, ChatID: chatID, Err: err}
	}
	defer tx.Rollback()

	title := normalizeTitle(sess.Title)
	res, err := tx.ExecContext(ctx,
		`UPDATE chats SET title = ? WHERE user_id = ? AND id = ?`, title, userID, chatID)
	if err != nil {
		return &StorageError{Op: "save", UserID: userID, ChatID: chatID, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE user_id = ? AND chat_id = ?`, userID, chatID); err != nil {
		return &StorageError{Op: "save", UserID: userID, ChatID: chatID, Err: err}
	}
	for i, msg := range sess.Messages {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (user_id, chat_id, seq, role, content) VALUES (?, ?, ?, ?, ?)`,
			userID, chatID, i, string(msg.Role), msg.Content); err != nil {
			return &StorageError{Op: "save", UserID: userID, ChatID: chatID, Err: err}
		}
	}

	var createdNs int64
	if err := tx.QueryRowContext(ctx,
		`SELECT created_at_ns FROM chats WHERE user_id = ? AND id = ?`, userID, chatID).Scan(&createdNs); err != nil {
		return &StorageError{Op: "save", UserID: userID, ChatID: chatID, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "save", UserID: userID, ChatID: chatID, Err: err}
	}

	s.notifyChange(ChangeEvent{Op: OperationUpdate, UserID: userID, Chat: Summary{
		ID:        chatID,
		Title:     title,
		CreatedAt: time.Unix(0, createdNs).UTC(),
	}})
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, userID string) ([]Summary, error) {
	if !ValidID(userID) {
		return nil, fmt.Errorf("%w: user %q", ErrInvalidID, userID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at_ns FROM chats WHERE user_id = ?`, userID)
	if err != nil {
		return nil, &StorageError{Op: "list", UserID: userID, Err: err}
	}
	defer rows.Close()

	result := []Summary{}
	for rows.Next() {
		var sum Summary
		var createdNs int64
		if err := rows.Scan(&sum.ID, &sum.Title, &createdNs); err != nil {
			return nil, &StorageError{Op: "list", UserID: userID, Err: err}
		}
		sum.Title = normalizeTitle(sum.Title)
		sum.CreatedAt = time.Unix(0, createdNs).UTC()
		result = append(result, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list", UserID: userID, Err: err}
	}

	sortSummaries(result)
	return result, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, userID, chatID string) error {
	if !ValidID(userID) {
		return fmt.Errorf("%w: user %q", ErrInvalidID, userID)
	}
	if !ValidID(chatID) {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "delete", UserID: userID, ChatID: chatID, Err: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE user_id = ? AND id = ?`, userID, chatID)
	if err != nil {
		return &StorageError{Op: "delete", UserID: userID, ChatID: chatID, Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE user_id = ? AND chat_id = ?`, userID, chatID); err != nil {
		return &StorageError{Op: "delete", UserID: userID, ChatID: chatID, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "delete", UserID: userID, ChatID: chatID, Err: err}
	}

	if n, _ := res.RowsAffected(); n > 0 {
		s.notifyChange(ChangeEvent{Op: OperationDelete, UserID: userID, Chat: Summary{ID: chatID}})
	}
	return nil
}

func (s *SQLiteStore) Rename(ctx context.Context, userID, chatID, title string) error {
	if !ValidID(userID) {
		return fmt.Errorf("%w: user %q", ErrInvalidID, userID)
	}
	if !ValidID(chatID) {
		return nil
	}

	title = normalizeTitle(title)
	var createdNs int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE chats SET title = ? WHERE user_id = ? AND id = ? RETURNING created_at_ns`,
		title, userID, chatID).Scan(&createdNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return &StorageError{Op: "rename", UserID: userID, ChatID: chatID, Err: err}
	}

	s.notifyChange(ChangeEvent{Op: OperationUpdate, UserID: userID, Chat: Summary{
		ID:        chatID,
		Title:     title,
		CreatedAt: time.Unix(0, createdNs).UTC(),
	}})
	return nil
}

func (s *SQLiteStore) LoadSelection(ctx context.Context, userID string) (string, error) {
	if !ValidID(userID) {
		return "", fmt.Errorf("%w: user %q", ErrInvalidID, userID)
	}

	var chatID string
	err := s.db.QueryRowContext(ctx, `SELECT chat_id FROM selections WHERE user_id = ?`, userID).Scan(&chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", &StorageError{Op: "load selection", UserID: userID, Err: err}
	}
	return chatID, nil
}

func (s *SQLiteStore) SaveSelection(ctx context.Context, userID, chatID string) error {
	if !ValidID(userID) {
		return fmt.Errorf("%w: user %q", ErrInvalidID, userID)
	}

	var err error
	if chatID == "" {
		_, err = s.db.ExecContext(ctx, `DELETE FROM selections WHERE user_id = ?`, userID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO selections (user_id, chat_id) VALUES (?, ?)
			 ON CONFLICT(user_id) DO UPDATE SET chat_id = excluded.chat_id`, userID, chatID)
	}
	if err != nil {
		return &StorageError{Op: "save selection", UserID: userID, Err: err}
	}
	return nil
}
