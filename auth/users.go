// Package auth holds user accounts and the access tokens issued to them.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/chatkeep/server/session"
)

const usersFile = "users.json"

var (
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrWeakPassword       = errors.New("password must not be empty")
)

type userRecord struct {
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// Users stores accounts in <dataDir>/users.json with bcrypt password hashes.
type Users struct {
	path string

	mu    sync.Mutex
	users map[string]userRecord
}

func NewUsers(dataDir string) (*Users, error) {
	u := &Users{
		path:  filepath.Join(dataDir, usersFile),
		users: make(map[string]userRecord),
	}

	data, err := os.ReadFile(u.path)
	if os.IsNotExist(err) {
		return u, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read users: %w", err)
	}
	if err := json.Unmarshal(data, &u.users); err != nil {
		return nil, fmt.Errorf("parse users: %w", err)
	}
	return u, nil
}

// Signup creates an account. User names follow the chat store's id rules.
func (u *Users) Signup(username, password string) error {
	username = strings.TrimSpace(username)
	if !session.ValidID(username) {
		return fmt.Errorf("%w: user %q", session.ErrInvalidID, username)
	}
	if password == "" {
		return ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if _, exists := u.users[username]; exists {
		return ErrUserExists
	}
	u.users[username] = userRecord{PasswordHash: string(hash), CreatedAt: time.Now().UTC()}
	if err := u.persist(); err != nil {
		delete(u.users, username)
		return err
	}

	slog.Info("user signed up", "userId", username)
	return nil
}

// Authenticate checks a password. Unknown users and wrong passwords give the
// same error.
func (u *Users) Authenticate(username, password string) error {
	u.mu.Lock()
	rec, ok := u.users[strings.TrimSpace(username)]
	u.mu.Unlock()
	if !ok {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

func (u *Users) Exists(username string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.users[username]
	return ok
}

// persist writes all users. Caller must hold mu.
func (u *Users) persist() error {
	data, err := json.MarshalIndent(u.users, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal users: %w", err)
	}
	tmp := u.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write users: %w", err)
	}
	if err := os.Rename(tmp, u.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write users: %w", err)
	}
	return nil
}
