package auth

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chatkeep/server/session"
)

func TestUsers_SignupAuthenticate(t *testing.T) {
	users, err := NewUsers(t.TempDir())
	if err != nil {
		t.Fatalf("NewUsers: %v", err)
	}

	if err := users.Signup("alice", "wonderland"); err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if err := users.Authenticate("alice", "wonderland"); err != nil {
		t.Errorf("Authenticate: %v", err)
	}
	if err := users.Authenticate("alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: err = %v", err)
	}
	if err := users.Authenticate("bob", "wonderland"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user: err = %v", err)
	}
	if !users.Exists("alice") || users.Exists("bob") {
		t.Error("Exists mismatch")
	}
}

func TestUsers_SignupErrors(t *testing.T) {
	users, _ := NewUsers(t.TempDir())
	users.Signup("alice", "pw")

	if err := users.Signup("alice", "other"); !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate: err = %v", err)
	}
	if err := users.Signup("../etc", "pw"); !errors.Is(err, session.ErrInvalidID) {
		t.Errorf("bad name: err = %v", err)
	}
	if err := users.Signup("carol", ""); !errors.Is(err, ErrWeakPassword) {
		t.Errorf("empty password: err = %v", err)
	}
}

func TestUsers_Persistence(t *testing.T) {
	dir := t.TempDir()
	users, _ := NewUsers(dir)
	if err := users.Signup("alice", "wonderland"); err != nil {
		t.Fatalf("Signup: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "users.json"))
	if err != nil {
		t.Fatalf("read users.json: %v", err)
	}
	if strings.Contains(string(data), "wonderland") {
		t.Error("users.json contains the plain password")
	}

	reloaded, err := NewUsers(dir)
	if err != nil {
		t.Fatalf("NewUsers: %v", err)
	}
	if err := reloaded.Authenticate("alice", "wonderland"); err != nil {
		t.Errorf("Authenticate after reload: %v", err)
	}
}

func TestNewUsers_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "users.json"), []byte("{broken"), 0600)
	if _, err := NewUsers(dir); err == nil {
		t.Error("expected error for corrupt users file")
	}
}
