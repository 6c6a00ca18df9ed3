package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chatkeep/server/auth"
	"github.com/chatkeep/server/session"
)

// AuthHandler handles account endpoints.
type AuthHandler struct {
	users  *auth.Users
	tokens *auth.Tokens
}

func NewAuthHandler(users *auth.Users, tokens *auth.Tokens) *AuthHandler {
	return &AuthHandler{users: users, tokens: tokens}
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	UserID      string `json:"user_id"`
}

// HandleSignup handles POST /api/signup
func (h *AuthHandler) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err := h.users.Signup(req.Username, req.Password)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrUserExists):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, session.ErrInvalidID), errors.Is(err, auth.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	default:
		slog.Error("signup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.issue(w, http.StatusCreated, strings.TrimSpace(req.Username))
}

// HandleToken handles POST /api/token
func (h *AuthHandler) HandleToken(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.users.Authenticate(req.Username, req.Password); err != nil {
		slog.Warn("login failed", "userId", req.Username)
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	h.issue(w, http.StatusOK, strings.TrimSpace(req.Username))
}

func (h *AuthHandler) issue(w http.ResponseWriter, status int, userID string) {
	token, err := h.tokens.Issue(userID)
	if err != nil {
		slog.Error("failed to issue token", "userId", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, status, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(h.tokens.TTL() / time.Second),
		UserID:      userID,
	})
}

// Register registers account handlers to the given mux.
func (h *AuthHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/signup", h.HandleSignup)
	mux.HandleFunc("POST /api/token", h.HandleToken)
}
