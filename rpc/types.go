// Package rpc defines JSON-RPC 2.0 wire format types for WebSocket communication.
// These types represent the params and result structures for all RPC methods.
package rpc

import "github.com/chatkeep/server/session"

// Client → Server

type AuthParams struct {
	Token string `json:"token"`
	// APIKey optionally replaces the server's completion key for this connection.
	APIKey string `json:"api_key,omitempty"`
}

type AuthResult struct {
	UserID   string `json:"user_id"`
	Provider string `json:"provider"`
	Echo     bool   `json:"echo"`
}

type CredentialParams struct {
	APIKey string `json:"api_key"`
}

type ChatCreateParams struct {
	Title string `json:"title,omitempty"`
}

// ChatParams is the params for get, select, delete, attach and interrupt.
type ChatParams struct {
	ChatID string `json:"chat_id"`
}

type ChatRenameParams struct {
	ChatID string `json:"chat_id"`
	Title  string `json:"title"`
}

type MessageParams struct {
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
}

type ChatListResult struct {
	Chats []session.Summary `json:"chats"`
}

type ChatCurrentResult struct {
	Chat *session.Session `json:"chat"`
}

type AttachResult struct {
	TurnRunning bool            `json:"turn_running"`
	Chat        session.Session `json:"chat"`
}

type ChatListSubscribeResult struct {
	ID    string            `json:"id"`
	Chats []session.Summary `json:"chats"`
}

type ChatListUnsubscribeParams struct {
	ID string `json:"id"`
}

// Server → Client

type TextParams struct {
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
}

type DoneParams struct {
	ChatID  string          `json:"chat_id"`
	Message session.Message `json:"message"`
	Saved   bool            `json:"saved"`
}

type ErrorParams struct {
	ChatID string `json:"chat_id"`
	Error  string `json:"error"`
}

// ChatListChangedParams carries Chat for create and update, ChatID for delete,
// and neither for reload.
type ChatListChangedParams struct {
	ID        string           `json:"id"`
	Operation string           `json:"operation"`
	Chat      *session.Summary `json:"chat,omitempty"`
	ChatID    string           `json:"chat_id,omitempty"`
}

type InterruptResult struct {
	Interrupted bool `json:"interrupted"`
}
