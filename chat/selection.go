package chat

import (
	"context"
	"sync"

	"github.com/chatkeep/server/session"
)

// selections tracks the open chat per user, persisting through store when set.
type selections struct {
	store session.SelectionStore

	mu  sync.Mutex
	ids map[string]string
}

func (s *selections) load(ctx context.Context, userID string) (string, error) {
	s.mu.Lock()
	id, ok := s.ids[userID]
	s.mu.Unlock()
	if ok || s.store == nil {
		return id, nil
	}

	id, err := s.store.LoadSelection(ctx, userID)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.ids[userID] = id
	s.mu.Unlock()
	return id, nil
}

func (s *selections) save(ctx context.Context, userID, chatID string) error {
	if s.store != nil {
		if err := s.store.SaveSelection(ctx, userID, chatID); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.ids[userID] = chatID
	s.mu.Unlock()
	return nil
}
