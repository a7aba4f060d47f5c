// Package memory keeps login challenges in process memory. It suits tests
// and single-instance deployments; challenges do not survive a restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alphabot-ai/keypost/internal/model"
	"github.com/alphabot-ai/keypost/internal/store"
)

type ChallengeStore struct {
	mu      sync.Mutex
	entries map[string]model.Challenge
}

func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{entries: make(map[string]model.Challenge)}
}

func (s *ChallengeStore) CreateChallenge(_ context.Context, c model.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[c.SessionID] = c
	return nil
}

func (s *ChallengeStore) ConsumeChallenge(_ context.Context, sessionID string) (model.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.entries[sessionID]
	if !ok {
		return model.Challenge{}, store.ErrNotFound
	}
	delete(s.entries, sessionID)
	return c, nil
}

func (s *ChallengeStore) PurgeExpiredChallenges(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for sid, c := range s.entries {
		if c.Expired(now) {
			delete(s.entries, sid)
			n++
		}
	}
	return n, nil
}

func (s *ChallengeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
