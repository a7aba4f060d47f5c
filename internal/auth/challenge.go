package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/alphabot-ai/keypost/internal/metrics"
	"github.com/alphabot-ai/keypost/internal/model"
	"github.com/alphabot-ai/keypost/internal/store"
)

const (
	DefaultChallengeTTL = 5 * time.Minute
	challengeBytes      = 32
)

var ErrMissingSession = errors.New("missing session")

// ChallengeService issues one outstanding challenge per session and hands
// it out exactly once.
type ChallengeService struct {
	store   store.ChallengeStore
	ttl     time.Duration
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewChallengeService(st store.ChallengeStore, ttl time.Duration, m *metrics.Metrics) *ChallengeService {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &ChallengeService{store: st, ttl: ttl, metrics: m, now: time.Now}
}

func (s *ChallengeService) Issue(ctx context.Context, sessionID string) (model.Challenge, error) {
	if sessionID == "" {
		return model.Challenge{}, ErrMissingSession
	}
	token, err := randomToken(challengeBytes)
	if err != nil {
		return model.Challenge{}, err
	}
	now := s.now()
	c := model.Challenge{
		SessionID: sessionID,
		Token:     token,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.store.CreateChallenge(ctx, c); err != nil {
		return model.Challenge{}, err
	}
	s.metrics.ChallengeIssued()
	return c, nil
}

// Consume removes the session's challenge and returns its token. An absent
// or expired challenge yields ErrMissingChallenge; in both cases nothing is
// left behind to replay.
func (s *ChallengeService) Consume(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", ErrMissingChallenge
	}
	c, err := s.store.ConsumeChallenge(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrMissingChallenge
		}
		return "", err
	}
	if c.Expired(s.now()) {
		return "", ErrMissingChallenge
	}
	return c.Token, nil
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
