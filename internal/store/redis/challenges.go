// Package redis stores login challenges in Redis so several server
// instances can share them. Entries expire on their own.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alphabot-ai/keypost/internal/model"
	"github.com/alphabot-ai/keypost/internal/store"
)

const defaultPrefix = "keypost:challenge:"

// Interface is the subset of the go-redis client the store needs.
type Interface interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	GetDel(ctx context.Context, key string) *redis.StringCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

type ChallengeStore struct {
	client Interface
	prefix string
}

func NewChallengeStore(client Interface, prefix string) *ChallengeStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &ChallengeStore{client: client, prefix: prefix}
}

// Dial parses a redis:// URL and checks the server answers.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

type record struct {
	Token     string `json:"token"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
}

func (s *ChallengeStore) key(sessionID string) string {
	return s.prefix + sessionID
}

func (s *ChallengeStore) CreateChallenge(ctx context.Context, c model.Challenge) error {
	payload, err := json.Marshal(record{
		Token:     c.Token,
		IssuedAt:  c.IssuedAt.Unix(),
		ExpiresAt: c.ExpiresAt.Unix(),
	})
	if err != nil {
		return err
	}
	ttl := time.Until(c.ExpiresAt)
	if ttl < time.Second {
		ttl = time.Second
	}
	return s.client.Set(ctx, s.key(c.SessionID), payload, ttl).Err()
}

// ConsumeChallenge relies on GETDEL so two concurrent consumers can never
// both receive the token.
func (s *ChallengeStore) ConsumeChallenge(ctx context.Context, sessionID string) (model.Challenge, error) {
	raw, err := s.client.GetDel(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.Challenge{}, store.ErrNotFound
		}
		return model.Challenge{}, err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.Challenge{}, fmt.Errorf("decode challenge: %w", err)
	}
	return model.Challenge{
		SessionID: sessionID,
		Token:     rec.Token,
		IssuedAt:  time.Unix(rec.IssuedAt, 0),
		ExpiresAt: time.Unix(rec.ExpiresAt, 0),
	}, nil
}

func (s *ChallengeStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
