package auth

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphabot-ai/keypost/internal/store/memory"
)

func TestIssueAndConsume(t *testing.T) {
	svc := NewChallengeService(memory.NewChallengeStore(), 0, nil)
	ctx := context.Background()

	c, err := svc.Issue(ctx, "sid")
	require.NoError(t, err)
	raw, err := base64.RawURLEncoding.DecodeString(c.Token)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
	assert.Equal(t, DefaultChallengeTTL, c.ExpiresAt.Sub(c.IssuedAt))

	token, err := svc.Consume(ctx, "sid")
	require.NoError(t, err)
	assert.Equal(t, c.Token, token)

	_, err = svc.Consume(ctx, "sid")
	assert.ErrorIs(t, err, ErrMissingChallenge)
}

func TestIssueOverwritesPrevious(t *testing.T) {
	svc := NewChallengeService(memory.NewChallengeStore(), time.Minute, nil)
	ctx := context.Background()

	first, err := svc.Issue(ctx, "sid")
	require.NoError(t, err)
	second, err := svc.Issue(ctx, "sid")
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, second.Token)

	token, err := svc.Consume(ctx, "sid")
	require.NoError(t, err)
	assert.Equal(t, second.Token, token)
}

func TestExpiredChallengeIsMissing(t *testing.T) {
	st := memory.NewChallengeStore()
	svc := NewChallengeService(st, time.Minute, nil)
	ctx := context.Background()

	issuedAt := time.Now()
	svc.now = func() time.Time { return issuedAt }
	_, err := svc.Issue(ctx, "sid")
	require.NoError(t, err)

	svc.now = func() time.Time { return issuedAt.Add(2 * time.Minute) }
	_, err = svc.Consume(ctx, "sid")
	assert.ErrorIs(t, err, ErrMissingChallenge)
	assert.Equal(t, 0, st.Len(), "expired challenge is still removed")
}

func TestSessionRequired(t *testing.T) {
	svc := NewChallengeService(memory.NewChallengeStore(), time.Minute, nil)
	_, err := svc.Issue(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingSession)
	_, err = svc.Consume(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingChallenge)
}
