package store

import (
	"context"
	"errors"
	"time"

	"github.com/alphabot-ai/keypost/internal/model"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateIdentity = errors.New("duplicate identity")
	ErrDuplicateSlug     = errors.New("duplicate slug")
)

type PostListOpts struct {
	Limit             int
	Cursor            int64
	AuthorFingerprint string
	IncludeDrafts     bool
}

type Store interface {
	IdentityStore
	PostStore
	ChallengeStore
	SessionStore
	GetSiteStats(ctx context.Context) (model.SiteStats, error)
	Close() error
}

type IdentityStore interface {
	// CreateIdentity returns ErrDuplicateIdentity when the fingerprint or
	// public key is already registered.
	CreateIdentity(ctx context.Context, identity *model.Identity) error
	GetIdentity(ctx context.Context, fingerprint string) (model.Identity, error)
	TouchIdentity(ctx context.Context, fingerprint string, at time.Time) error
	ListInactiveIdentities(ctx context.Context, cutoff time.Time) ([]model.Identity, error)
	// DeleteInactiveIdentities removes the identities ListInactiveIdentities
	// would return and reports exactly the rows it deleted.
	DeleteInactiveIdentities(ctx context.Context, cutoff time.Time) ([]model.Identity, error)
}

type PostStore interface {
	CreatePost(ctx context.Context, post *model.Post) (int64, error)
	GetPostBySlug(ctx context.Context, slug string) (model.Post, error)
	ListPosts(ctx context.Context, opts PostListOpts) ([]model.Post, error)
	SlugExists(ctx context.Context, slug string) (bool, error)
	SetSignatureValid(ctx context.Context, postID int64, valid bool) error
}

// ChallengeStore holds at most one outstanding challenge per session.
type ChallengeStore interface {
	// CreateChallenge replaces any unconsumed challenge for the session.
	CreateChallenge(ctx context.Context, c model.Challenge) error
	// ConsumeChallenge atomically returns and removes the session's
	// challenge, or ErrNotFound. Expired challenges are still returned so
	// the caller decides; they are removed either way.
	ConsumeChallenge(ctx context.Context, sessionID string) (model.Challenge, error)
}

// ChallengePurger is implemented by challenge stores that do not expire
// entries on their own.
type ChallengePurger interface {
	PurgeExpiredChallenges(ctx context.Context, now time.Time) (int64, error)
}

// SessionStore records session tokens that were ended before they expired.
type SessionStore interface {
	// RevokeSession is idempotent.
	RevokeSession(ctx context.Context, id string, expiresAt time.Time) error
	SessionRevoked(ctx context.Context, id string) (bool, error)
	// PurgeRevokedSessions drops records whose token has expired anyway.
	PurgeRevokedSessions(ctx context.Context, now time.Time) (int64, error)
}
