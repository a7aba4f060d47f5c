package model

import (
	"time"

	"github.com/alphabot-ai/keypost/internal/keys"
)

// Identity is a user, known only by the public key they registered with.
type Identity struct {
	Fingerprint string
	PublicKey   string
	CreatedAt   time.Time
	LastLoginAt *time.Time
	Active      bool
}

func (i Identity) ShortFingerprint() string {
	return keys.ShortFingerprint(i.Fingerprint)
}

// LastSeen falls back to CreatedAt for identities that never logged in again.
func (i Identity) LastSeen() time.Time {
	if i.LastLoginAt != nil {
		return *i.LastLoginAt
	}
	return i.CreatedAt
}

func (i Identity) IsInactive(window time.Duration, now time.Time) bool {
	return i.LastSeen().Before(now.Add(-window))
}

type Post struct {
	ID                int64
	Title             string
	Slug              string
	Body              string
	Excerpt           string
	AuthorName        string
	AuthorFingerprint string
	Published         bool
	PublishedAt       *time.Time
	Signature         string
	SignedAt          string
	SignatureValid    bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (p Post) Signed() bool {
	return p.Signature != ""
}

type Challenge struct {
	SessionID string
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func (c Challenge) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

type SiteStats struct {
	Identities  int
	Posts       int
	SignedPosts int
	ValidPosts  int
}
