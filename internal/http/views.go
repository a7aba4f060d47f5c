package httpapp

import (
	"time"

	"github.com/alphabot-ai/keypost/internal/keys"
	"github.com/alphabot-ai/keypost/internal/model"
)

type identityView struct {
	Fingerprint      string     `json:"fingerprint"`
	ShortFingerprint string     `json:"short_fingerprint"`
	PublicKey        string     `json:"public_key,omitempty"`
	SSHKey           string     `json:"ssh_key,omitempty"`
	SSHFingerprint   string     `json:"ssh_fingerprint,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	LastLoginAt      *time.Time `json:"last_login_at,omitempty"`
}

// newIdentityView renders an identity. Profiles include the key itself in
// PEM and OpenSSH form; login responses only need the fingerprint.
func newIdentityView(i model.Identity, withKey bool) identityView {
	v := identityView{
		Fingerprint:      i.Fingerprint,
		ShortFingerprint: i.ShortFingerprint(),
		CreatedAt:        i.CreatedAt.UTC(),
		LastLoginAt:      utcPtr(i.LastLoginAt),
	}
	if withKey {
		v.PublicKey = i.PublicKey
		v.SSHKey, _ = keys.SSHAuthorizedKey(i.PublicKey)
		v.SSHFingerprint, _ = keys.SSHFingerprint(i.PublicKey)
	}
	return v
}

type postView struct {
	ID                int64      `json:"id"`
	Title             string     `json:"title"`
	Slug              string     `json:"slug"`
	Body              string     `json:"body"`
	Excerpt           string     `json:"excerpt,omitempty"`
	Author            string     `json:"author"`
	AuthorFingerprint string     `json:"author_fingerprint,omitempty"`
	Published         bool       `json:"published"`
	PublishedAt       *time.Time `json:"published_at,omitempty"`
	Signature         string     `json:"signature,omitempty"`
	SignedAt          string     `json:"timestamp,omitempty"`
	SignatureValid    bool       `json:"signature_valid"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func newPostView(p model.Post) postView {
	return postView{
		ID:                p.ID,
		Title:             p.Title,
		Slug:              p.Slug,
		Body:              p.Body,
		Excerpt:           p.Excerpt,
		Author:            p.AuthorName,
		AuthorFingerprint: p.AuthorFingerprint,
		Published:         p.Published,
		PublishedAt:       utcPtr(p.PublishedAt),
		Signature:         p.Signature,
		SignedAt:          p.SignedAt,
		SignatureValid:    p.SignatureValid,
		CreatedAt:         p.CreatedAt.UTC(),
		UpdatedAt:         p.UpdatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
