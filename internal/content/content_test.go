package content

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphabot-ai/keypost/internal/keys"
	"github.com/alphabot-ai/keypost/internal/logging"
	"github.com/alphabot-ai/keypost/internal/metrics"
	"github.com/alphabot-ai/keypost/internal/model"
	"github.com/alphabot-ai/keypost/internal/store"
	"github.com/alphabot-ai/keypost/internal/store/sqlite"
)

type keyFixture struct{ priv, pub string }

var (
	fixtureOnce sync.Once
	fixtureKeys [2]keyFixture
)

func testKeys(t *testing.T) (keyFixture, keyFixture) {
	t.Helper()
	fixtureOnce.Do(func() {
		for i := range fixtureKeys {
			priv, pub, err := keys.GeneratePEM()
			if err != nil {
				panic(err)
			}
			fixtureKeys[i] = keyFixture{priv: priv, pub: pub}
		}
	})
	return fixtureKeys[0], fixtureKeys[1]
}

func setup(t *testing.T) (*Service, *sqlite.Store) {
	t.Helper()
	st, err := sqlite.Open(fmt.Sprintf("file:content_%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewService(st, st, logging.Discard(), metrics.New()), st
}

func register(t *testing.T, st *sqlite.Store, k keyFixture) string {
	t.Helper()
	fp := keys.Fingerprint(k.pub)
	require.NoError(t, st.CreateIdentity(context.Background(), &model.Identity{
		Fingerprint: fp,
		PublicKey:   k.pub,
		CreatedAt:   time.Now(),
		Active:      true,
	}))
	return fp
}

func signedInput(t *testing.T, k keyFixture, title, body, ts string) PostInput {
	t.Helper()
	sig, err := keys.Sign(k.priv, []byte(CanonicalMessage(title, body, ts)))
	require.NoError(t, err)
	return PostInput{Title: title, Body: body, Published: true, Signature: sig, Timestamp: ts}
}

func TestCanonicalMessage(t *testing.T) {
	assert.Equal(t, "T|B|2024-01-01T00:00:00Z", CanonicalMessage("T", "B", "2024-01-01T00:00:00Z"))
	// The separator is not escaped.
	assert.Equal(t, CanonicalMessage("a|b", "c", "t"), CanonicalMessage("a", "b|c", "t"))
}

func TestVerifyContentRequiresExactFields(t *testing.T) {
	k, other := testKeys(t)
	const ts = "2024-01-01T00:00:00Z"
	sig, err := keys.Sign(k.priv, []byte(CanonicalMessage("T", "B", ts)))
	require.NoError(t, err)

	post := model.Post{Title: "T", Body: "B"}
	AttachSignature(&post, sig, ts)
	assert.True(t, VerifyContent(post, k.pub))

	for _, mutate := range []func(p *model.Post){
		func(p *model.Post) { p.Title = "T2" },
		func(p *model.Post) { p.Body = "B " },
		func(p *model.Post) { p.SignedAt = "2024-01-01T00:00:01Z" },
		func(p *model.Post) { p.Signature = "" },
	} {
		changed := post
		mutate(&changed)
		assert.False(t, VerifyContent(changed, k.pub))
	}
	assert.False(t, VerifyContent(post, other.pub))
	assert.False(t, VerifyContent(post, ""))
}

func TestAttachSignatureDoesNotVerify(t *testing.T) {
	post := model.Post{Title: "T", Body: "B"}
	AttachSignature(&post, "bogus", "ts")
	assert.Equal(t, "bogus", post.Signature)
	assert.Equal(t, "ts", post.SignedAt)
	assert.False(t, post.SignatureValid)
}

func TestCreateSignedPost(t *testing.T) {
	k, _ := testKeys(t)
	svc, st := setup(t)
	fp := register(t, st, k)

	post, err := svc.Create(context.Background(), fp, signedInput(t, k, "Hello World", "First post", "2024-01-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Positive(t, post.ID)
	assert.Equal(t, "hello-world", post.Slug)
	assert.True(t, post.SignatureValid)
	assert.Equal(t, DefaultAuthorName, post.AuthorName)
	assert.Equal(t, fp, post.AuthorFingerprint)
	require.NotNil(t, post.PublishedAt)

	stored, err := st.GetPostBySlug(context.Background(), "hello-world")
	require.NoError(t, err)
	assert.True(t, stored.SignatureValid)
	assert.Equal(t, "2024-01-01T00:00:00Z", stored.SignedAt)
}

func TestCreateTrimsBeforeVerifying(t *testing.T) {
	k, _ := testKeys(t)
	svc, st := setup(t)
	fp := register(t, st, k)

	in := signedInput(t, k, "Title", "Body", "2024-01-01T00:00:00Z")
	in.Title = "  Title \n"
	in.Body = "\tBody"
	post, err := svc.Create(context.Background(), fp, in)
	require.NoError(t, err)
	assert.Equal(t, "Title", post.Title)
}

func TestCreateRejectsMissingSignature(t *testing.T) {
	k, _ := testKeys(t)
	svc, st := setup(t)
	fp := register(t, st, k)

	_, err := svc.Create(context.Background(), fp, PostInput{Title: "T", Body: "B"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "signature", verr.Field)

	posts, err := st.ListPosts(context.Background(), store.PostListOpts{IncludeDrafts: true})
	require.NoError(t, err)
	assert.Empty(t, posts)
}

func TestCreateRejectsBadSignature(t *testing.T) {
	k, other := testKeys(t)
	svc, st := setup(t)
	fp := register(t, st, k)

	cases := map[string]PostInput{
		"wrong key":       signedInput(t, other, "T", "B", "2024-01-01T00:00:00Z"),
		"tampered title":  func() PostInput { in := signedInput(t, k, "T", "B", "ts"); in.Title = "T!"; return in }(),
		"tampered time":   func() PostInput { in := signedInput(t, k, "T", "B", "ts"); in.Timestamp = "ts2"; return in }(),
		"garbage base64":  {Title: "T", Body: "B", Signature: "***", Timestamp: "ts"},
		"omitted stamp":   func() PostInput { in := signedInput(t, k, "T", "B", "2001-01-01T00:00:00Z"); in.Timestamp = ""; return in }(),
	}
	for name, in := range cases {
		_, err := svc.Create(context.Background(), fp, in)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, name)
		assert.Equal(t, "signature", verr.Field, name)
		assert.ErrorIs(t, err, ErrInvalidSignature, name)
	}

	stats, err := st.GetSiteStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Posts)
}

func TestCreateDefaultsTimestamp(t *testing.T) {
	k, _ := testKeys(t)
	svc, st := setup(t)
	fp := register(t, st, k)

	fixed := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	svc.now = func() time.Time { return fixed }
	in := signedInput(t, k, "T", "B", "2025-03-04T05:06:07Z")
	in.Timestamp = ""

	post, err := svc.Create(context.Background(), fp, in)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-04T05:06:07Z", post.SignedAt)
}

func TestCreateValidation(t *testing.T) {
	k, _ := testKeys(t)
	svc, st := setup(t)
	fp := register(t, st, k)

	cases := []struct {
		in    PostInput
		field string
	}{
		{PostInput{Body: "B", Signature: "x"}, "title"},
		{PostInput{Title: "T", Body: "   ", Signature: "x"}, "body"},
		{PostInput{Title: strings.Repeat("t", 201), Body: "B", Signature: "x"}, "title"},
		{PostInput{Title: "T", Body: "B", Excerpt: strings.Repeat("e", 501), Signature: "x"}, "excerpt"},
		{PostInput{Title: "T", Body: "B", Author: strings.Repeat("a", 101), Signature: "x"}, "author"},
	}
	for _, tc := range cases {
		_, err := svc.Create(context.Background(), fp, tc.in)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, tc.field, verr.Field)
		assert.NotEmpty(t, verr.Message)
	}
}

func TestCreateUnknownAuthor(t *testing.T) {
	k, _ := testKeys(t)
	svc, _ := setup(t)

	_, err := svc.Create(context.Background(), keys.Fingerprint(k.pub), signedInput(t, k, "T", "B", "ts"))
	assert.ErrorIs(t, err, ErrUnknownAuthor)
	_, err = svc.Create(context.Background(), "", signedInput(t, k, "T", "B", "ts"))
	assert.ErrorIs(t, err, ErrUnknownAuthor)
}

func TestSlugSuffixes(t *testing.T) {
	k, _ := testKeys(t)
	svc, st := setup(t)
	fp := register(t, st, k)

	var slugs []string
	for i := 0; i < 3; i++ {
		post, err := svc.Create(context.Background(), fp, signedInput(t, k, "Same Title", fmt.Sprintf("body %d", i), "ts"))
		require.NoError(t, err)
		slugs = append(slugs, post.Slug)
	}
	assert.Equal(t, []string{"same-title", "same-title-1", "same-title-2"}, slugs)

	post, err := svc.Create(context.Background(), fp, signedInput(t, k, "!!!", "symbols only", "ts"))
	require.NoError(t, err)
	assert.Equal(t, "post", post.Slug)
}

// collidingPosts reports every slug as free but rejects the first insert,
// as if another writer took the slug in between.
type collidingPosts struct {
	store.PostStore
	failures int
}

func (c *collidingPosts) SlugExists(context.Context, string) (bool, error) { return false, nil }

func (c *collidingPosts) CreatePost(ctx context.Context, p *model.Post) (int64, error) {
	if c.failures > 0 {
		c.failures--
		return 0, store.ErrDuplicateSlug
	}
	return c.PostStore.CreatePost(ctx, p)
}

func TestCreateRetriesOnSlugRace(t *testing.T) {
	k, _ := testKeys(t)
	_, st := setup(t)
	fp := register(t, st, k)

	posts := &collidingPosts{PostStore: st, failures: 2}
	svc := NewService(posts, st, logging.Discard(), nil)
	post, err := svc.Create(context.Background(), fp, signedInput(t, k, "Race", "B", "ts"))
	require.NoError(t, err)
	assert.Equal(t, "race", post.Slug)

	posts.failures = maxSlugAttempts
	_, err = svc.Create(context.Background(), fp, signedInput(t, k, "Race 2", "B", "ts"))
	assert.ErrorIs(t, err, ErrSlugExhausted)
}

func TestGetRecomputesSignatureValid(t *testing.T) {
	k, _ := testKeys(t)
	svc, st := setup(t)
	fp := register(t, st, k)
	ctx := context.Background()

	created, err := svc.Create(ctx, fp, signedInput(t, k, "T", "B", "ts"))
	require.NoError(t, err)

	// A stale cached flag is corrected from the source of truth.
	require.NoError(t, st.SetSignatureValid(ctx, created.ID, false))
	got, err := svc.Get(ctx, created.Slug, "")
	require.NoError(t, err)
	assert.True(t, got.SignatureValid)
	stored, err := st.GetPostBySlug(ctx, created.Slug)
	require.NoError(t, err)
	assert.True(t, stored.SignatureValid)
}

func TestGetAfterAuthorSweptIsInvalid(t *testing.T) {
	k, _ := testKeys(t)
	svc, st := setup(t)
	ctx := context.Background()

	fp := keys.Fingerprint(k.pub)
	require.NoError(t, st.CreateIdentity(ctx, &model.Identity{
		Fingerprint: fp,
		PublicKey:   k.pub,
		CreatedAt:   time.Now().Add(-90 * 24 * time.Hour),
		Active:      true,
	}))
	created, err := svc.Create(ctx, fp, signedInput(t, k, "Orphan", "B", "ts"))
	require.NoError(t, err)

	deleted, err := st.DeleteInactiveIdentities(ctx, time.Now().Add(-60*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, deleted, 1)

	got, err := svc.Get(ctx, created.Slug, "")
	require.NoError(t, err)
	assert.False(t, got.SignatureValid)
	assert.Empty(t, got.AuthorFingerprint)

	stored, err := st.GetPostBySlug(ctx, created.Slug)
	require.NoError(t, err)
	assert.False(t, stored.SignatureValid)
}

func TestDraftsVisibleToAuthorOnly(t *testing.T) {
	k, other := testKeys(t)
	svc, st := setup(t)
	fp := register(t, st, k)
	otherFP := register(t, st, other)
	ctx := context.Background()

	in := signedInput(t, k, "Draft", "B", "ts")
	in.Published = false
	draft, err := svc.Create(ctx, fp, in)
	require.NoError(t, err)
	assert.Nil(t, draft.PublishedAt)

	_, err = svc.Get(ctx, draft.Slug, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = svc.Get(ctx, draft.Slug, otherFP)
	assert.ErrorIs(t, err, store.ErrNotFound)
	got, err := svc.Get(ctx, draft.Slug, fp)
	require.NoError(t, err)
	assert.True(t, got.SignatureValid)

	listed, err := svc.List(ctx, store.PostListOpts{})
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestListRechecksEveryPost(t *testing.T) {
	k, other := testKeys(t)
	svc, st := setup(t)
	fp := register(t, st, k)
	otherFP := register(t, st, other)
	ctx := context.Background()

	_, err := svc.Create(ctx, fp, signedInput(t, k, "One", "B", "ts"))
	require.NoError(t, err)
	_, err = svc.Create(ctx, otherFP, signedInput(t, other, "Two", "B", "ts"))
	require.NoError(t, err)

	// A row whose signature never matched, as an import might leave it.
	now := time.Now()
	_, err = st.CreatePost(ctx, &model.Post{
		Title: "Forged", Slug: "forged", Body: "B", AuthorName: "x", AuthorFingerprint: fp,
		Published: true, PublishedAt: &now, Signature: "AAAA", SignedAt: "ts", SignatureValid: true,
		CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	posts, err := svc.List(ctx, store.PostListOpts{})
	require.NoError(t, err)
	require.Len(t, posts, 3)
	valid := map[string]bool{}
	for _, p := range posts {
		valid[p.Slug] = p.SignatureValid
	}
	assert.Equal(t, map[string]bool{"one": true, "two": true, "forged": false}, valid)
}

type failingIdentities struct{ store.IdentityStore }

func (failingIdentities) GetIdentity(context.Context, string) (model.Identity, error) {
	return model.Identity{}, errors.New("boom")
}

func TestReadPropagatesStoreErrors(t *testing.T) {
	k, _ := testKeys(t)
	good, st := setup(t)
	fp := register(t, st, k)
	created, err := good.Create(context.Background(), fp, signedInput(t, k, "T", "B", "ts"))
	require.NoError(t, err)

	svc := NewService(st, failingIdentities{}, logging.Discard(), nil)
	_, err = svc.Get(context.Background(), created.Slug, "")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrNotFound)
}
