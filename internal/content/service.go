package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gosimple/slug"

	"github.com/alphabot-ai/keypost/internal/keys"
	"github.com/alphabot-ai/keypost/internal/logging"
	"github.com/alphabot-ai/keypost/internal/metrics"
	"github.com/alphabot-ai/keypost/internal/model"
	"github.com/alphabot-ai/keypost/internal/store"
)

const (
	DefaultAuthorName = "Anonymous"
	maxSlugLen        = 190
	maxSlugAttempts   = 5
	maxSlugSuffix     = 1000
)

var (
	ErrUnknownAuthor    = errors.New("unknown author")
	ErrInvalidSignature = keys.ErrInvalidSignature
	ErrSlugExhausted    = errors.New("could not allocate a unique slug")
)

// ValidationError names the offending field. Message is safe to show to the
// client.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

type PostInput struct {
	Title     string `json:"title" validate:"required,max=200"`
	Body      string `json:"body" validate:"required"`
	Excerpt   string `json:"excerpt" validate:"max=500"`
	Author    string `json:"author" validate:"max=100"`
	Published bool   `json:"published"`
	Signature string `json:"signature"`
	Timestamp string `json:"timestamp"`
}

// Normalize trims surrounding whitespace. Clients must sign the trimmed
// title and body.
func (in PostInput) Normalize() PostInput {
	in.Title = strings.TrimSpace(in.Title)
	in.Body = strings.TrimSpace(in.Body)
	in.Excerpt = strings.TrimSpace(in.Excerpt)
	in.Author = strings.TrimSpace(in.Author)
	in.Signature = strings.TrimSpace(in.Signature)
	in.Timestamp = strings.TrimSpace(in.Timestamp)
	return in
}

type Service struct {
	posts      store.PostStore
	identities store.IdentityStore
	validate   *validator.Validate
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

func NewService(posts store.PostStore, identities store.IdentityStore, logger *slog.Logger, m *metrics.Metrics) *Service {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return &Service{
		posts:      posts,
		identities: identities,
		validate:   v,
		logger:     logging.Component(logger, "content"),
		metrics:    m,
		now:        time.Now,
	}
}

// Create stores a post signed by the identity behind authorFingerprint. The
// signature must verify against that identity's key before anything is
// written, so stored posts start out with SignatureValid set.
func (s *Service) Create(ctx context.Context, authorFingerprint string, in PostInput) (model.Post, error) {
	in = in.Normalize()
	if err := s.validate.Struct(in); err != nil {
		s.metrics.PostCreated("invalid")
		return model.Post{}, toValidationError(err)
	}
	if in.Signature == "" {
		s.metrics.PostCreated("invalid")
		return model.Post{}, &ValidationError{Field: "signature", Message: "post signature is required, sign the post with your private key"}
	}
	if authorFingerprint == "" {
		return model.Post{}, ErrUnknownAuthor
	}
	author, err := s.identities.GetIdentity(ctx, authorFingerprint)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Post{}, ErrUnknownAuthor
		}
		return model.Post{}, fmt.Errorf("lookup author: %w", err)
	}

	now := s.now()
	timestamp := in.Timestamp
	if timestamp == "" {
		timestamp = now.UTC().Format(time.RFC3339)
	}

	post := model.Post{
		Title:             in.Title,
		Body:              in.Body,
		Excerpt:           in.Excerpt,
		AuthorName:        in.Author,
		AuthorFingerprint: author.Fingerprint,
		Published:         in.Published,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if post.AuthorName == "" {
		post.AuthorName = DefaultAuthorName
	}
	if post.Published {
		post.PublishedAt = &now
	}
	AttachSignature(&post, in.Signature, timestamp)

	if !VerifyContent(post, author.PublicKey) {
		s.metrics.PostCreated("invalid_signature")
		s.logger.Info("post signature rejected", "fingerprint", author.ShortFingerprint())
		return model.Post{}, &ValidationError{
			Field:   "signature",
			Message: "invalid signature, the post could not be verified",
			Err:     ErrInvalidSignature,
		}
	}
	post.SignatureValid = true

	base := baseSlug(post.Title)
	for attempt := 0; attempt < maxSlugAttempts; attempt++ {
		candidate, err := s.uniqueSlug(ctx, base)
		if err != nil {
			return model.Post{}, err
		}
		post.Slug = candidate
		id, err := s.posts.CreatePost(ctx, &post)
		if errors.Is(err, store.ErrDuplicateSlug) {
			continue
		}
		if err != nil {
			return model.Post{}, fmt.Errorf("create post: %w", err)
		}
		post.ID = id
		s.metrics.PostCreated("created")
		s.logger.Info("post created", "slug", post.Slug, "fingerprint", author.ShortFingerprint(), "published", post.Published)
		return post, nil
	}
	return model.Post{}, ErrSlugExhausted
}

// Get returns a post with its signature re-verified against the author's
// current key. Drafts are only visible to their author.
func (s *Service) Get(ctx context.Context, slug, viewerFingerprint string) (model.Post, error) {
	post, err := s.posts.GetPostBySlug(ctx, slug)
	if err != nil {
		return model.Post{}, err
	}
	if !post.Published && (viewerFingerprint == "" || viewerFingerprint != post.AuthorFingerprint) {
		return model.Post{}, store.ErrNotFound
	}
	if err := s.refresh(ctx, &post, map[string]string{}); err != nil {
		return model.Post{}, err
	}
	return post, nil
}

func (s *Service) List(ctx context.Context, opts store.PostListOpts) ([]model.Post, error) {
	posts, err := s.posts.ListPosts(ctx, opts)
	if err != nil {
		return nil, err
	}
	authorKeys := map[string]string{}
	for i := range posts {
		if err := s.refresh(ctx, &posts[i], authorKeys); err != nil {
			return nil, err
		}
	}
	return posts, nil
}

// refresh recomputes SignatureValid and persists it when it changed. A post
// whose author was swept can no longer be verified and reads as invalid.
func (s *Service) refresh(ctx context.Context, post *model.Post, authorKeys map[string]string) error {
	valid := false
	if post.AuthorFingerprint != "" && post.Signed() {
		pk, ok := authorKeys[post.AuthorFingerprint]
		if !ok {
			author, err := s.identities.GetIdentity(ctx, post.AuthorFingerprint)
			switch {
			case err == nil:
				pk = author.PublicKey
			case errors.Is(err, store.ErrNotFound):
			default:
				return fmt.Errorf("lookup author: %w", err)
			}
			authorKeys[post.AuthorFingerprint] = pk
		}
		valid = VerifyContent(*post, pk)
	}
	s.metrics.SignatureRecheck(valid)
	if valid == post.SignatureValid {
		return nil
	}
	post.SignatureValid = valid
	if err := s.posts.SetSignatureValid(ctx, post.ID, valid); err != nil {
		s.logger.Warn("persist signature state", "slug", post.Slug, "error", err)
	}
	return nil
}

func (s *Service) uniqueSlug(ctx context.Context, base string) (string, error) {
	candidate := base
	for n := 1; n <= maxSlugSuffix; n++ {
		exists, err := s.posts.SlugExists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("check slug: %w", err)
		}
		if !exists {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, n)
	}
	return "", ErrSlugExhausted
}

func baseSlug(title string) string {
	s := slug.Make(title)
	if len(s) > maxSlugLen {
		s = strings.TrimRight(s[:maxSlugLen], "-")
	}
	if s == "" {
		return "post"
	}
	return s
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Field: "input", Message: "invalid input", Err: err}
	}
	fe := verrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return &ValidationError{Field: field, Message: field + " is required"}
	case "max":
		return &ValidationError{Field: field, Message: fmt.Sprintf("%s must be at most %s characters", field, fe.Param())}
	default:
		return &ValidationError{Field: field, Message: field + " is invalid"}
	}
}
