// Package auth implements the challenge-response login: challenges bound to
// a pre-login session, signature verification against the presented public
// key, just-in-time identity creation and the session token handed back.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alphabot-ai/keypost/internal/keys"
	"github.com/alphabot-ai/keypost/internal/logging"
	"github.com/alphabot-ai/keypost/internal/metrics"
	"github.com/alphabot-ai/keypost/internal/model"
	"github.com/alphabot-ai/keypost/internal/store"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrMissingChallenge   = errors.New("missing challenge")
	ErrInvalidSignature   = keys.ErrInvalidSignature
	ErrMalformedKey       = keys.ErrMalformedKey
	ErrInactiveIdentity   = errors.New("identity inactive")
	ErrConflictRetry      = errors.New("identity changed concurrently, retry")
)

// IsRejection reports whether err is a login failure the client caused, as
// opposed to an infrastructure error. All rejections look the same to the
// client.
func IsRejection(err error) bool {
	return errors.Is(err, ErrMissingCredentials) ||
		errors.Is(err, ErrMissingChallenge) ||
		errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrMalformedKey) ||
		errors.Is(err, ErrInactiveIdentity)
}

type Outcome int

const (
	LoginExisting Outcome = iota + 1
	CreateAndLogin
)

func (o Outcome) String() string {
	switch o {
	case LoginExisting:
		return "login_existing"
	case CreateAndLogin:
		return "create_and_login"
	default:
		return "unknown"
	}
}

type LoginRequest struct {
	SessionID string
	PublicKey string
	Signature string
	Challenge string
}

type Result struct {
	Identity model.Identity
	Outcome  Outcome
}

type Service struct {
	identities store.IdentityStore
	challenges *ChallengeService
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

func NewService(identities store.IdentityStore, challenges *ChallengeService, logger *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		identities: identities,
		challenges: challenges,
		logger:     logging.Component(logger, "auth"),
		metrics:    m,
		now:        time.Now,
	}
}

func (s *Service) Challenges() *ChallengeService {
	return s.challenges
}

// Authenticate runs one login attempt. The session's challenge is consumed
// exactly once whatever the result, except when the request is incomplete,
// which is rejected before touching any state.
func (s *Service) Authenticate(ctx context.Context, req LoginRequest) (Result, error) {
	if strings.TrimSpace(req.PublicKey) == "" || strings.TrimSpace(req.Signature) == "" || strings.TrimSpace(req.Challenge) == "" {
		return s.reject(ErrMissingCredentials)
	}

	expected, err := s.challenges.Consume(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, ErrMissingChallenge) {
			return s.reject(err)
		}
		return Result{}, fmt.Errorf("consume challenge: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(req.Challenge)) != 1 {
		return s.reject(ErrMissingChallenge)
	}

	fingerprint := keys.Fingerprint(req.PublicKey)
	identity, err := s.identities.GetIdentity(ctx, fingerprint)
	known := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("lookup identity: %w", err)
	}

	// Verification happens before any write, for known and unknown keys alike.
	if !keys.Verify(req.PublicKey, []byte(req.Challenge), req.Signature) {
		return s.reject(ErrInvalidSignature)
	}

	now := s.now()
	if known {
		return s.loginExisting(ctx, identity, now)
	}

	identity = model.Identity{
		Fingerprint: fingerprint,
		PublicKey:   req.PublicKey,
		CreatedAt:   now,
		LastLoginAt: &now,
		Active:      true,
	}
	if err := s.identities.CreateIdentity(ctx, &identity); err != nil {
		if !errors.Is(err, store.ErrDuplicateIdentity) {
			return Result{}, fmt.Errorf("create identity: %w", err)
		}
		// Lost the race against a concurrent first login with the same key.
		winner, lookupErr := s.identities.GetIdentity(ctx, fingerprint)
		if lookupErr != nil {
			s.metrics.Login("conflict")
			return Result{}, ErrConflictRetry
		}
		return s.loginExisting(ctx, winner, now)
	}
	return s.accept(Result{Identity: identity, Outcome: CreateAndLogin})
}

// AuthenticateWithPrivateKey serves clients that upload their key file
// instead of signing in the browser. The key only lives for this call. When
// challenge is empty a fresh one is issued for the session.
func (s *Service) AuthenticateWithPrivateKey(ctx context.Context, sessionID, privateKeyPEM, challenge string) (Result, error) {
	if strings.TrimSpace(privateKeyPEM) == "" {
		return s.reject(ErrMissingCredentials)
	}
	publicKey, err := keys.DerivePublic(privateKeyPEM)
	if err != nil {
		return s.reject(ErrMalformedKey)
	}
	if challenge == "" {
		c, err := s.challenges.Issue(ctx, sessionID)
		if err != nil {
			if errors.Is(err, ErrMissingSession) {
				return s.reject(ErrMissingChallenge)
			}
			return Result{}, err
		}
		challenge = c.Token
	}
	signature, err := keys.Sign(privateKeyPEM, []byte(challenge))
	if err != nil {
		return s.reject(ErrMalformedKey)
	}
	return s.Authenticate(ctx, LoginRequest{
		SessionID: sessionID,
		PublicKey: publicKey,
		Signature: signature,
		Challenge: challenge,
	})
}

func (s *Service) loginExisting(ctx context.Context, identity model.Identity, now time.Time) (Result, error) {
	if !identity.Active {
		return s.reject(ErrInactiveIdentity)
	}
	if err := s.identities.TouchIdentity(ctx, identity.Fingerprint, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Swept between lookup and update.
			s.metrics.Login("conflict")
			return Result{}, ErrConflictRetry
		}
		return Result{}, fmt.Errorf("touch identity: %w", err)
	}
	identity.LastLoginAt = &now
	return s.accept(Result{Identity: identity, Outcome: LoginExisting})
}

func (s *Service) accept(res Result) (Result, error) {
	s.metrics.Login(res.Outcome.String())
	s.logger.Info("login", "fingerprint", res.Identity.ShortFingerprint(), "outcome", res.Outcome.String())
	return res, nil
}

func (s *Service) reject(err error) (Result, error) {
	s.metrics.Login("rejected")
	s.logger.Debug("login rejected", "reason", rejectReason(err))
	return Result{}, err
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingCredentials):
		return "missing_credentials"
	case errors.Is(err, ErrMissingChallenge):
		return "missing_challenge"
	case errors.Is(err, ErrMalformedKey):
		return "malformed_key"
	case errors.Is(err, ErrInactiveIdentity):
		return "inactive"
	default:
		return "invalid_signature"
	}
}
