// Package retention removes identities that stopped logging in. An identity
// counts as inactive when its last login, or its creation time if it never
// logged in again, is older than the window.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alphabot-ai/keypost/internal/logging"
	"github.com/alphabot-ai/keypost/internal/metrics"
	"github.com/alphabot-ai/keypost/internal/model"
	"github.com/alphabot-ai/keypost/internal/store"
)

const DefaultWindow = 60 * 24 * time.Hour

var ErrInvalidWindow = errors.New("inactivity window must be positive")

// Report describes one sweep. Candidates is what a dry run would delete;
// after a real run it is exactly the deleted set.
type Report struct {
	Window     time.Duration
	Cutoff     time.Time
	DryRun     bool
	Candidates []model.Identity
	Deleted    int64
	// ExpiredChallenges is only filled when the challenge store needs
	// explicit purging.
	ExpiredChallenges  int64
	ExpiredRevocations int64
}

type Sweeper struct {
	identities store.IdentityStore
	challenges store.ChallengePurger
	sessions   store.SessionStore
	window     time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

type Option func(*Sweeper)

// WithChallengePurger also drops expired challenges on every non-dry run.
func WithChallengePurger(p store.ChallengePurger) Option {
	return func(s *Sweeper) { s.challenges = p }
}

// WithSessionStore also drops revocation records of expired session tokens.
func WithSessionStore(st store.SessionStore) Option {
	return func(s *Sweeper) { s.sessions = st }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = logging.Component(l, "retention") }
}

func NewSweeper(identities store.IdentityStore, window time.Duration, opts ...Option) (*Sweeper, error) {
	if window <= 0 {
		return nil, ErrInvalidWindow
	}
	s := &Sweeper{
		identities: identities,
		window:     window,
		logger:     logging.Component(nil, "retention"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Sweeper) Window() time.Duration {
	return s.window
}

// Run lists the inactive identities and, unless dryRun is set, deletes
// them. Posts by deleted identities stay but lose their author link.
func (s *Sweeper) Run(ctx context.Context, dryRun bool) (Report, error) {
	now := s.now()
	report := Report{Window: s.window, Cutoff: now.Add(-s.window), DryRun: dryRun}

	if dryRun {
		candidates, err := s.identities.ListInactiveIdentities(ctx, report.Cutoff)
		if err != nil {
			return report, fmt.Errorf("list inactive identities: %w", err)
		}
		report.Candidates = candidates
		s.metrics.Sweep(true, 0)
		s.logger.Info("sweep dry run", "candidates", len(candidates), "cutoff", report.Cutoff.UTC().Format(time.RFC3339))
		return report, nil
	}

	deleted, err := s.identities.DeleteInactiveIdentities(ctx, report.Cutoff)
	if err != nil {
		return report, fmt.Errorf("delete inactive identities: %w", err)
	}
	report.Candidates = deleted
	report.Deleted = int64(len(deleted))

	if s.challenges != nil {
		purged, err := s.challenges.PurgeExpiredChallenges(ctx, now)
		if err != nil {
			s.logger.Warn("purge expired challenges", "error", err)
		}
		report.ExpiredChallenges = purged
	}
	if s.sessions != nil {
		purged, err := s.sessions.PurgeRevokedSessions(ctx, now)
		if err != nil {
			s.logger.Warn("purge revoked sessions", "error", err)
		}
		report.ExpiredRevocations = purged
	}

	s.metrics.Sweep(false, report.Deleted)
	s.logger.Info("sweep finished", "deleted", report.Deleted, "expired_challenges", report.ExpiredChallenges, "expired_revocations", report.ExpiredRevocations)
	return report, nil
}
