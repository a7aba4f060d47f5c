package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/alphabot-ai/keypost/internal/store"
)

const (
	DefaultSessionTTL = 24 * time.Hour
	sessionIssuer     = "keypost"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrRevokedToken = errors.New("token revoked")
)

type Session struct {
	ID          string
	Token       string
	Fingerprint string
	ExpiresAt   time.Time
}

// SessionIssuer signs HS256 session tokens whose subject is the identity
// fingerprint. Each token carries a jti so logout can revoke it before it
// expires.
type SessionIssuer struct {
	secret      []byte
	ttl         time.Duration
	revocations store.SessionStore
	now         func() time.Time
}

func NewSessionIssuer(secret []byte, ttl time.Duration, revocations store.SessionStore) *SessionIssuer {
	if ttl == 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionIssuer{secret: secret, ttl: ttl, revocations: revocations, now: time.Now}
}

func (i *SessionIssuer) Issue(fingerprint string) (Session, error) {
	now := i.now()
	exp := now.Add(i.ttl)
	id := uuid.NewString()
	claims := jwt.MapClaims{
		"iss": sessionIssuer,
		"sub": fingerprint,
		"jti": id,
		"iat": now.Unix(),
		"exp": exp.Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Session{}, fmt.Errorf("sign session: %w", err)
	}
	return Session{ID: id, Token: token, Fingerprint: fingerprint, ExpiresAt: time.Unix(exp.Unix(), 0)}, nil
}

// Verify returns the fingerprint the token was issued to.
func (i *SessionIssuer) Verify(ctx context.Context, tokenString string) (string, error) {
	sess, err := i.parse(tokenString)
	if err != nil {
		return "", err
	}
	if i.revocations != nil {
		revoked, err := i.revocations.SessionRevoked(ctx, sess.ID)
		if err != nil {
			return "", fmt.Errorf("check session revocation: %w", err)
		}
		if revoked {
			return "", ErrRevokedToken
		}
	}
	return sess.Fingerprint, nil
}

// Revoke ends the session the token belongs to. Expired tokens are already
// unusable and need no record.
func (i *SessionIssuer) Revoke(ctx context.Context, tokenString string) error {
	sess, err := i.parse(tokenString)
	if errors.Is(err, ErrExpiredToken) {
		return nil
	}
	if err != nil {
		return err
	}
	if i.revocations == nil {
		return errors.New("session revocation is not configured")
	}
	if err := i.revocations.RevokeSession(ctx, sess.ID, sess.ExpiresAt); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (i *SessionIssuer) parse(tokenString string) (Session, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithIssuer(sessionIssuer), jwt.WithExpirationRequired(), jwt.WithTimeFunc(i.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Session{}, ErrExpiredToken
		}
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Session{}, ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Session{}, ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Session{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	id, _ := claims["jti"].(string)
	if id == "" {
		return Session{}, fmt.Errorf("%w: missing token id", ErrInvalidToken)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return Session{}, fmt.Errorf("%w: missing expiry", ErrInvalidToken)
	}
	return Session{ID: id, Token: tokenString, Fingerprint: sub, ExpiresAt: exp.Time}, nil
}

// Principal is the authenticated caller of a request.
type Principal struct {
	Fingerprint string
}
