package httpapp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alphabot-ai/keypost/internal/auth"
	"github.com/alphabot-ai/keypost/internal/config"
	"github.com/alphabot-ai/keypost/internal/content"
	"github.com/alphabot-ai/keypost/internal/keys"
	"github.com/alphabot-ai/keypost/internal/logging"
	"github.com/alphabot-ai/keypost/internal/metrics"
	"github.com/alphabot-ai/keypost/internal/model"
	"github.com/alphabot-ai/keypost/internal/rate"
	"github.com/alphabot-ai/keypost/internal/store"
)

const (
	SessionIDCookie    = "keypost_sid"
	SessionTokenCookie = "keypost_session"

	defaultPageSize = 30
	maxPageSize     = 100
	maxKeyFileSize  = 16 << 10
	maxFormSize     = 1 << 20
)

// errRejected is the only thing a client learns about a failed login.
var errRejected = errors.New("invalid key or signature")

type Deps struct {
	Store    store.Store
	Auth     *auth.Service
	Sessions *auth.SessionIssuer
	Content  *content.Service
	Limiter  rate.Limiter
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Config   config.Config
	Version  string
}

type Server struct {
	store    store.Store
	auth     *auth.Service
	sessions *auth.SessionIssuer
	content  *content.Service
	limiter  rate.Limiter
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      config.Config
	version  string
}

func NewServer(d Deps) (*Server, error) {
	if d.Store == nil || d.Auth == nil || d.Sessions == nil || d.Content == nil {
		return nil, errors.New("httpapp: store, auth, sessions and content are required")
	}
	if d.Limiter == nil {
		d.Limiter = rate.NewMemory()
	}
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	if d.Version == "" {
		d.Version = "dev"
	}
	return &Server{
		store:    d.Store,
		auth:     d.Auth,
		sessions: d.Sessions,
		content:  d.Content,
		limiter:  d.Limiter,
		metrics:  d.Metrics,
		logger:   logging.Component(d.Logger, "http"),
		cfg:      d.Config,
		version:  d.Version,
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	}()

	switch {
	case strings.HasPrefix(r.URL.Path, "/api/"):
		s.handleAPI(rec, r)
	case r.URL.Path == "/metrics":
		s.metrics.Handler().ServeHTTP(rec, r)
	case r.URL.Path == "/healthz":
		writeJSON(rec, http.StatusOK, map[string]any{"ok": true})
	default:
		notFound(rec)
	}
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api")
	segments := splitPath(path)

	switch {
	case len(segments) == 2 && segments[0] == "auth" && segments[1] == "challenge":
		if r.Method == http.MethodGet || r.Method == http.MethodPost {
			s.handleChallenge(w, r)
			return
		}
		methodNotAllowed(w)
		return
	case len(segments) == 2 && segments[0] == "auth" && segments[1] == "login":
		if r.Method == http.MethodPost {
			s.handleLogin(w, r)
			return
		}
		methodNotAllowed(w)
		return
	case len(segments) == 2 && segments[0] == "auth" && segments[1] == "logout":
		if r.Method == http.MethodPost {
			s.handleLogout(w, r)
			return
		}
		methodNotAllowed(w)
		return
	case len(segments) == 2 && segments[0] == "keys" && segments[1] == "generate":
		if r.Method == http.MethodGet {
			s.handleGenerateKey(w, r)
			return
		}
		methodNotAllowed(w)
		return
	case len(segments) == 1 && segments[0] == "posts":
		if r.Method == http.MethodPost {
			s.handleCreatePost(w, r)
			return
		}
		if r.Method == http.MethodGet {
			s.handleListPosts(w, r)
			return
		}
		methodNotAllowed(w)
		return
	case len(segments) == 2 && segments[0] == "posts":
		if r.Method == http.MethodGet {
			s.handleGetPost(w, r, segments[1])
			return
		}
		methodNotAllowed(w)
		return
	case len(segments) == 2 && segments[0] == "identities":
		if r.Method == http.MethodGet {
			s.handleGetIdentity(w, r, segments[1])
			return
		}
		methodNotAllowed(w)
		return
	case len(segments) == 1 && segments[0] == "me":
		if r.Method == http.MethodGet {
			s.handleMe(w, r)
			return
		}
	case len(segments) == 1 && segments[0] == "stats":
		if r.Method == http.MethodGet {
			s.handleGetStats(w, r)
			return
		}
	case len(segments) == 1 && segments[0] == "version":
		if r.Method == http.MethodGet {
			s.handleVersion(w, r)
			return
		}
	}

	notFound(w)
}

// handleChallenge issues a fresh challenge bound to the caller's pre-login
// session cookie, creating the cookie on first contact.
func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	if !s.allowRateLimit(w, r, "challenge", s.cfg.RateLimits.ChallengePerMinute) {
		return
	}
	sid := s.ensureSessionID(w, r)
	challenge, err := s.auth.Challenges().Issue(r.Context(), sid)
	if err != nil {
		s.internalError(w, "issue challenge", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"challenge":  challenge.Token,
		"expires_at": challenge.ExpiresAt.UTC(),
	})
}

// handleLogin accepts either a JSON signed challenge or a multipart upload
// of the private key file, in which case the server signs on the caller's
// behalf and forgets the key.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allowRateLimit(w, r, "login", s.cfg.RateLimits.LoginPerMinute) {
		return
	}

	var (
		result auth.Result
		err    error
	)
	if isMultipart(r) {
		privateKey, challenge, readErr := readKeyUpload(w, r)
		if readErr != nil {
			writeError(w, http.StatusBadRequest, readErr)
			return
		}
		sid := s.ensureSessionID(w, r)
		result, err = s.auth.AuthenticateWithPrivateKey(r.Context(), sid, privateKey, challenge)
	} else {
		var req struct {
			PublicKey string `json:"public_key"`
			Signature string `json:"signature"`
			Challenge string `json:"challenge"`
		}
		if err := readJSON(r.Body, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		result, err = s.auth.Authenticate(r.Context(), auth.LoginRequest{
			SessionID: sessionIDFromRequest(r),
			PublicKey: req.PublicKey,
			Signature: strings.TrimSpace(req.Signature),
			Challenge: strings.TrimSpace(req.Challenge),
		})
	}
	if err != nil {
		switch {
		case auth.IsRejection(err):
			writeError(w, http.StatusUnauthorized, errRejected)
		case errors.Is(err, auth.ErrConflictRetry):
			writeError(w, http.StatusConflict, err)
		default:
			s.internalError(w, "login", err)
		}
		return
	}

	session, err := s.sessions.Issue(result.Identity.Fingerprint)
	if err != nil {
		s.internalError(w, "issue session", err)
		return
	}
	// A new pre-login session after every login so an old challenge cookie
	// can never be reused.
	s.setCookie(w, SessionIDCookie, uuid.NewString(), time.Time{})
	s.setCookie(w, SessionTokenCookie, session.Token, session.ExpiresAt)

	// identity.fingerprint is the short form shown to the user; the full
	// digest is returned alongside.
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"outcome":     result.Outcome.String(),
		"identity":    map[string]string{"fingerprint": result.Identity.ShortFingerprint()},
		"fingerprint": result.Identity.Fingerprint,
		"token":       session.Token,
		"expires_at":  session.ExpiresAt.UTC(),
	})
}

// handleLogout revokes the presented session token, bearer or cookie, and
// clears both cookies. Logging out without a valid session still succeeds.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := bearerToken(r); token != "" {
		if err := s.sessions.Revoke(r.Context(), token); err != nil && !errors.Is(err, auth.ErrInvalidToken) {
			s.internalError(w, "revoke session", err)
			return
		}
	}
	s.clearCookie(w, SessionTokenCookie)
	s.clearCookie(w, SessionIDCookie)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleGenerateKey returns a fresh private key as a download. Nothing about
// the key is stored; the identity only exists once it logs in.
func (s *Server) handleGenerateKey(w http.ResponseWriter, r *http.Request) {
	if !s.allowRateLimit(w, r, "keygen", s.cfg.RateLimits.KeygenPerMinute) {
		return
	}
	privatePEM, publicPEM, err := keys.GeneratePEM()
	if err != nil {
		s.internalError(w, "generate key", err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="private_key.pem"`)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Key-Fingerprint", keys.Fingerprint(publicPEM))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, privatePEM)
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.requireAuth(w, r)
	if !ok {
		return
	}
	if !s.allowRateLimit(w, r, "post", s.cfg.RateLimits.PostPerMinute) {
		return
	}

	in, err := readPostInput(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	post, err := s.content.Create(r.Context(), principal.Fingerprint, in)
	if err != nil {
		var verr *content.ValidationError
		switch {
		case errors.As(err, &verr):
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": verr.Message, "field": verr.Field})
		case errors.Is(err, content.ErrUnknownAuthor):
			writeError(w, http.StatusUnauthorized, errors.New("unknown identity, log in again"))
		case errors.Is(err, content.ErrSlugExhausted):
			writeError(w, http.StatusConflict, err)
		default:
			s.internalError(w, "create post", err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"post": newPostView(post)})
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseIntDefault(q.Get("limit"), defaultPageSize)
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	opts := store.PostListOpts{
		Limit:             limit,
		Cursor:            parseInt64Default(q.Get("cursor"), 0),
		AuthorFingerprint: strings.TrimSpace(q.Get("author")),
	}
	if viewer, ok := s.optionalAuth(r); ok && opts.AuthorFingerprint != "" && viewer.Fingerprint == opts.AuthorFingerprint {
		opts.IncludeDrafts = true
	}

	posts, err := s.content.List(r.Context(), opts)
	if err != nil {
		s.internalError(w, "list posts", err)
		return
	}
	views := make([]postView, 0, len(posts))
	for _, p := range posts {
		views = append(views, newPostView(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"posts":       views,
		"next_cursor": nextCursor(posts, limit),
	})
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request, slug string) {
	var viewer string
	if p, ok := s.optionalAuth(r); ok {
		viewer = p.Fingerprint
	}
	post, err := s.content.Get(r.Context(), slug, viewer)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			notFound(w)
			return
		}
		s.internalError(w, "get post", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"post": newPostView(post)})
}

func (s *Server) handleGetIdentity(w http.ResponseWriter, r *http.Request, fingerprint string) {
	if !keys.IsFingerprint(fingerprint) {
		notFound(w)
		return
	}
	identity, err := s.store.GetIdentity(r.Context(), fingerprint)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			notFound(w)
			return
		}
		s.internalError(w, "get identity", err)
		return
	}

	opts := store.PostListOpts{Limit: defaultPageSize, AuthorFingerprint: fingerprint}
	if viewer, ok := s.optionalAuth(r); ok && viewer.Fingerprint == fingerprint {
		opts.IncludeDrafts = true
	}
	posts, err := s.content.List(r.Context(), opts)
	if err != nil {
		s.internalError(w, "list identity posts", err)
		return
	}
	views := make([]postView, 0, len(posts))
	for _, p := range posts {
		views = append(views, newPostView(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identity": newIdentityView(identity, true),
		"posts":    views,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.requireAuth(w, r)
	if !ok {
		return
	}
	identity, err := s.store.GetIdentity(r.Context(), principal.Fingerprint)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Swept while the session was still valid.
			s.clearCookie(w, SessionTokenCookie)
			writeError(w, http.StatusUnauthorized, errors.New("identity no longer exists"))
			return
		}
		s.internalError(w, "get identity", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identity": newIdentityView(identity, true)})
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetSiteStats(r.Context())
	if err != nil {
		s.internalError(w, "site stats", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identities":   stats.Identities,
		"posts":        stats.Posts,
		"signed_posts": stats.SignedPosts,
		"valid_posts":  stats.ValidPosts,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"version": s.version})
}

func (s *Server) allowRateLimit(w http.ResponseWriter, r *http.Request, action string, limit int) bool {
	if limit <= 0 {
		return true
	}
	if ok, retry := s.limiter.Allow(rate.Key(action, s.clientIP(r)), limit, time.Minute); !ok {
		writeRateLimit(w, retry)
		return false
	}
	return true
}

// bearerToken prefers the Authorization header and falls back to the
// session cookie set at login.
func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	if c, err := r.Cookie(SessionTokenCookie); err == nil {
		return c.Value
	}
	return ""
}

func (s *Server) optionalAuth(r *http.Request) (auth.Principal, bool) {
	token := bearerToken(r)
	if token == "" {
		return auth.Principal{}, false
	}
	fingerprint, err := s.sessions.Verify(r.Context(), token)
	if err != nil {
		if !isTokenError(err) {
			s.logger.Warn("session check failed", "error", err)
		}
		return auth.Principal{}, false
	}
	return auth.Principal{Fingerprint: fingerprint}, true
}

func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, errors.New("authentication required"))
		return auth.Principal{}, false
	}
	fingerprint, err := s.sessions.Verify(r.Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrExpiredToken):
			writeError(w, http.StatusUnauthorized, auth.ErrExpiredToken)
		case errors.Is(err, auth.ErrRevokedToken):
			writeError(w, http.StatusUnauthorized, auth.ErrRevokedToken)
		case errors.Is(err, auth.ErrInvalidToken):
			writeError(w, http.StatusUnauthorized, auth.ErrInvalidToken)
		default:
			s.internalError(w, "verify session", err)
		}
		return auth.Principal{}, false
	}
	return auth.Principal{Fingerprint: fingerprint}, true
}

func isTokenError(err error) bool {
	return errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrRevokedToken)
}

// clientIP keys rate limits. X-Forwarded-For is client-controlled unless a
// proxy in front rewrites it, so it is only read when TrustProxy is set.
func (s *Server) clientIP(r *http.Request) string {
	if s.cfg.TrustProxy {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			parts := strings.Split(forwarded, ",")
			return strings.TrimSpace(parts[0])
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func sessionIDFromRequest(r *http.Request) string {
	if c, err := r.Cookie(SessionIDCookie); err == nil {
		return c.Value
	}
	return ""
}

func (s *Server) ensureSessionID(w http.ResponseWriter, r *http.Request) string {
	if sid := sessionIDFromRequest(r); sid != "" {
		return sid
	}
	sid := uuid.NewString()
	s.setCookie(w, SessionIDCookie, sid, time.Time{})
	return sid
}

func (s *Server) setCookie(w http.ResponseWriter, name, value string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", "error", err)
	writeError(w, http.StatusInternalServerError, errors.New("internal error"))
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "multipart/form-data"
}

func isJSON(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}

func readKeyUpload(w http.ResponseWriter, r *http.Request) (privateKey, challenge string, err error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxKeyFileSize+4096)
	if err := r.ParseMultipartForm(maxKeyFileSize); err != nil {
		return "", "", fmt.Errorf("invalid upload: %w", err)
	}
	file, _, err := r.FormFile("private_key_file")
	if err != nil {
		return "", "", errors.New("private_key_file required")
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxKeyFileSize))
	if err != nil {
		return "", "", fmt.Errorf("read key file: %w", err)
	}
	return string(data), strings.TrimSpace(r.FormValue("challenge")), nil
}

// readPostInput accepts JSON or form bodies. "content" is accepted as an
// alias for "body".
func readPostInput(r *http.Request) (content.PostInput, error) {
	if isJSON(r) {
		var req struct {
			content.PostInput
			Content string `json:"content"`
		}
		if err := readJSON(r.Body, &req); err != nil {
			return content.PostInput{}, err
		}
		in := req.PostInput
		if in.Body == "" {
			in.Body = req.Content
		}
		return in, nil
	}

	if isMultipart(r) {
		if err := r.ParseMultipartForm(maxFormSize); err != nil {
			return content.PostInput{}, fmt.Errorf("invalid form: %w", err)
		}
	} else if err := r.ParseForm(); err != nil {
		return content.PostInput{}, fmt.Errorf("invalid form: %w", err)
	}
	in := content.PostInput{
		Title:     r.FormValue("title"),
		Body:      r.FormValue("body"),
		Excerpt:   r.FormValue("excerpt"),
		Author:    r.FormValue("author"),
		Published: formBool(r.FormValue("published")),
		Signature: r.FormValue("signature"),
		Timestamp: r.FormValue("timestamp"),
	}
	if in.Body == "" {
		in.Body = r.FormValue("content")
	}
	return in, nil
}

func formBool(v string) bool {
	if strings.EqualFold(v, "on") {
		return true
	}
	b, _ := strconv.ParseBool(v)
	return b
}

func nextCursor(posts []model.Post, limit int) int64 {
	if len(posts) == 0 || len(posts) < limit {
		return 0
	}
	return posts[len(posts)-1].ID
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func readJSON(body io.ReadCloser, dest any) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeRateLimit(w http.ResponseWriter, retry time.Duration) {
	seconds := int(retry.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":       "rate limit exceeded",
		"retry_after": seconds,
	})
}

func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, errors.New("not found"))
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	return def
}

func parseInt64Default(value string, def int64) int64 {
	if value == "" {
		return def
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n
	}
	return def
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
