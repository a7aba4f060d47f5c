package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alphabot-ai/keypost/internal/model"
	"github.com/alphabot-ai/keypost/internal/store"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps PRAGMAs in effect and serializes writers, which
	// SQLite would do anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// migrations is an ordered list of SQL migrations.
// Each migration runs exactly once, tracked by schema_version table.
var migrations = []string{
	// Migration 1: Initial schema
	`
CREATE TABLE IF NOT EXISTS identities (
	fingerprint TEXT PRIMARY KEY,
	public_key TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	last_login_at INTEGER,
	active INTEGER NOT NULL DEFAULT 1
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_identities_public_key ON identities(public_key);
CREATE INDEX IF NOT EXISTS idx_identities_last_seen ON identities(COALESCE(last_login_at, created_at));

CREATE TABLE IF NOT EXISTS posts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	slug TEXT NOT NULL,
	body TEXT NOT NULL,
	excerpt TEXT,
	author_name TEXT NOT NULL,
	author_fingerprint TEXT REFERENCES identities(fingerprint) ON DELETE SET NULL,
	published INTEGER NOT NULL DEFAULT 1,
	published_at INTEGER,
	signature TEXT,
	signed_at TEXT,
	signature_valid INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_posts_slug ON posts(slug);
CREATE INDEX IF NOT EXISTS idx_posts_author ON posts(author_fingerprint);

CREATE TABLE IF NOT EXISTS auth_challenges (
	session_id TEXT PRIMARY KEY,
	token TEXT NOT NULL,
	issued_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_auth_challenges_expires_at ON auth_challenges(expires_at);
`,
	// Migration 2: revoked session tokens
	`
CREATE TABLE IF NOT EXISTS revoked_sessions (
	id TEXT PRIMARY KEY,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_revoked_sessions_expires_at ON revoked_sessions(expires_at);
`,
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		)
	`); err != nil {
		return err
	}

	var currentVersion int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&currentVersion); err != nil {
		return err
	}

	for i := currentVersion; i < len(migrations); i++ {
		if _, err := db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
		if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", i+1, err)
		}
	}

	return nil
}

// Identities

func (s *Store) CreateIdentity(ctx context.Context, identity *model.Identity) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO identities (fingerprint, public_key, created_at, last_login_at, active)
VALUES (?, ?, ?, ?, ?)
`, identity.Fingerprint, identity.PublicKey, identity.CreatedAt.Unix(), nullableTime(identity.LastLoginAt), boolToInt(identity.Active))
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateIdentity
		}
		return err
	}
	return nil
}

func (s *Store) GetIdentity(ctx context.Context, fingerprint string) (model.Identity, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT fingerprint, public_key, created_at, last_login_at, active
FROM identities
WHERE fingerprint = ?
`, fingerprint)
	return scanIdentity(row)
}

func (s *Store) TouchIdentity(ctx context.Context, fingerprint string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE identities SET last_login_at = ? WHERE fingerprint = ?`, at.Unix(), fingerprint)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListInactiveIdentities(ctx context.Context, cutoff time.Time) ([]model.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT fingerprint, public_key, created_at, last_login_at, active
FROM identities
WHERE COALESCE(last_login_at, created_at) < ?
ORDER BY COALESCE(last_login_at, created_at) ASC
`, cutoff.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, identity)
	}
	return out, rows.Err()
}

// DeleteInactiveIdentities applies the same predicate as
// ListInactiveIdentities in a single statement, so the returned rows are the
// deleted set. Posts keep their content and lose the author link.
func (s *Store) DeleteInactiveIdentities(ctx context.Context, cutoff time.Time) ([]model.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
DELETE FROM identities
WHERE COALESCE(last_login_at, created_at) < ?
RETURNING fingerprint, public_key, created_at, last_login_at, active
`, cutoff.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, identity)
	}
	return out, rows.Err()
}

// Posts

func (s *Store) CreatePost(ctx context.Context, post *model.Post) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO posts (title, slug, body, excerpt, author_name, author_fingerprint, published, published_at, signature, signed_at, signature_valid, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, post.Title, post.Slug, post.Body, nullIfEmpty(post.Excerpt), post.AuthorName, nullIfEmpty(post.AuthorFingerprint),
		boolToInt(post.Published), nullableTime(post.PublishedAt), nullIfEmpty(post.Signature), nullIfEmpty(post.SignedAt),
		boolToInt(post.SignatureValid), post.CreatedAt.Unix(), post.UpdatedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return 0, store.ErrDuplicateSlug
		}
		return 0, err
	}
	return res.LastInsertId()
}

const postColumns = `id, title, slug, body, excerpt, author_name, author_fingerprint, published, published_at, signature, signed_at, signature_valid, created_at, updated_at`

func (s *Store) GetPostBySlug(ctx context.Context, slug string) (model.Post, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE slug = ?`, slug)
	return scanPost(row)
}

func (s *Store) ListPosts(ctx context.Context, opts store.PostListOpts) ([]model.Post, error) {
	limit := clamp(opts.Limit, 1, 100)
	if opts.Limit <= 0 {
		limit = 30
	}

	var where []string
	var args []any
	if !opts.IncludeDrafts {
		where = append(where, "published = 1")
	}
	if opts.AuthorFingerprint != "" {
		where = append(where, "author_fingerprint = ?")
		args = append(args, opts.AuthorFingerprint)
	}
	if opts.Cursor > 0 {
		where = append(where, "id < ?")
		args = append(args, opts.Cursor)
	}

	query := `SELECT ` + postColumns + ` FROM posts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var posts []model.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

func (s *Store) SlugExists(ctx context.Context, slug string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts WHERE slug = ?`, slug).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) SetSignatureValid(ctx context.Context, postID int64, valid bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE posts SET signature_valid = ? WHERE id = ?`, boolToInt(valid), postID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Challenges

func (s *Store) CreateChallenge(ctx context.Context, c model.Challenge) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO auth_challenges (session_id, token, issued_at, expires_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	token = excluded.token,
	issued_at = excluded.issued_at,
	expires_at = excluded.expires_at
`, c.SessionID, c.Token, c.IssuedAt.Unix(), c.ExpiresAt.Unix())
	return err
}

func (s *Store) ConsumeChallenge(ctx context.Context, sessionID string) (model.Challenge, error) {
	row := s.db.QueryRowContext(ctx, `
DELETE FROM auth_challenges
WHERE session_id = ?
RETURNING session_id, token, issued_at, expires_at
`, sessionID)
	var c model.Challenge
	var issued, expires int64
	if err := row.Scan(&c.SessionID, &c.Token, &issued, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Challenge{}, store.ErrNotFound
		}
		return model.Challenge{}, err
	}
	c.IssuedAt = time.Unix(issued, 0)
	c.ExpiresAt = time.Unix(expires, 0)
	return c, nil
}

func (s *Store) PurgeExpiredChallenges(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM auth_challenges WHERE expires_at < ?`, now.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Sessions

func (s *Store) RevokeSession(ctx context.Context, id string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO revoked_sessions (id, expires_at) VALUES (?, ?)
ON CONFLICT(id) DO NOTHING
`, id, expiresAt.Unix())
	return err
}

func (s *Store) SessionRevoked(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM revoked_sessions WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) PurgeRevokedSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM revoked_sessions WHERE expires_at < ?`, now.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) GetSiteStats(ctx context.Context) (model.SiteStats, error) {
	var stats model.SiteStats
	row := s.db.QueryRowContext(ctx, `
SELECT
	(SELECT COUNT(*) FROM identities),
	(SELECT COUNT(*) FROM posts WHERE published = 1),
	(SELECT COUNT(*) FROM posts WHERE published = 1 AND signature IS NOT NULL),
	(SELECT COUNT(*) FROM posts WHERE published = 1 AND signature_valid = 1)
`)
	if err := row.Scan(&stats.Identities, &stats.Posts, &stats.SignedPosts, &stats.ValidPosts); err != nil {
		return stats, err
	}
	return stats, nil
}

type scanner interface{ Scan(dest ...any) error }

func scanIdentity(row scanner) (model.Identity, error) {
	var i model.Identity
	var created int64
	var lastLogin sql.NullInt64
	var active int
	if err := row.Scan(&i.Fingerprint, &i.PublicKey, &created, &lastLogin, &active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Identity{}, store.ErrNotFound
		}
		return model.Identity{}, err
	}
	i.CreatedAt = time.Unix(created, 0)
	i.LastLoginAt = timePtr(lastLogin)
	i.Active = active == 1
	return i, nil
}

func scanPost(row scanner) (model.Post, error) {
	var p model.Post
	var excerpt, author, signature, signedAt sql.NullString
	var published, valid int
	var publishedAt sql.NullInt64
	var created, updated int64
	if err := row.Scan(&p.ID, &p.Title, &p.Slug, &p.Body, &excerpt, &p.AuthorName, &author, &published, &publishedAt,
		&signature, &signedAt, &valid, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Post{}, store.ErrNotFound
		}
		return model.Post{}, err
	}
	p.Excerpt = excerpt.String
	p.AuthorFingerprint = author.String
	p.Signature = signature.String
	p.SignedAt = signedAt.String
	p.Published = published == 1
	p.PublishedAt = timePtr(publishedAt)
	p.SignatureValid = valid == 1
	p.CreatedAt = time.Unix(created, 0)
	p.UpdatedAt = time.Unix(updated, 0)
	return p, nil
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}
