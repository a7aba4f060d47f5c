// Package client provides a Go client for the Keypost API.
package client

import (
	"bytes"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/alphabot-ai/keypost/internal/content"
	"github.com/alphabot-ai/keypost/internal/keys"
)

// ErrUnauthorized is returned for any 401 from the server.
var ErrUnauthorized = errors.New("unauthorized")

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
	Field   string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%d: %s (%s)", e.Status, e.Message, e.Field)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.Status == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// Client is a Keypost API client. The cookie jar carries the pre-login
// session between GetChallenge and Login.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Token      string
	TokenExp   time.Time
}

// Credentials holds a key pair in the PEM encodings the server expects.
type Credentials struct {
	PrivateKey string
	PublicKey  string
	key        *rsa.PrivateKey
}

func New(baseURL string) *Client {
	jar, _ := cookiejar.New(nil)
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second, Jar: jar},
	}
}

// GenerateCredentials creates a new RSA key pair locally.
func GenerateCredentials() (*Credentials, error) {
	privatePEM, _, err := keys.GeneratePEM()
	if err != nil {
		return nil, err
	}
	return LoadCredentials(privatePEM)
}

// LoadCredentials parses a PEM private key and derives its public half.
func LoadCredentials(privatePEM string) (*Credentials, error) {
	key, err := keys.ParsePrivate(privatePEM)
	if err != nil {
		return nil, err
	}
	publicPEM, err := keys.MarshalPublic(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Credentials{PrivateKey: privatePEM, PublicKey: publicPEM, key: key}, nil
}

func (creds *Credentials) Sign(message string) (string, error) {
	return keys.SignWithKey(creds.key, []byte(message))
}

func (creds *Credentials) Fingerprint() string {
	return keys.Fingerprint(creds.PublicKey)
}

type Identity struct {
	Fingerprint      string     `json:"fingerprint"`
	ShortFingerprint string     `json:"short_fingerprint"`
	PublicKey        string     `json:"public_key"`
	SSHKey           string     `json:"ssh_key"`
	SSHFingerprint   string     `json:"ssh_fingerprint"`
	CreatedAt        time.Time  `json:"created_at"`
	LastLoginAt      *time.Time `json:"last_login_at"`
}

type Post struct {
	ID                int64      `json:"id"`
	Title             string     `json:"title"`
	Slug              string     `json:"slug"`
	Body              string     `json:"body"`
	Excerpt           string     `json:"excerpt"`
	Author            string     `json:"author"`
	AuthorFingerprint string     `json:"author_fingerprint"`
	Published         bool       `json:"published"`
	PublishedAt       *time.Time `json:"published_at"`
	Signature         string     `json:"signature"`
	Timestamp         string     `json:"timestamp"`
	SignatureValid    bool       `json:"signature_valid"`
	CreatedAt         time.Time  `json:"created_at"`
}

type PostInput struct {
	Title     string
	Body      string
	Excerpt   string
	Author    string
	Published bool
	// Timestamp defaults to now in RFC 3339.
	Timestamp string
}

// LoginResult is the login response. Identity.Fingerprint is the short
// form; Fingerprint is the full digest.
type LoginResult struct {
	Outcome     string `json:"outcome"`
	Fingerprint string `json:"fingerprint"`
	Identity    struct {
		Fingerprint string `json:"fingerprint"`
	} `json:"identity"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Profile struct {
	Identity Identity `json:"identity"`
	Posts    []Post   `json:"posts"`
}

type Stats struct {
	Identities  int `json:"identities"`
	Posts       int `json:"posts"`
	SignedPosts int `json:"signed_posts"`
	ValidPosts  int `json:"valid_posts"`
}

// GetChallenge requests a challenge for this client's session cookie.
func (c *Client) GetChallenge() (string, error) {
	var result struct {
		Challenge string `json:"challenge"`
	}
	if err := c.call(http.MethodPost, "/api/auth/challenge", nil, &result); err != nil {
		return "", err
	}
	return result.Challenge, nil
}

// Login signs a fresh challenge and exchanges it for a session token. The
// first login with a key creates the identity.
func (c *Client) Login(creds *Credentials) (*LoginResult, error) {
	challenge, err := c.GetChallenge()
	if err != nil {
		return nil, fmt.Errorf("get challenge: %w", err)
	}
	signature, err := creds.Sign(challenge)
	if err != nil {
		return nil, err
	}
	var result LoginResult
	err = c.call(http.MethodPost, "/api/auth/login", map[string]string{
		"public_key": creds.PublicKey,
		"challenge":  challenge,
		"signature":  signature,
	}, &result)
	if err != nil {
		return nil, err
	}
	c.setToken(result)
	return &result, nil
}

// LoginWithKeyFile uploads the private key and lets the server sign.
func (c *Client) LoginWithKeyFile(privatePEM string) (*LoginResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("private_key_file", "private_key.pem")
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(fw, privatePEM); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, c.BaseURL+"/api/auth/login", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	var result LoginResult
	if err := decodeResponse(resp, &result); err != nil {
		return nil, err
	}
	c.setToken(result)
	return &result, nil
}

func (c *Client) Logout() error {
	if err := c.call(http.MethodPost, "/api/auth/logout", nil, nil); err != nil {
		return err
	}
	c.Token = ""
	c.TokenExp = time.Time{}
	return nil
}

func (c *Client) Me() (*Identity, error) {
	var result struct {
		Identity Identity `json:"identity"`
	}
	if err := c.call(http.MethodGet, "/api/me", nil, &result); err != nil {
		return nil, err
	}
	return &result.Identity, nil
}

// CreatePost signs title|body|timestamp with creds and submits the post.
// Title and body are trimmed first since the server verifies the trimmed
// values.
func (c *Client) CreatePost(creds *Credentials, in PostInput) (*Post, error) {
	title := strings.TrimSpace(in.Title)
	body := strings.TrimSpace(in.Body)
	timestamp := in.Timestamp
	if timestamp == "" {
		timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	signature, err := creds.Sign(content.CanonicalMessage(title, body, timestamp))
	if err != nil {
		return nil, err
	}
	var result struct {
		Post Post `json:"post"`
	}
	err = c.call(http.MethodPost, "/api/posts", map[string]any{
		"title":     title,
		"body":      body,
		"excerpt":   in.Excerpt,
		"author":    in.Author,
		"published": in.Published,
		"timestamp": timestamp,
		"signature": signature,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result.Post, nil
}

func (c *Client) GetPost(slug string) (*Post, error) {
	var result struct {
		Post Post `json:"post"`
	}
	if err := c.call(http.MethodGet, "/api/posts/"+url.PathEscape(slug), nil, &result); err != nil {
		return nil, err
	}
	return &result.Post, nil
}

// ListPosts returns a page of posts and the cursor for the next one, zero
// on the last page.
func (c *Client) ListPosts(limit int, cursor int64) ([]Post, int64, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor > 0 {
		q.Set("cursor", fmt.Sprint(cursor))
	}
	path := "/api/posts"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var result struct {
		Posts      []Post `json:"posts"`
		NextCursor int64  `json:"next_cursor"`
	}
	if err := c.call(http.MethodGet, path, nil, &result); err != nil {
		return nil, 0, err
	}
	return result.Posts, result.NextCursor, nil
}

func (c *Client) GetIdentity(fingerprint string) (*Profile, error) {
	var result Profile
	if err := c.call(http.MethodGet, "/api/identities/"+url.PathEscape(fingerprint), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Stats() (*Stats, error) {
	var result Stats
	if err := c.call(http.MethodGet, "/api/stats", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GenerateKey asks the server for a new private key. Prefer
// GenerateCredentials, which never lets the key leave the machine.
func (c *Client) GenerateKey() (string, error) {
	resp, err := c.doRequest(http.MethodGet, "/api/keys/generate", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", decodeResponse(resp, nil)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// IsAuthenticated returns true if the client has an unexpired token.
func (c *Client) IsAuthenticated() bool {
	return c.Token != "" && time.Now().Before(c.TokenExp)
}

func (c *Client) setToken(result LoginResult) {
	c.Token = result.Token
	c.TokenExp = result.ExpiresAt
}

func (c *Client) call(method, path string, body, out any) error {
	resp, err := c.doRequest(method, path, body)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

// doRequest performs an HTTP request, authenticated when a token is held.
func (c *Client) doRequest(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return c.HTTPClient.Do(req)
}

func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Error string `json:"error"`
			Field string `json:"field"`
		}
		if json.Unmarshal(data, &payload) != nil || payload.Error == "" {
			payload.Error = strings.TrimSpace(string(data))
		}
		return &APIError{Status: resp.StatusCode, Message: payload.Error, Field: payload.Field}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// TestHelper provides helper functions for tests and seeding.
type TestHelper struct {
	BaseURL string
}

func NewTestHelper(baseURL string) *TestHelper {
	return &TestHelper{BaseURL: baseURL}
}

// CreateAuthenticatedClient generates a key and logs in with it, which
// creates the identity on the server.
func (h *TestHelper) CreateAuthenticatedClient() (*Client, *Credentials, error) {
	creds, err := GenerateCredentials()
	if err != nil {
		return nil, nil, fmt.Errorf("generate credentials: %w", err)
	}
	c := New(h.BaseURL)
	if _, err := c.Login(creds); err != nil {
		return nil, nil, fmt.Errorf("login: %w", err)
	}
	return c, creds, nil
}
