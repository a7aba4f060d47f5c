package client

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphabot-ai/keypost/internal/content"
	"github.com/alphabot-ai/keypost/internal/keys"
)

var (
	credsOnce sync.Once
	shared    *Credentials
	sharedErr error
)

func testCredentials(t *testing.T) *Credentials {
	t.Helper()
	credsOnce.Do(func() { shared, sharedErr = GenerateCredentials() })
	require.NoError(t, sharedErr)
	return shared
}

func TestGenerateCredentials(t *testing.T) {
	creds := testCredentials(t)
	assert.Contains(t, creds.PrivateKey, "BEGIN PRIVATE KEY")
	assert.Contains(t, creds.PublicKey, "BEGIN PUBLIC KEY")
	assert.Equal(t, keys.Fingerprint(creds.PublicKey), creds.Fingerprint())

	derived, err := keys.DerivePublic(creds.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, creds.PublicKey, derived)
}

func TestLoadCredentials(t *testing.T) {
	creds := testCredentials(t)
	loaded, err := LoadCredentials(creds.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, creds.Fingerprint(), loaded.Fingerprint())

	_, err = LoadCredentials("not a key")
	assert.Error(t, err)
}

func TestCredentialsSign(t *testing.T) {
	creds := testCredentials(t)
	sig, err := creds.Sign("challenge")
	require.NoError(t, err)
	assert.True(t, keys.Verify(creds.PublicKey, []byte("challenge"), sig))
	assert.False(t, keys.Verify(creds.PublicKey, []byte("other"), sig))
}

func TestClientNew(t *testing.T) {
	c := New("http://localhost:8080/")
	assert.Equal(t, "http://localhost:8080", c.BaseURL)
	assert.NotNil(t, c.HTTPClient.Jar)
	assert.False(t, c.IsAuthenticated())
}

func TestAPIError(t *testing.T) {
	err := error(&APIError{Status: http.StatusUnauthorized, Message: "invalid key or signature"})
	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.Equal(t, "401: invalid key or signature", err.Error())

	err = &APIError{Status: http.StatusBadRequest, Message: "title is required", Field: "title"}
	assert.False(t, errors.Is(err, ErrUnauthorized))
	assert.Contains(t, err.Error(), "(title)")
}

// TestCreatePostSignsTrimmedCanonicalMessage checks the request against a
// stub server rather than the real one.
func TestCreatePostSignsTrimmedCanonicalMessage(t *testing.T) {
	creds := testCredentials(t)
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/posts", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"post":{"id":1,"slug":"t","signature_valid":true}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.Token = "tok"
	post, err := c.CreatePost(creds, PostInput{Title: " T ", Body: "\nB\n", Timestamp: "2024-01-01T00:00:00Z"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, post.ID)

	assert.Equal(t, "T", got["title"])
	assert.Equal(t, "B", got["body"])
	assert.Equal(t, "2024-01-01T00:00:00Z", got["timestamp"])
	sig, _ := got["signature"].(string)
	assert.True(t, keys.Verify(creds.PublicKey, []byte(content.CanonicalMessage("T", "B", "2024-01-01T00:00:00Z")), sig))
}

func TestCreatePostDefaultsTimestamp(t *testing.T) {
	creds := testCredentials(t)
	var ts string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		ts, _ = body["timestamp"].(string)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"post":{}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).CreatePost(creds, PostInput{Title: "T", Body: "B"})
	require.NoError(t, err)
	parsed, err := time.Parse(time.RFC3339, ts)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), parsed, time.Minute)
}

func TestErrorResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/posts/missing":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found"}`))
		case "/api/keys/generate":
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("slow down"))
		default:
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"authentication required"}`))
		}
	}))
	defer srv.Close()
	c := New(srv.URL)

	_, err := c.GetPost("missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "not found", apiErr.Message)

	_, err = c.GenerateKey()
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "slow down", apiErr.Message)

	_, err = c.Me()
	assert.ErrorIs(t, err, ErrUnauthorized)
}
