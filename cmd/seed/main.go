package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/alphabot-ai/keypost/internal/client"
	"github.com/alphabot-ai/keypost/internal/logging"
)

var authors = []string{"Ada", "Grace", "Linus", "Barbara", "Ken"}

var posts = []struct {
	title   string
	excerpt string
	body    string
}{
	{"Hello from my key", "A first post.", "This blog has no passwords. The key I post with is the account."},
	{"Why sign posts at all", "Signatures as provenance.", "Anyone can check that this text is exactly what its author signed."},
	{"Rotating keys is a new identity", "On fingerprints.", "The fingerprint is a hash of the public key, so a new key means a new identity."},
	{"Notes on challenge-response", "Single use, short lived.", "Each challenge is bound to a session and consumed on the first login attempt."},
	{"What happens when you go quiet", "Inactivity sweeps.", "Identities that stop logging in are removed after sixty days. Their posts remain."},
	{"Drafts stay private", "", "Unpublished posts are only visible to the key that wrote them."},
	{"Reading PEM by hand", "Base64 all the way down.", "A PEM block is base64 DER between two armour lines."},
	{"Canonical messages", "Title, body, timestamp.", "The signed message is the title, body and timestamp joined by a pipe."},
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Keypost server URL")
	flag.Parse()

	logger := logging.New(logging.Config{Level: "info"})
	logger.Info("seeding", "url", *baseURL)

	helper := client.NewTestHelper(*baseURL)
	type author struct {
		name   string
		client *client.Client
		creds  *client.Credentials
	}
	var writers []author
	for i, name := range authors {
		var (
			c     *client.Client
			creds *client.Credentials
			err   error
		)
		// Exercise both login paths.
		if i%2 == 0 {
			c, creds, err = helper.CreateAuthenticatedClient()
		} else {
			creds, err = client.GenerateCredentials()
			if err == nil {
				c = client.New(*baseURL)
				_, err = c.LoginWithKeyFile(creds.PrivateKey)
			}
		}
		if err != nil {
			logger.Error("create identity", "author", name, "error", err)
			os.Exit(1)
		}
		logger.Info("identity created", "author", name, "fingerprint", creds.Fingerprint()[:16])
		writers = append(writers, author{name: name, client: c, creds: creds})
	}

	created := 0
	for _, p := range posts {
		w := writers[rand.Intn(len(writers))]
		post, err := w.client.CreatePost(w.creds, client.PostInput{
			Title:     p.title,
			Body:      p.body,
			Excerpt:   p.excerpt,
			Author:    w.name,
			Published: rand.Float32() < 0.8,
		})
		if err != nil {
			logger.Warn("post failed", "title", p.title, "error", err)
			continue
		}
		created++
		logger.Info("posted", "slug", post.Slug, "author", w.name, "published", post.Published)
		time.Sleep(20 * time.Millisecond)
	}

	stats, err := client.New(*baseURL).Stats()
	if err != nil {
		logger.Error("stats", "error", err)
		os.Exit(1)
	}

	fmt.Println("\n=== Seed Complete ===")
	fmt.Printf("Identities: %d\n", stats.Identities)
	fmt.Printf("Posts:      %d (%d created now)\n", stats.Posts, created)
	fmt.Println("\nView at:", *baseURL+"/api/posts")
}
