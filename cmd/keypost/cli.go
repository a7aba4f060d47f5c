package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/alphabot-ai/keypost/internal/client"
	"github.com/alphabot-ai/keypost/internal/keys"
)

const defaultBaseURL = "http://localhost:8080"

// CLIConfig holds the client state persisted between commands. The private
// key stays in its own file; only the path is recorded.
type CLIConfig struct {
	BaseURL  string `json:"base_url"`
	KeyPath  string `json:"key_path"`
	Token    string `json:"token"`
	TokenExp string `json:"token_expires"`
}

func cmdKeygen(args []string) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	out := fs.String("out", defaultKeyPath(), "Where to write the private key")
	force := fs.Bool("force", false, "Overwrite an existing key file")
	fs.Parse(args)

	if _, err := os.Stat(*out); err == nil && !*force {
		fatalf("%s already exists, use --force to overwrite", *out)
	}
	creds, err := client.GenerateCredentials()
	if err != nil {
		fatalf("generating key: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(*out), 0o700); err != nil {
		fatalf("%v", err)
	}
	if err := os.WriteFile(*out, []byte(creds.PrivateKey), 0o600); err != nil {
		fatalf("writing key: %v", err)
	}

	fmt.Printf("%s Private key written to %s\n", okMark, *out)
	fmt.Printf("  Fingerprint: %s\n", creds.Fingerprint())
	fmt.Println(color.YellowString("  Keep this file safe. It is your only way to log in."))
}

func cmdPubkey(args []string) {
	fs := flag.NewFlagSet("pubkey", flag.ExitOnError)
	keyPath := fs.String("key", defaultKeyPath(), "Private key file")
	ssh := fs.Bool("ssh", false, "Print in OpenSSH authorized_keys form")
	fs.Parse(args)

	creds := mustLoadCredentials(*keyPath)
	if *ssh {
		line, err := keys.SSHAuthorizedKey(creds.PublicKey)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Println(line)
		return
	}
	fmt.Print(creds.PublicKey)
}

func cmdFingerprint(args []string) {
	fs := flag.NewFlagSet("fingerprint", flag.ExitOnError)
	keyPath := fs.String("key", defaultKeyPath(), "Private key file")
	fs.Parse(args)

	creds := mustLoadCredentials(*keyPath)
	fmt.Println(creds.Fingerprint())
	if sshFP, err := keys.SSHFingerprint(creds.PublicKey); err == nil {
		fmt.Printf("  ssh: %s\n", sshFP)
	}
}

func cmdLogin(args []string) {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	url := fs.String("url", "", "Keypost server URL")
	keyPath := fs.String("key", "", "Private key file")
	upload := fs.Bool("upload", false, "Send the key file and let the server sign")
	fs.Parse(args)

	cfg, _ := loadCLIConfig()
	if *url != "" {
		cfg.BaseURL = strings.TrimSuffix(*url, "/")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if *keyPath != "" {
		cfg.KeyPath = *keyPath
	}
	if cfg.KeyPath == "" {
		cfg.KeyPath = defaultKeyPath()
	}

	creds := mustLoadCredentials(cfg.KeyPath)
	c := client.New(cfg.BaseURL)
	var (
		result *client.LoginResult
		err    error
	)
	if *upload {
		result, err = c.LoginWithKeyFile(creds.PrivateKey)
	} else {
		result, err = c.Login(creds)
	}
	if err != nil {
		fatalf("%v", err)
	}

	cfg.Token = result.Token
	cfg.TokenExp = result.ExpiresAt.Format(time.RFC3339)
	if err := saveCLIConfig(cfg); err != nil {
		fatalf("saving config: %v", err)
	}

	if result.Outcome == "create_and_login" {
		fmt.Printf("%s Created identity %s\n", okMark, result.Identity.Fingerprint)
	} else {
		fmt.Printf("%s Logged in as %s\n", okMark, result.Identity.Fingerprint)
	}
	fmt.Printf("  Expires: %s\n", cfg.TokenExp)
}

func cmdLogout(args []string) {
	cfg, err := loadCLIConfig()
	if err != nil {
		fmt.Println("Not logged in")
		return
	}
	if cfg.Token != "" {
		c := client.New(cfg.BaseURL)
		c.Token = cfg.Token
		_ = c.Logout()
	}
	cfg.Token = ""
	cfg.TokenExp = ""
	if err := saveCLIConfig(cfg); err != nil {
		fatalf("saving config: %v", err)
	}
	fmt.Printf("%s Logged out\n", okMark)
}

func cmdPost(args []string) {
	fs := flag.NewFlagSet("post", flag.ExitOnError)
	title := fs.String("title", "", "Post title (required)")
	body := fs.String("body", "", "Post body")
	bodyFile := fs.String("body-file", "", "Read the body from a file")
	excerpt := fs.String("excerpt", "", "Short summary")
	author := fs.String("author", "", "Display name shown on the post")
	publish := fs.Bool("publish", false, "Publish immediately instead of saving a draft")
	fs.Parse(args)

	if *bodyFile != "" {
		data, err := os.ReadFile(*bodyFile)
		if err != nil {
			fatalf("%v", err)
		}
		*body = string(data)
	}
	if strings.TrimSpace(*title) == "" || strings.TrimSpace(*body) == "" {
		fatalf("--title and --body (or --body-file) are required")
	}

	cfg, c, err := loadAuthenticatedClient()
	if err != nil {
		fatalf("%v", err)
	}
	creds := mustLoadCredentials(cfg.KeyPath)

	post, err := c.CreatePost(creds, client.PostInput{
		Title:     *title,
		Body:      *body,
		Excerpt:   *excerpt,
		Author:    *author,
		Published: *publish,
	})
	if err != nil {
		fatalf("%v", err)
	}

	state := "draft"
	if post.Published {
		state = "published"
	}
	fmt.Printf("%s Signed and saved %s: %s\n", okMark, state, post.Title)
	fmt.Printf("  Slug: %s\n", post.Slug)
}

func cmdRead(args []string) {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	slug := fs.String("slug", "", "Read a single post")
	limit := fs.Int("limit", 10, "Number of posts")
	cursor := fs.Int64("cursor", 0, "Continue from a previous page")
	url := fs.String("url", "", "Keypost server URL")
	fs.Parse(args)

	cfg, _ := loadCLIConfig()
	if *url != "" {
		cfg.BaseURL = *url
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	c := client.New(cfg.BaseURL)
	c.Token = cfg.Token

	if *slug != "" {
		post, err := c.GetPost(*slug)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("\n%s\n", color.New(color.Bold).Sprint(post.Title))
		fmt.Printf("  by %s (%s) %s\n", post.Author, keys.ShortFingerprint(post.AuthorFingerprint), signatureBadge(post.SignatureValid))
		fmt.Printf("\n%s\n", post.Body)
		return
	}

	posts, next, err := c.ListPosts(*limit, *cursor)
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Println()
	for i, p := range posts {
		fmt.Printf("%d. %s %s\n", i+1, p.Title, signatureBadge(p.SignatureValid))
		fmt.Printf("   %s | %s | %s\n\n", p.Slug, p.Author, p.CreatedAt.Format("2006-01-02"))
	}
	if next != 0 {
		fmt.Printf("More: keypost read --cursor %d\n", next)
	}
}

func cmdWhoami(args []string) {
	cfg, c, err := loadAuthenticatedClient()
	if err != nil {
		fmt.Println("Status: Not logged in")
		fmt.Println("\nRun: keypost login --key <private_key.pem>")
		return
	}
	me, err := c.Me()
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("Identity: %s\n", me.Fingerprint)
	fmt.Printf("Server:   %s\n", cfg.BaseURL)
	fmt.Printf("Key:      %s\n", cfg.KeyPath)
	if me.SSHFingerprint != "" {
		fmt.Printf("SSH:      %s\n", me.SSHFingerprint)
	}
	fmt.Printf("Token:    valid until %s\n", cfg.TokenExp)
}

func signatureBadge(valid bool) string {
	if valid {
		return color.GreenString("[signed]")
	}
	return color.RedString("[signature invalid]")
}

func mustLoadCredentials(path string) *client.Credentials {
	data, err := os.ReadFile(path)
	if err != nil {
		fatalf("reading key: %v", err)
	}
	creds, err := client.LoadCredentials(string(data))
	if err != nil {
		fatalf("loading key %s: %v", path, err)
	}
	return creds
}

func keypostDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".keypost")
}

func defaultKeyPath() string {
	return filepath.Join(keypostDir(), "private_key.pem")
}

func cliConfigPath() string {
	return filepath.Join(keypostDir(), "config.json")
}

func loadCLIConfig() (CLIConfig, error) {
	data, err := os.ReadFile(cliConfigPath())
	if err != nil {
		return CLIConfig{}, errors.New("not initialized")
	}
	var cfg CLIConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return CLIConfig{}, err
	}
	return cfg, nil
}

func saveCLIConfig(cfg CLIConfig) error {
	path := cliConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, _ := json.MarshalIndent(cfg, "", "  ")
	return os.WriteFile(path, data, 0o600)
}

func loadAuthenticatedClient() (CLIConfig, *client.Client, error) {
	cfg, err := loadCLIConfig()
	if err != nil {
		return CLIConfig{}, nil, err
	}
	if cfg.Token == "" {
		return CLIConfig{}, nil, errors.New("not logged in - run 'keypost login'")
	}
	exp, _ := time.Parse(time.RFC3339, cfg.TokenExp)
	if time.Now().After(exp) {
		return CLIConfig{}, nil, errors.New("session expired - run 'keypost login'")
	}

	c := client.New(cfg.BaseURL)
	c.Token = cfg.Token
	c.TokenExp = exp
	return cfg, c, nil
}
