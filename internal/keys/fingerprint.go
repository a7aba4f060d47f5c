package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

const (
	FingerprintLen      = sha256.Size * 2
	ShortFingerprintLen = 16
)

// Fingerprint is the lowercase hex SHA-256 of the exact bytes of the public
// key text. It is syntactic: two encodings of the same key fingerprint
// differently, so every producer must go through MarshalPublic.
func Fingerprint(publicKeyText string) string {
	sum := sha256.Sum256([]byte(publicKeyText))
	return hex.EncodeToString(sum[:])
}

func ShortFingerprint(fingerprint string) string {
	if len(fingerprint) <= ShortFingerprintLen {
		return fingerprint
	}
	return fingerprint[:ShortFingerprintLen]
}

// IsFingerprint reports whether s looks like a full fingerprint.
func IsFingerprint(s string) bool {
	if len(s) != FingerprintLen {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil && strings.ToLower(s) == s
}

// SSHAuthorizedKey renders the key in OpenSSH authorized_keys form so users
// can cross-check it against their ssh tooling.
func SSHAuthorizedKey(publicKeyText string) (string, error) {
	pub, err := sshPublicKey(publicKeyText)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub))), nil
}

// SSHFingerprint is the "SHA256:..." form printed by ssh-keygen -l.
func SSHFingerprint(publicKeyText string) (string, error) {
	pub, err := sshPublicKey(publicKeyText)
	if err != nil {
		return "", err
	}
	return ssh.FingerprintSHA256(pub), nil
}

func sshPublicKey(publicKeyText string) (ssh.PublicKey, error) {
	key, err := ParsePublic(publicKeyText)
	if err != nil {
		return nil, err
	}
	pub, err := ssh.NewPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	return pub, nil
}
