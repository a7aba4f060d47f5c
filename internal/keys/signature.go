package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Signatures are RSASSA-PKCS1-v1_5 over SHA-256, the pairing produced by
// jsrsasign's SHA256withRSA on the browser side. It does not vary per call.
const SignatureHash = crypto.SHA256

var (
	ErrMalformedSignature = errors.New("malformed signature")
	ErrInvalidSignature   = errors.New("invalid signature")
)

func Sign(privateKeyText string, message []byte) (string, error) {
	key, err := ParsePrivate(privateKeyText)
	if err != nil {
		return "", err
	}
	return SignWithKey(key, message)
}

func SignWithKey(key *rsa.PrivateKey, message []byte) (string, error) {
	h := sha256.Sum256(message)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, SignatureHash, h[:])
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Check verifies the signature and says why it failed: ErrMalformedKey,
// ErrMalformedSignature or ErrInvalidSignature. Callers facing the network
// must use Verify instead so the reason never reaches the client.
func Check(publicKeyText string, message []byte, signatureB64 string) error {
	key, err := ParsePublic(publicKeyText)
	if err != nil {
		return err
	}
	sig, err := decodeSignature(signatureB64)
	if err != nil {
		return err
	}
	h := sha256.Sum256(message)
	if err := rsa.VerifyPKCS1v15(key, SignatureHash, h[:], sig); err != nil {
		return ErrInvalidSignature
	}
	return nil
}

// Verify collapses every failure of Check into false.
func Verify(publicKeyText string, message []byte, signatureB64 string) bool {
	return Check(publicKeyText, message, signatureB64) == nil
}

func decodeSignature(input string) ([]byte, error) {
	clean := strings.TrimSpace(input)
	if clean == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformedSignature)
	}
	if b, err := base64.StdEncoding.DecodeString(clean); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(clean); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("%w: not base64", ErrMalformedSignature)
}
