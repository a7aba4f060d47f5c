// Package keys holds the key material primitives: RSA key generation, PEM
// encoding, public key fingerprints and PKCS#1 v1.5 signatures.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
)

const (
	// DefaultBits is the modulus size used for generated keys.
	DefaultBits = 2048
	// MinBits is the smallest modulus accepted anywhere in the system.
	MinBits = 2048

	privatePEMType    = "PRIVATE KEY"
	rsaPrivatePEMType = "RSA PRIVATE KEY"
	publicPEMType     = "PUBLIC KEY"
	rsaPublicPEMType  = "RSA PUBLIC KEY"
)

var (
	ErrMalformedKey = errors.New("malformed key")
	ErrKeyTooSmall  = errors.New("key too small")
)

// KeyPair is only ever held in memory at generation time.
type KeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

func Generate() (KeyPair, error) {
	return GenerateFrom(rand.Reader, DefaultBits)
}

func GenerateFrom(random io.Reader, bits int) (KeyPair, error) {
	if bits < MinBits {
		return KeyPair{}, fmt.Errorf("%w: %d bits", ErrKeyTooSmall, bits)
	}
	priv, err := rsa.GenerateKey(random, bits)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate rsa key: %w", err)
	}
	return KeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

// GeneratePEM returns a fresh pair already armored as PKCS#8 / SPKI PEM.
func GeneratePEM() (privatePEM, publicPEM string, err error) {
	kp, err := Generate()
	if err != nil {
		return "", "", err
	}
	if privatePEM, err = MarshalPrivate(kp.Private); err != nil {
		return "", "", err
	}
	if publicPEM, err = MarshalPublic(kp.Public); err != nil {
		return "", "", err
	}
	return privatePEM, publicPEM, nil
}

// MarshalPrivate encodes the key as an unencrypted PKCS#8 "PRIVATE KEY" block.
func MarshalPrivate(key *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: privatePEMType, Bytes: der})), nil
}

// MarshalPublic encodes the key as a SubjectPublicKeyInfo "PUBLIC KEY" block.
// The output is the canonical serialization that fingerprints are taken over.
func MarshalPublic(key *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: publicPEMType, Bytes: der})), nil
}

// ParsePrivate accepts PKCS#8 and legacy PKCS#1 RSA private keys.
func ParsePrivate(text string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(text))
	if block == nil {
		return nil, fmt.Errorf("%w: no pem block", ErrMalformedKey)
	}
	var key *rsa.PrivateKey
	switch block.Type {
	case privatePEMType:
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an rsa key", ErrMalformedKey)
		}
		key = rsaKey
	case rsaPrivatePEMType:
		parsed, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
		}
		key = parsed
	default:
		return nil, fmt.Errorf("%w: unexpected pem type %q", ErrMalformedKey, block.Type)
	}
	if err := checkSize(&key.PublicKey); err != nil {
		return nil, err
	}
	return key, nil
}

// ParsePublic accepts SPKI and PKCS#1 RSA public keys.
func ParsePublic(text string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(text))
	if block == nil {
		return nil, fmt.Errorf("%w: no pem block", ErrMalformedKey)
	}
	var key *rsa.PublicKey
	switch block.Type {
	case publicPEMType:
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
		}
		rsaKey, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an rsa key", ErrMalformedKey)
		}
		key = rsaKey
	case rsaPublicPEMType:
		parsed, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
		}
		key = parsed
	default:
		return nil, fmt.Errorf("%w: unexpected pem type %q", ErrMalformedKey, block.Type)
	}
	if err := checkSize(key); err != nil {
		return nil, err
	}
	return key, nil
}

// DerivePublic returns the canonical public PEM for a private key PEM.
func DerivePublic(privateText string) (string, error) {
	key, err := ParsePrivate(privateText)
	if err != nil {
		return "", err
	}
	return MarshalPublic(&key.PublicKey)
}

func checkSize(key *rsa.PublicKey) error {
	if key.N == nil || key.N.BitLen() < MinBits {
		return fmt.Errorf("%w: %w", ErrMalformedKey, ErrKeyTooSmall)
	}
	return nil
}
