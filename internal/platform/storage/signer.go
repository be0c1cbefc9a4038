package storage

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/oauth2/google"
)

// Signer signs V4 URL payloads locally. Without one, the client falls back to the IAM signBlob
// API through the Cloud Storage client.
type Signer interface {
	Email() string
	SignBytes(ctx context.Context, payload []byte) ([]byte, error)
}

// KeyFileSigner signs download URLs with a service account key file. Production uses IAM instead.
type KeyFileSigner struct {
	email string
	keyID string
	key   *rsa.PrivateKey
}

// NewKeyFileSignerFromJSON parses a service account key. Other credential types are rejected.
func NewKeyFileSignerFromJSON(data []byte) (*KeyFileSigner, error) {
	if len(data) == 0 {
		return nil, errors.New("storage: service account key is empty")
	}
	cfg, err := google.JWTConfigFromJSON(data)
	if err != nil {
		return nil, fmt.Errorf("storage: service account key: %w", err)
	}
	if cfg.Email == "" {
		return nil, errors.New("storage: service account key has no client_email")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("storage: service account private key: %w", err)
	}
	return &KeyFileSigner{email: cfg.Email, keyID: cfg.PrivateKeyID, key: key}, nil
}

// NewKeyFileSignerFromFile reads the key from disk.
func NewKeyFileSignerFromFile(path string) (*KeyFileSigner, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storage: read service account key: %w", err)
	}
	return NewKeyFileSignerFromJSON(contents)
}

func (s *KeyFileSigner) Email() string { return s.email }

// KeyID is the private_key_id of the key file, logged at startup to identify rotated keys.
func (s *KeyFileSigner) KeyID() string { return s.keyID }

// SignBytes returns an RSASSA-PKCS1-v1_5 SHA-256 signature, the scheme GCS V4 signing expects.
func (s *KeyFileSigner) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, errors.New("storage: signer not initialised")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("storage: sign payload: %w", err)
	}
	return sig, nil
}
