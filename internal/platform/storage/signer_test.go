package storage

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
)

func serviceAccountJSON(t *testing.T, key *rsa.PrivateKey, credType string) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	data, err := json.Marshal(map[string]string{
		"type":           credType,
		"project_id":     "freshstl-dev",
		"private_key_id": "key-1",
		"private_key":    string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
		"client_email":   "downloads@freshstl-dev.iam.gserviceaccount.com",
		"token_uri":      "https://oauth2.googleapis.com/token",
	})
	if err != nil {
		t.Fatalf("marshal json: %v", err)
	}
	return data
}

func TestKeyFileSignerSignsVerifiably(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "sa.json")
	if err := os.WriteFile(path, serviceAccountJSON(t, key, "service_account"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}

	signer, err := NewKeyFileSignerFromFile(path)
	if err != nil {
		t.Fatalf("NewKeyFileSignerFromFile: %v", err)
	}
	if signer.Email() != "downloads@freshstl-dev.iam.gserviceaccount.com" || signer.KeyID() != "key-1" {
		t.Fatalf("unexpected identity %s/%s", signer.Email(), signer.KeyID())
	}

	payload := []byte("GOOG4-RSA-SHA256\n20250101T120000Z")
	sig, err := signer.SignBytes(context.Background(), payload)
	if err != nil {
		t.Fatalf("SignBytes: %v", err)
	}
	digest := sha256.Sum256(payload)
	if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], sig); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}
}

func TestKeyFileSignerRejectsOtherCredentialTypes(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if _, err := NewKeyFileSignerFromJSON(serviceAccountJSON(t, key, "authorized_user")); err == nil {
		t.Fatal("expected authorized_user credentials to be rejected")
	}
	if _, err := NewKeyFileSignerFromJSON(nil); err == nil {
		t.Fatal("expected empty key to be rejected")
	}
}

func TestKeyFileSignerHonoursCancelledContext(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := NewKeyFileSignerFromJSON(serviceAccountJSON(t, key, "service_account"))
	if err != nil {
		t.Fatalf("NewKeyFileSignerFromJSON: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := signer.SignBytes(ctx, []byte("payload")); err == nil {
		t.Fatal("expected cancelled context error")
	}
}
