package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type stubUserCreator struct {
	uid   string
	err   error
	calls int
	name  string
}

func (s *stubUserCreator) CreateUser(_ context.Context, _, _, displayName string) (string, error) {
	s.calls++
	s.name = displayName
	return s.uid, s.err
}

type stubPasswordSigner struct {
	session Session
	err     error
	email   string
}

func (s *stubPasswordSigner) VerifyPassword(_ context.Context, email, _ string) (Session, error) {
	s.email = email
	return s.session, s.err
}

func TestAccountClientRegisterSignsIn(t *testing.T) {
	users := &stubUserCreator{uid: "uid-new"}
	signer := &stubPasswordSigner{session: Session{Email: "new@freshstl.example", IDToken: "id-token"}}
	client := NewAccountClient(users, signer)

	session, err := client.Register(context.Background(), " new@freshstl.example ", "hunter22", "New Maker")
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if session.UID != "uid-new" || session.IDToken != "id-token" {
		t.Fatalf("unexpected session %+v", session)
	}
	if users.name != "New Maker" || signer.email != "new@freshstl.example" {
		t.Fatalf("expected trimmed email and display name, got %q/%q", signer.email, users.name)
	}
}

func TestAccountClientRegisterExistingEmail(t *testing.T) {
	users := &stubUserCreator{err: ErrEmailExists}
	signer := &stubPasswordSigner{}
	_, err := NewAccountClient(users, signer).Register(context.Background(), "dup@freshstl.example", "pw123456", "Dup")
	if !errors.Is(err, ErrEmailExists) {
		t.Fatalf("expected ErrEmailExists, got %v", err)
	}
	if signer.email != "" {
		t.Fatalf("sign-in should not run after failed registration")
	}
}

func TestAccountClientLoginPropagatesInvalidCredentials(t *testing.T) {
	signer := &stubPasswordSigner{err: ErrInvalidCredentials}
	_, err := NewAccountClient(nil, signer).Login(context.Background(), "a@b.example", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestIdentityToolkitSignerWithoutKey(t *testing.T) {
	signer, err := NewIdentityToolkitSigner(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := signer.VerifyPassword(context.Background(), "a@b.example", "pw"); !errors.Is(err, ErrSignInUnavailable) {
		t.Fatalf("expected ErrSignInUnavailable, got %v", err)
	}
}

func TestIsRejection(t *testing.T) {
	for _, err := range []error{ErrInvalidCredentials, ErrEmailExists, ErrWeakPassword, fmt.Errorf("register: %w", ErrEmailExists)} {
		if !IsRejection(err) {
			t.Fatalf("expected %v to be a rejection", err)
		}
	}
	for _, err := range []error{nil, ErrSignInUnavailable, errors.New("verify password: googleapi: Error 503")} {
		if IsRejection(err) {
			t.Fatalf("expected %v not to be a rejection", err)
		}
	}
}
