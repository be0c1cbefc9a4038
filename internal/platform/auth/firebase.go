package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/googleapi"
	identitytoolkit "google.golang.org/api/identitytoolkit/v3"
	"google.golang.org/api/option"

	"github.com/freshstl/storefront/internal/platform/config"
)

var (
	// ErrInvalidCredentials is returned when the email/password pair is rejected.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrEmailExists is returned when registering an email that already has an account.
	ErrEmailExists = errors.New("auth: email already registered")
	// ErrWeakPassword is returned when a registration password is below the provider minimum.
	ErrWeakPassword = errors.New("auth: password must be at least 6 characters")
	// ErrSignInUnavailable is returned when password sign-in is not configured.
	ErrSignInUnavailable = errors.New("auth: password sign-in not configured")
)

const minPasswordLength = 6

// IsRejection reports whether err means the customer's credentials were refused, as opposed to the
// identity provider being unreachable or misconfigured.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrEmailExists) || errors.Is(err, ErrWeakPassword)
}

// FirebaseApp owns the Admin SDK auth client shared by token verification and account management.
type FirebaseApp struct {
	client  *firebaseauth.Client
	timeout time.Duration
}

// NewFirebaseApp initialises the Firebase Admin SDK auth client.
func NewFirebaseApp(ctx context.Context, cfg config.FirebaseConfig) (*FirebaseApp, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firebase project id is required")
	}
	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase auth client: %w", err)
	}
	return &FirebaseApp{client: client, timeout: defaultVerifyTimeout}, nil
}

// VerifyIDToken forwards verification to the Admin SDK using a bounded context.
func (f *FirebaseApp) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	if f == nil || f.client == nil {
		return nil, errors.New("firebase app not initialised")
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return f.client.VerifyIDToken(ctx, idToken)
}

// CreateUser registers a new email/password account.
func (f *FirebaseApp) CreateUser(ctx context.Context, email, password, displayName string) (string, error) {
	if f == nil || f.client == nil {
		return "", errors.New("firebase app not initialised")
	}
	if len(password) < minPasswordLength {
		return "", ErrWeakPassword
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	params := (&firebaseauth.UserToCreate{}).Email(email).Password(password)
	if name := strings.TrimSpace(displayName); name != "" {
		params = params.DisplayName(name)
	}
	record, err := f.client.CreateUser(ctx, params)
	if err != nil {
		if firebaseauth.IsEmailAlreadyExists(err) {
			return "", ErrEmailExists
		}
		return "", fmt.Errorf("create user: %w", err)
	}
	return record.UID, nil
}

// Session is the outcome of a successful password sign-in.
type Session struct {
	UID     string
	Email   string
	IDToken string
}

// PasswordSigner exchanges an email/password pair for an ID token.
type PasswordSigner interface {
	VerifyPassword(ctx context.Context, email, password string) (Session, error)
}

// UserCreator registers email/password accounts.
type UserCreator interface {
	CreateUser(ctx context.Context, email, password, displayName string) (string, error)
}

// IdentityToolkitSigner signs customers in through the Identity Toolkit REST API with the project web API key.
type IdentityToolkitSigner struct {
	service *identitytoolkit.Service
}

// NewIdentityToolkitSigner builds a signer. An empty web API key yields a signer that always fails.
func NewIdentityToolkitSigner(ctx context.Context, webAPIKey string, opts ...option.ClientOption) (*IdentityToolkitSigner, error) {
	if strings.TrimSpace(webAPIKey) == "" {
		return &IdentityToolkitSigner{}, nil
	}
	opts = append([]option.ClientOption{option.WithAPIKey(webAPIKey)}, opts...)
	service, err := identitytoolkit.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialise identity toolkit: %w", err)
	}
	return &IdentityToolkitSigner{service: service}, nil
}

// VerifyPassword implements PasswordSigner.
func (s *IdentityToolkitSigner) VerifyPassword(ctx context.Context, email, password string) (Session, error) {
	if s == nil || s.service == nil {
		return Session{}, ErrSignInUnavailable
	}
	resp, err := s.service.Relyingparty.VerifyPassword(&identitytoolkit.IdentitytoolkitRelyingpartyVerifyPasswordRequest{
		Email:             email,
		Password:          password,
		ReturnSecureToken: true,
	}).Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest {
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, fmt.Errorf("verify password: %w", err)
	}
	return Session{UID: resp.LocalId, Email: resp.Email, IDToken: resp.IdToken}, nil
}

// AccountClient performs the login and register side effects of the checkout customer step.
type AccountClient struct {
	users  UserCreator
	signer PasswordSigner
}

// NewAccountClient wires account creation and password sign-in.
func NewAccountClient(users UserCreator, signer PasswordSigner) *AccountClient {
	return &AccountClient{users: users, signer: signer}
}

// Login signs an existing customer in.
func (c *AccountClient) Login(ctx context.Context, email, password string) (Session, error) {
	if c == nil || c.signer == nil {
		return Session{}, ErrSignInUnavailable
	}
	return c.signer.VerifyPassword(ctx, strings.TrimSpace(email), password)
}

// Register creates the account then signs it in so the client receives an ID token.
func (c *AccountClient) Register(ctx context.Context, email, password, fullName string) (Session, error) {
	if c == nil || c.users == nil || c.signer == nil {
		return Session{}, ErrSignInUnavailable
	}
	email = strings.TrimSpace(email)
	uid, err := c.users.CreateUser(ctx, email, password, fullName)
	if err != nil {
		return Session{}, err
	}
	session, err := c.signer.VerifyPassword(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	if session.UID == "" {
		session.UID = uid
	}
	return session, nil
}
