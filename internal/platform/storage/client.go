package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

const (
	maxDownloadExpiry  = 15 * time.Minute
	defaultContentType = "application/zip"
)

var (
	errNoSigner      = errors.New("storage: signer or storage client is required")
	errInvalidBucket = errors.New("storage: bucket name is required")
	errInvalidObject = errors.New("storage: object name is required")
	errExpiryTooLong = errors.New("storage: expiry exceeds permitted maximum")
	errNoAccessIDIAM = errors.New("storage: signer email is required for IAM signing")
)

// Client generates V4 signed download URLs for purchased model files.
type Client struct {
	signer   Signer
	gcs      *storage.Client
	accessID string
	now      func() time.Time
}

// ClientOption customises client behaviour.
type ClientOption func(*Client)

// WithSigner signs URLs locally with a service account key.
func WithSigner(signer Signer) ClientOption {
	return func(c *Client) { c.signer = signer }
}

// WithGCSClient signs URLs through the IAM signBlob API as accessID.
func WithGCSClient(client *storage.Client, accessID string) ClientOption {
	return func(c *Client) {
		c.gcs = client
		c.accessID = strings.TrimSpace(accessID)
	}
}

// WithClock injects a custom clock.
func WithClock(clock func() time.Time) ClientOption {
	return func(c *Client) {
		if clock != nil {
			c.now = clock
		}
	}
}

// NewClient constructs a signed URL client. Either WithSigner or WithGCSClient is required.
func NewClient(opts ...ClientOption) (*Client, error) {
	client := &Client{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	switch {
	case client.signer != nil && strings.TrimSpace(client.signer.Email()) != "":
	case client.gcs != nil:
		if client.accessID == "" {
			return nil, errNoAccessIDIAM
		}
	default:
		return nil, errNoSigner
	}
	return client, nil
}

// DownloadOptions control the response the signed URL produces.
type DownloadOptions struct {
	ExpiresIn   time.Duration
	FileName    string
	ContentType string
}

// SignedURL describes a generated URL.
type SignedURL struct {
	URL       string
	ExpiresAt time.Time
}

// DownloadURL signs a GET URL for bucket/object. The file is served as an attachment named FileName.
func (c *Client) DownloadURL(ctx context.Context, bucket, object string, opts DownloadOptions) (SignedURL, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return SignedURL{}, errInvalidBucket
	}
	object = strings.TrimPrefix(strings.TrimSpace(object), "/")
	if object == "" {
		return SignedURL{}, errInvalidObject
	}
	expiry := opts.ExpiresIn
	if expiry <= 0 {
		expiry = maxDownloadExpiry
	}
	if expiry > maxDownloadExpiry {
		return SignedURL{}, errExpiryTooLong
	}

	query := url.Values{}
	if name := strings.TrimSpace(opts.FileName); name != "" {
		query.Set("response-content-disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	query.Set("response-content-type", contentType)

	expiresAt := c.now().Add(expiry)
	urlOpts := &storage.SignedURLOptions{
		Method:          http.MethodGet,
		Expires:         expiresAt,
		Scheme:          storage.SigningSchemeV4,
		QueryParameters: query,
	}

	var (
		signed string
		err    error
	)
	if c.signer != nil {
		urlOpts.GoogleAccessID = c.signer.Email()
		urlOpts.SignBytes = func(payload []byte) ([]byte, error) {
			return c.signer.SignBytes(ctx, payload)
		}
		signed, err = storage.SignedURL(bucket, object, urlOpts)
	} else {
		urlOpts.GoogleAccessID = c.accessID
		signed, err = c.gcs.Bucket(bucket).SignedURL(object, urlOpts)
	}
	if err != nil {
		return SignedURL{}, fmt.Errorf("storage: sign download url: %w", err)
	}
	return SignedURL{URL: signed, ExpiresAt: expiresAt}, nil
}
