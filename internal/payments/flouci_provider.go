package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	domain "github.com/freshstl/storefront/internal/domain"
)

const (
	flouciProviderName      = "flouci"
	flouciCurrency          = "TND"
	defaultFlouciBaseURL    = "https://developers.flouci.com"
	defaultFlouciSessionTTL = 20 * time.Minute
	flouciMaxResponseBytes  = 1 << 20
)

// FlouciProviderConfig configures the wallet gateway client.
type FlouciProviderConfig struct {
	BaseURL        string
	AppToken       string
	AppSecret      string
	ReturnURL      string
	SessionTimeout time.Duration
	HTTPClient     *http.Client
	Logger         Logger
	Clock          func() time.Time
	TrackingID     func() string
}

// FlouciProvider opens redirect-based wallet payments. Amounts cross the boundary in wallet units.
type FlouciProvider struct {
	baseURL    string
	appToken   string
	appSecret  string
	returnURL  string
	sessionTTL time.Duration
	http       *http.Client
	logger     Logger
	clock      func() time.Time
	trackingID func() string
}

// NewFlouciProvider constructs the wallet provider. The default HTTP client is instrumented with otelhttp.
func NewFlouciProvider(cfg FlouciProviderConfig) (*FlouciProvider, error) {
	token := strings.TrimSpace(cfg.AppToken)
	secret := strings.TrimSpace(cfg.AppSecret)
	if token == "" || secret == "" {
		return nil, fmt.Errorf("%w: flouci app token and secret are required", ErrNotConfigured)
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultFlouciBaseURL
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("flouci: invalid base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	ttl := cfg.SessionTimeout
	if ttl <= 0 {
		ttl = defaultFlouciSessionTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	tracking := cfg.TrackingID
	if tracking == nil {
		tracking = func() string { return ksuid.New().String() }
	}
	return &FlouciProvider{
		baseURL:    base,
		appToken:   token,
		appSecret:  secret,
		returnURL:  strings.TrimSpace(cfg.ReturnURL),
		sessionTTL: ttl,
		http:       httpClient,
		logger:     logger,
		clock:      clock,
		trackingID: tracking,
	}, nil
}

// Name identifies the provider.
func (p *FlouciProvider) Name() string { return flouciProviderName }

type flouciGenerateRequest struct {
	AppToken            string `json:"app_token"`
	AppSecret           string `json:"app_secret"`
	Amount              string `json:"amount"`
	AcceptCard          string `json:"accept_card"`
	SessionTimeoutSecs  int    `json:"session_timeout_secs"`
	SuccessLink         string `json:"success_link"`
	FailLink            string `json:"fail_link"`
	DeveloperTrackingID string `json:"developer_tracking_id"`
}

type flouciGenerateResponse struct {
	Result struct {
		Success   bool   `json:"success"`
		PaymentID string `json:"payment_id"`
		Link      string `json:"link"`
	} `json:"result"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type flouciVerifyResponse struct {
	Success bool `json:"success"`
	Result  struct {
		Status              string `json:"status"`
		Amount              int64  `json:"amount"`
		DeveloperTrackingID string `json:"developer_tracking_id"`
	} `json:"result"`
	Message string `json:"message"`
}

// CreateSession calls generate_payment. The storefront amount is converted to wallet units.
func (p *FlouciProvider) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	if !strings.EqualFold(req.Currency, flouciCurrency) {
		return Session{}, fmt.Errorf("%w: flouci only settles %s, got %q", ErrRejected, flouciCurrency, req.Currency)
	}
	if req.Amount <= 0 {
		return Session{}, fmt.Errorf("%w: amount must be positive", ErrRejected)
	}

	tracking := p.trackingID()
	body := flouciGenerateRequest{
		AppToken:            p.appToken,
		AppSecret:           p.appSecret,
		Amount:              strconv.FormatInt(domain.ToWalletUnits(req.Amount), 10),
		AcceptCard:          "true",
		SessionTimeoutSecs:  int(p.sessionTTL / time.Second),
		SuccessLink:         p.link("success", req.Metadata),
		FailLink:            p.link("fail", req.Metadata),
		DeveloperTrackingID: tracking,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Session{}, fmt.Errorf("flouci: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate_payment", bytes.NewReader(payload))
	if err != nil {
		return Session{}, fmt.Errorf("flouci: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var resp flouciGenerateResponse
	if err := p.do(httpReq, "generate payment", &resp); err != nil {
		return Session{}, err
	}
	if !resp.Result.Success || resp.Result.PaymentID == "" || resp.Result.Link == "" {
		return Session{}, fmt.Errorf("%w: flouci: generate payment: %s", ErrRejected, nonEmpty(resp.Message, "unsuccessful response"))
	}

	p.logger(ctx, "payments.flouci.payment.created", map[string]any{
		"paymentId":  resp.Result.PaymentID,
		"trackingId": tracking,
		"wizardId":   req.Metadata["wizardId"],
	})

	return Session{
		ID:          resp.Result.PaymentID,
		RedirectURL: resp.Result.Link,
		ExpiresAt:   p.clock().UTC().Add(p.sessionTTL),
	}, nil
}

// LookupPayment calls verify_payment and converts the wallet amount back into storefront minor units.
func (p *FlouciProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		return PaymentDetails{}, fmt.Errorf("%w: payment id is required", ErrRejected)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/verify_payment/"+url.PathEscape(id), nil)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("flouci: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("apppublic", p.appToken)
	httpReq.Header.Set("appsecret", p.appSecret)

	var resp flouciVerifyResponse
	if err := p.do(httpReq, "verify payment", &resp); err != nil {
		return PaymentDetails{}, err
	}

	details := PaymentDetails{
		Provider: flouciProviderName,
		IntentID: id,
		Currency: flouciCurrency,
		Status:   StatusPending,
	}
	switch strings.ToUpper(resp.Result.Status) {
	case "SUCCESS":
		details.Status = StatusSucceeded
	case "FAILURE", "EXPIRED":
		details.Status = StatusFailed
		details.FailureReason = strings.ToLower(resp.Result.Status)
	}
	if resp.Result.Amount > 0 {
		amount, exact := domain.FromWalletUnits(resp.Result.Amount)
		if !exact {
			return PaymentDetails{}, fmt.Errorf("%w: flouci: amount %d is not a whole storefront unit", ErrRejected, resp.Result.Amount)
		}
		details.Amount = amount
	}
	return details, nil
}

func (p *FlouciProvider) link(outcome string, metadata map[string]string) string {
	if p.returnURL == "" {
		return ""
	}
	u, err := url.Parse(p.returnURL)
	if err != nil {
		return p.returnURL
	}
	q := u.Query()
	q.Set("outcome", outcome)
	if wizard := metadata["wizardId"]; wizard != "" {
		q.Set("wizard", wizard)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (p *FlouciProvider) do(req *http.Request, op string, out any) error {
	res, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: flouci: %s: %v", ErrTransport, op, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, flouciMaxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: flouci: %s: read body: %v", ErrTransport, op, err)
	}
	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: flouci: %s: status %d", ErrNotConfigured, op, res.StatusCode)
	case res.StatusCode >= 500:
		return fmt.Errorf("%w: flouci: %s: status %d", ErrTransport, op, res.StatusCode)
	case res.StatusCode >= 400:
		var failure struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &failure)
		return fmt.Errorf("%w: flouci: %s: status %d: %s", ErrRejected, op, res.StatusCode, failure.Message)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: flouci: %s: decode response: %v", ErrTransport, op, err)
	}
	return nil
}

func nonEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
