package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"qris-pos/internal/config"
	"qris-pos/internal/domain"
)

type ChargeRequest struct {
	OrderID  string
	Amount   int64
	Customer domain.Customer
}

// Charge is what the POS needs to render payment UI. Depending on the
// provider either PayURL (Snap redirect) or QRString (raw QRIS payload) is set.
type Charge struct {
	GatewayRef string
	Token      string
	PayURL     string
	QRString   string
}

// Notification is a provider webhook mapped onto the canonical vocabulary.
type Notification struct {
	OrderID    string
	GatewayRef string
	Status     domain.TransactionStatus
	Amount     int64
}

// Gateway abstracts one payment provider. All variants satisfy the same
// contract; the active one is selected by configuration.
type Gateway interface {
	Name() string
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	// VerifyWebhookSignature must use constant-time comparison. Unverifiable
	// callbacks are never trusted.
	VerifyWebhookSignature(headers http.Header, rawBody []byte) bool
	ParseWebhook(rawBody []byte) (*Notification, error)
	QueryStatus(ctx context.Context, orderID string) (domain.TransactionStatus, error)
}

// Registry holds every provider with credentials configured. Webhooks are
// accepted for any registered provider so a gateway migration does not drop
// in-flight callbacks; charges go through the default one.
type Registry struct {
	gateways    map[string]Gateway
	defaultName string
}

func NewRegistry(defaultName string) *Registry {
	return &Registry{gateways: make(map[string]Gateway), defaultName: defaultName}
}

func (r *Registry) Register(gw Gateway) {
	r.gateways[gw.Name()] = gw
}

func (r *Registry) Get(name string) (Gateway, bool) {
	gw, ok := r.gateways[strings.ToLower(name)]
	return gw, ok
}

func (r *Registry) Default() (Gateway, error) {
	gw, ok := r.gateways[r.defaultName]
	if !ok {
		return nil, fmt.Errorf("payment provider %q is not configured", r.defaultName)
	}
	return gw, nil
}

// FromConfig registers every provider whose credentials are present.
func FromConfig(cfg *config.Config) (*Registry, error) {
	reg := NewRegistry(cfg.Provider)

	if cfg.MidtransServerKey != "" {
		reg.Register(NewMidtrans(cfg.MidtransServerKey, cfg.MidtransProduction, cfg.CallbackBaseURL, cfg.GatewayTimeout))
	}
	if cfg.DokuClientID != "" && cfg.DokuSecretKey != "" {
		reg.Register(NewDoku(cfg.DokuClientID, cfg.DokuSecretKey, cfg.GatewayTimeout))
	}
	if cfg.XenditSecretKey != "" {
		reg.Register(NewXendit(cfg.XenditSecretKey, cfg.XenditCallbackToken, cfg.CallbackBaseURL, cfg.GatewayTimeout))
	}
	if cfg.Sandbox() {
		reg.Register(NewMock())
	}

	if _, err := reg.Default(); err != nil {
		return nil, err
	}
	return reg, nil
}

// classifyTransportError maps client-side failures onto the gateway error
// taxonomy: bounded waits surface as GatewayTimeout, everything else on the
// wire as GatewayUnavailable.
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrGatewayTimeout, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return fmt.Errorf("%w: %v", domain.ErrGatewayTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
}

// classifyStatusCode maps provider HTTP responses: 4xx is a rejection of the
// request itself, 5xx means the provider is down.
func classifyStatusCode(provider string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	if status >= 400 && status < 500 {
		return fmt.Errorf("%w: %s returned %d: %s", domain.ErrGatewayRejected, provider, status, msg)
	}
	return fmt.Errorf("%w: %s returned %d: %s", domain.ErrGatewayUnavailable, provider, status, msg)
}
