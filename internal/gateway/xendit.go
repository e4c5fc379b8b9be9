package gateway

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"qris-pos/internal/domain"
)

const xenditBase = "https://api.xendit.co"

type Xendit struct {
	secretKey     string
	callbackToken string
	callbackURL   string
	base          string
	client        *http.Client
}

func NewXendit(secretKey, callbackToken, callbackBaseURL string, timeout time.Duration) *Xendit {
	return &Xendit{
		secretKey:     secretKey,
		callbackToken: callbackToken,
		callbackURL:   callbackBaseURL,
		base:          xenditBase,
		client:        &http.Client{Timeout: timeout},
	}
}

func (x *Xendit) Name() string { return "xendit" }

type xenditQRRequest struct {
	ExternalID  string `json:"external_id"`
	Type        string `json:"type"`
	Amount      int64  `json:"amount"`
	CallbackURL string `json:"callback_url"`
}

type xenditQRResponse struct {
	ID       string `json:"id"`
	QRString string `json:"qr_string"`
	Status   string `json:"status"`
}

func (x *Xendit) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	body := xenditQRRequest{
		ExternalID:  req.OrderID,
		Type:        "DYNAMIC",
		Amount:      req.Amount,
		CallbackURL: x.callbackURL + "/webhook/xendit",
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal qr request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, x.base+"/qr_codes", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build qr request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(x.secretKey+":")))

	resp, err := x.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, classifyStatusCode(x.Name(), resp.StatusCode, raw)
	}

	var qr xenditQRResponse
	if err := json.Unmarshal(raw, &qr); err != nil {
		return nil, fmt.Errorf("decode qr response: %w", err)
	}

	return &Charge{GatewayRef: qr.ID, QRString: qr.QRString}, nil
}

type xenditCallback struct {
	Event string `json:"event"`
	Data  struct {
		ID         string `json:"id"`
		ExternalID string `json:"external_id"`
		Amount     int64  `json:"amount"`
		Status     string `json:"status"`
	} `json:"data"`
}

// VerifyWebhookSignature compares the x-callback-token header against the
// configured verification token.
func (x *Xendit) VerifyWebhookSignature(headers http.Header, _ []byte) bool {
	token := headers.Get("x-callback-token")
	if token == "" || x.callbackToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(x.callbackToken)) == 1
}

func (x *Xendit) ParseWebhook(rawBody []byte) (*Notification, error) {
	var cb xenditCallback
	if err := json.Unmarshal(rawBody, &cb); err != nil {
		return nil, fmt.Errorf("decode xendit callback: %w", err)
	}
	if cb.Data.ExternalID == "" {
		return nil, fmt.Errorf("xendit callback missing external_id")
	}

	status := domain.StatusPending
	switch cb.Event {
	case "qris.payment.paid", "qr.payment":
		status = domain.StatusPaid
	case "qris.payment.expired":
		status = domain.StatusExpired
	}

	return &Notification{
		OrderID:    cb.Data.ExternalID,
		GatewayRef: cb.Data.ID,
		Status:     status,
		Amount:     cb.Data.Amount,
	}, nil
}

func (x *Xendit) QueryStatus(ctx context.Context, orderID string) (domain.TransactionStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, x.base+"/qr_codes/"+orderID, nil)
	if err != nil {
		return "", fmt.Errorf("build status request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(x.secretKey+":")))

	resp, err := x.client.Do(httpReq)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", classifyStatusCode(x.Name(), resp.StatusCode, raw)
	}

	var qr xenditQRResponse
	if err := json.Unmarshal(raw, &qr); err != nil {
		return "", fmt.Errorf("decode status response: %w", err)
	}

	switch qr.Status {
	case "PAID", "COMPLETED":
		return domain.StatusPaid, nil
	case "EXPIRED", "INACTIVE":
		return domain.StatusExpired, nil
	default:
		return domain.StatusPending, nil
	}
}
