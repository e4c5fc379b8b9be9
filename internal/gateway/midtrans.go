package gateway

import (
	"bytes"
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"qris-pos/internal/domain"
)

const (
	midtransSandboxApp = "https://app.sandbox.midtrans.com"
	midtransProdApp    = "https://app.midtrans.com"
	midtransSandboxAPI = "https://api.sandbox.midtrans.com"
	midtransProdAPI    = "https://api.midtrans.com"

	// Snap charges expire 15 minutes after a 3-minute start buffer,
	// matching the provider dashboard default for QRIS.
	midtransExpiryStartBuffer = 3 * time.Minute
	midtransExpiryMinutes     = 15
)

type Midtrans struct {
	serverKey   string
	appBase     string
	apiBase     string
	callbackURL string
	client      *http.Client
}

func NewMidtrans(serverKey string, production bool, callbackBaseURL string, timeout time.Duration) *Midtrans {
	appBase, apiBase := midtransSandboxApp, midtransSandboxAPI
	if production {
		appBase, apiBase = midtransProdApp, midtransProdAPI
	}
	return &Midtrans{
		serverKey:   serverKey,
		appBase:     appBase,
		apiBase:     apiBase,
		callbackURL: callbackBaseURL,
		client:      &http.Client{Timeout: timeout},
	}
}

func (m *Midtrans) Name() string { return "midtrans" }

type midtransSnapRequest struct {
	TransactionDetails struct {
		OrderID     string `json:"order_id"`
		GrossAmount int64  `json:"gross_amount"`
	} `json:"transaction_details"`
	CustomerDetails struct {
		FirstName string `json:"first_name"`
		Email     string `json:"email"`
		Phone     string `json:"phone"`
	} `json:"customer_details"`
	EnabledPayments []string `json:"enabled_payments"`
	Callbacks       struct {
		Finish string `json:"finish"`
	} `json:"callbacks"`
	Expiry struct {
		StartTime string `json:"start_time"`
		Unit      string `json:"unit"`
		Duration  int    `json:"duration"`
	} `json:"expiry"`
}

type midtransSnapResponse struct {
	Token       string `json:"token"`
	RedirectURL string `json:"redirect_url"`
}

func (m *Midtrans) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	var body midtransSnapRequest
	body.TransactionDetails.OrderID = req.OrderID
	body.TransactionDetails.GrossAmount = req.Amount
	body.CustomerDetails.FirstName = defaultString(req.Customer.Name, "Pembeli")
	body.CustomerDetails.Email = defaultString(req.Customer.Email, "customer@example.com")
	body.CustomerDetails.Phone = defaultString(req.Customer.Phone, "081234567890")
	body.EnabledPayments = []string{"qris", "gopay", "shopeepay", "other_qris"}
	body.Callbacks.Finish = m.callbackURL + "/payment-success"
	body.Expiry.StartTime = midtransExpiryStart(time.Now())
	body.Expiry.Unit = "minutes"
	body.Expiry.Duration = midtransExpiryMinutes

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal snap request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.appBase+"/snap/v1/transactions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build snap request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Basic "+m.basicAuth())

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, classifyStatusCode(m.Name(), resp.StatusCode, raw)
	}

	var snap midtransSnapResponse
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snap response: %w", err)
	}

	return &Charge{
		GatewayRef: snap.Token,
		Token:      snap.Token,
		PayURL:     snap.RedirectURL,
	}, nil
}

type midtransNotification struct {
	OrderID           string      `json:"order_id"`
	TransactionID     string      `json:"transaction_id"`
	TransactionStatus string      `json:"transaction_status"`
	FraudStatus       string      `json:"fraud_status"`
	StatusCode        string      `json:"status_code"`
	GrossAmount       json.Number `json:"gross_amount"`
	SignatureKey      string      `json:"signature_key"`
}

// VerifyWebhookSignature checks the notification signature_key, which is
// sha512(order_id + status_code + gross_amount + serverKey) in hex.
func (m *Midtrans) VerifyWebhookSignature(_ http.Header, rawBody []byte) bool {
	var note midtransNotification
	if err := json.Unmarshal(rawBody, &note); err != nil {
		return false
	}
	if note.SignatureKey == "" {
		return false
	}

	sum := sha512.Sum512([]byte(note.OrderID + note.StatusCode + note.GrossAmount.String() + m.serverKey))
	expected := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(expected), []byte(note.SignatureKey)) == 1
}

func (m *Midtrans) ParseWebhook(rawBody []byte) (*Notification, error) {
	var note midtransNotification
	if err := json.Unmarshal(rawBody, &note); err != nil {
		return nil, fmt.Errorf("decode midtrans notification: %w", err)
	}
	if note.OrderID == "" {
		return nil, fmt.Errorf("midtrans notification missing order_id")
	}

	return &Notification{
		OrderID:    note.OrderID,
		GatewayRef: note.TransactionID,
		Status:     mapMidtransStatus(note.TransactionStatus, note.FraudStatus),
		Amount:     grossAmountToMinorUnits(note.GrossAmount),
	}, nil
}

func (m *Midtrans) QueryStatus(ctx context.Context, orderID string) (domain.TransactionStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, m.apiBase+"/v2/"+orderID+"/status", nil)
	if err != nil {
		return "", fmt.Errorf("build status request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Basic "+m.basicAuth())

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", classifyStatusCode(m.Name(), resp.StatusCode, raw)
	}

	var note midtransNotification
	if err := json.Unmarshal(raw, &note); err != nil {
		return "", fmt.Errorf("decode status response: %w", err)
	}
	return mapMidtransStatus(note.TransactionStatus, note.FraudStatus), nil
}

func (m *Midtrans) basicAuth() string {
	return base64.StdEncoding.EncodeToString([]byte(m.serverKey + ":"))
}

func mapMidtransStatus(transactionStatus, fraudStatus string) domain.TransactionStatus {
	switch transactionStatus {
	case "settlement":
		return domain.StatusPaid
	case "capture":
		if fraudStatus == "deny" {
			return domain.StatusFailed
		}
		return domain.StatusPaid
	case "deny":
		return domain.StatusFailed
	case "cancel":
		return domain.StatusCancelled
	case "expire":
		return domain.StatusExpired
	default:
		return domain.StatusPending
	}
}

// midtransExpiryStart formats the expiry window start in WIB (UTC+7), the
// format the Snap API requires: "2006-01-02 15:04:05 +0700".
func midtransExpiryStart(now time.Time) string {
	wib := time.FixedZone("WIB", 7*3600)
	return now.Add(midtransExpiryStartBuffer).In(wib).Format("2006-01-02 15:04:05 -0700")
}

// grossAmountToMinorUnits parses Midtrans' "15000.00" style amount strings.
func grossAmountToMinorUnits(amount json.Number) int64 {
	f, err := amount.Float64()
	if err != nil {
		return 0
	}
	return int64(f + 0.5)
}

func defaultString(val, fallback string) string {
	if val == "" {
		return fallback
	}
	return val
}
