package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"qris-pos/internal/domain"

	"github.com/google/uuid"
)

const (
	dokuBase       = "https://api.doku.com"
	dokuQRPath     = "/qris/v1/qr-code"
	dokuStatusPath = "/orders/v1/status/"

	// Path this service exposes for DOKU notifications; part of the
	// signed string on inbound callbacks.
	dokuNotifyPath = "/webhook/doku"

	dokuPaidResponseCode = "2004700"
)

type Doku struct {
	clientID  string
	secretKey string
	base      string
	client    *http.Client
}

func NewDoku(clientID, secretKey string, timeout time.Duration) *Doku {
	return &Doku{
		clientID:  clientID,
		secretKey: secretKey,
		base:      dokuBase,
		client:    &http.Client{Timeout: timeout},
	}
}

func (d *Doku) Name() string { return "doku" }

type dokuQRRequest struct {
	Order struct {
		InvoiceNumber string `json:"invoice_number"`
		Amount        int64  `json:"amount"`
	} `json:"order"`
}

type dokuQRResponse struct {
	QRContent string `json:"qr_content"`
	QRString  string `json:"qr_string"`
	Data      struct {
		QRContent string `json:"qr_content"`
	} `json:"data"`
	Transaction struct {
		Reference string `json:"reference"`
	} `json:"transaction"`
}

func (d *Doku) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	var body dokuQRRequest
	body.Order.InvoiceNumber = req.OrderID
	body.Order.Amount = req.Amount

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal qr request: %w", err)
	}

	requestID := uuid.NewString()
	timestamp := time.Now().UTC().Format(time.RFC3339)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.base+dokuQRPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build qr request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Client-Id", d.clientID)
	httpReq.Header.Set("Request-Id", requestID)
	httpReq.Header.Set("Request-Timestamp", timestamp)
	httpReq.Header.Set("Signature", d.sign(http.MethodPost, dokuQRPath, payload, timestamp))

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		// No locally fabricated QR fallback here: an auth failure must be
		// visible to the operator, not handed to the customer as a QR code
		// nobody can pay.
		return nil, classifyStatusCode(d.Name(), resp.StatusCode, raw)
	}

	var qr dokuQRResponse
	if err := json.Unmarshal(raw, &qr); err != nil {
		return nil, fmt.Errorf("decode qr response: %w", err)
	}

	qrString := qr.QRContent
	if qrString == "" {
		qrString = qr.QRString
	}
	if qrString == "" {
		qrString = qr.Data.QRContent
	}
	if qrString == "" {
		return nil, fmt.Errorf("%w: doku response carried no qr content", domain.ErrGatewayRejected)
	}

	ref := qr.Transaction.Reference
	if ref == "" {
		ref = requestID
	}

	return &Charge{GatewayRef: ref, QRString: qrString}, nil
}

type dokuNotification struct {
	InvoiceNumber string `json:"invoice_number"`
	Order         struct {
		InvoiceNumber string `json:"invoice_number"`
		Amount        int64  `json:"amount"`
	} `json:"order"`
	Transaction struct {
		Status    string `json:"status"`
		Reference string `json:"reference"`
	} `json:"transaction"`
	TransactionStatus string `json:"transaction_status"`
	ResponseCode      string `json:"response_code"`
}

// VerifyWebhookSignature recomputes the HMAC DOKU puts in the Signature
// header: HMAC-SHA256 over clientID, method, path, sha256 of the body and the
// request timestamp, newline separated.
func (d *Doku) VerifyWebhookSignature(headers http.Header, rawBody []byte) bool {
	signature := headers.Get("Signature")
	timestamp := headers.Get("Request-Timestamp")
	if signature == "" || timestamp == "" {
		return false
	}
	if headers.Get("Client-Id") != d.clientID {
		return false
	}

	expected := d.sign(http.MethodPost, dokuNotifyPath, rawBody, timestamp)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (d *Doku) ParseWebhook(rawBody []byte) (*Notification, error) {
	var note dokuNotification
	if err := json.Unmarshal(rawBody, &note); err != nil {
		return nil, fmt.Errorf("decode doku notification: %w", err)
	}

	invoice := note.InvoiceNumber
	if invoice == "" {
		invoice = note.Order.InvoiceNumber
	}
	if invoice == "" {
		return nil, fmt.Errorf("doku notification missing invoice number")
	}

	return &Notification{
		OrderID:    invoice,
		GatewayRef: note.Transaction.Reference,
		Status:     mapDokuStatus(note),
		Amount:     note.Order.Amount,
	}, nil
}

func (d *Doku) QueryStatus(ctx context.Context, orderID string) (domain.TransactionStatus, error) {
	path := dokuStatusPath + orderID
	timestamp := time.Now().UTC().Format(time.RFC3339)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, d.base+path, nil)
	if err != nil {
		return "", fmt.Errorf("build status request: %w", err)
	}
	httpReq.Header.Set("Client-Id", d.clientID)
	httpReq.Header.Set("Request-Id", uuid.NewString())
	httpReq.Header.Set("Request-Timestamp", timestamp)
	httpReq.Header.Set("Signature", d.sign(http.MethodGet, path, nil, timestamp))

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", classifyStatusCode(d.Name(), resp.StatusCode, raw)
	}

	var note dokuNotification
	if err := json.Unmarshal(raw, &note); err != nil {
		return "", fmt.Errorf("decode status response: %w", err)
	}
	return mapDokuStatus(note), nil
}

func (d *Doku) sign(method, path string, body []byte, timestamp string) string {
	bodyHash := sha256.Sum256(body)
	stringToSign := d.clientID + "\n" + method + "\n" + path + "\n" + hex.EncodeToString(bodyHash[:]) + "\n" + timestamp

	mac := hmac.New(sha256.New, []byte(d.secretKey))
	mac.Write([]byte(stringToSign))
	return hex.EncodeToString(mac.Sum(nil))
}

func mapDokuStatus(note dokuNotification) domain.TransactionStatus {
	status := note.TransactionStatus
	if status == "" {
		status = note.Transaction.Status
	}

	if note.ResponseCode == dokuPaidResponseCode || status == "SUCCESS" {
		return domain.StatusPaid
	}
	switch status {
	case "FAILED", "DECLINED":
		return domain.StatusFailed
	case "CANCELLED", "VOID":
		return domain.StatusCancelled
	case "EXPIRED":
		return domain.StatusExpired
	default:
		return domain.StatusPending
	}
}
