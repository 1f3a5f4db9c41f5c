package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotConfigured is returned when no provider credentials are set.
var ErrNotConfigured = errors.New("payment provider not configured")

// ErrInvalidSignature is returned when a payment or webhook signature does not match.
var ErrInvalidSignature = errors.New("invalid payment signature")

const DefaultBaseURL = "https://api.razorpay.com"

// Order is the provider's view of a created order.
type Order struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Status   string            `json:"status"`
	Notes    map[string]string `json:"notes,omitempty"`
}

// Provider creates orders with the payment gateway.
type Provider interface {
	CreateOrder(ctx context.Context, amount int64, currency, receipt string, notes map[string]string) (Order, error)
}

// Razorpay talks to the Razorpay Orders API with basic auth.
type Razorpay struct {
	baseURL   string
	keyID     string
	keySecret string
	client    *http.Client
}

func NewRazorpay(baseURL, keyID, keySecret string) *Razorpay {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Razorpay{
		baseURL:   strings.TrimRight(baseURL, "/"),
		keyID:     keyID,
		keySecret: keySecret,
		client:    &http.Client{Timeout: 15 * time.Second},
	}
}

// KeyID is the public key the checkout widget needs.
func (r *Razorpay) KeyID() string { return r.keyID }

type createOrderRequest struct {
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Receipt        string            `json:"receipt"`
	PaymentCapture int               `json:"payment_capture"`
	Notes          map[string]string `json:"notes,omitempty"`
}

type apiError struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

func (r *Razorpay) CreateOrder(ctx context.Context, amount int64, currency, receipt string, notes map[string]string) (Order, error) {
	if r == nil || r.keyID == "" || r.keySecret == "" {
		return Order{}, ErrNotConfigured
	}
	payload, err := json.Marshal(createOrderRequest{Amount: amount, Currency: currency, Receipt: receipt, PaymentCapture: 1, Notes: notes})
	if err != nil {
		return Order{}, fmt.Errorf("marshal order: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/orders", bytes.NewReader(payload))
	if err != nil {
		return Order{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(r.keyID, r.keySecret)

	resp, err := r.client.Do(req)
	if err != nil {
		return Order{}, fmt.Errorf("create order: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Description != "" {
			return Order{}, fmt.Errorf("create order: status %d: %s", resp.StatusCode, apiErr.Error.Description)
		}
		return Order{}, fmt.Errorf("create order: status %d", resp.StatusCode)
	}
	var order Order
	if err := json.Unmarshal(body, &order); err != nil {
		return Order{}, fmt.Errorf("decode order: %w", err)
	}
	if order.ID == "" {
		return Order{}, errors.New("create order: empty order id")
	}
	return order, nil
}

func sign(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyPaymentSignature checks the checkout signature, HMAC-SHA256 of "orderID|paymentID".
func VerifyPaymentSignature(orderID, paymentID, signature, secret string) error {
	if secret == "" {
		return ErrNotConfigured
	}
	expected := sign([]byte(orderID+"|"+paymentID), secret)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature)))) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyWebhookSignature checks the X-Razorpay-Signature header against the raw body.
func VerifyWebhookSignature(body []byte, signature, secret string) error {
	if secret == "" {
		return ErrNotConfigured
	}
	if !hmac.Equal([]byte(sign(body, secret)), []byte(strings.ToLower(strings.TrimSpace(signature)))) {
		return ErrInvalidSignature
	}
	return nil
}

// SignPayment produces a checkout signature. Used by tests and the CLI.
func SignPayment(orderID, paymentID, secret string) string {
	return sign([]byte(orderID+"|"+paymentID), secret)
}

// SignWebhook produces a webhook signature for body.
func SignWebhook(body []byte, secret string) string {
	return sign(body, secret)
}

const (
	EventPaymentCaptured = "payment.captured"
	EventOrderPaid       = "order.paid"
)

// WebhookEvent is the subset of a Razorpay webhook the engine acts on.
type WebhookEvent struct {
	Event     string
	OrderID   string
	PaymentID string
}

type webhookBody struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID      string `json:"id"`
				OrderID string `json:"order_id"`
				Status  string `json:"status"`
			} `json:"entity"`
		} `json:"payment"`
		Order struct {
			Entity struct {
				ID string `json:"id"`
			} `json:"entity"`
		} `json:"order"`
	} `json:"payload"`
}

// ParseWebhook extracts the order and payment ids from a webhook body.
func ParseWebhook(body []byte) (WebhookEvent, error) {
	var raw webhookBody
	if err := json.Unmarshal(body, &raw); err != nil {
		return WebhookEvent{}, fmt.Errorf("decode webhook: %w", err)
	}
	ev := WebhookEvent{
		Event:     raw.Event,
		PaymentID: raw.Payload.Payment.Entity.ID,
		OrderID:   raw.Payload.Payment.Entity.OrderID,
	}
	if ev.OrderID == "" {
		ev.OrderID = raw.Payload.Order.Entity.ID
	}
	return ev, nil
}

// Grants reports whether the event confirms a captured payment.
func (e WebhookEvent) Grants() bool {
	return (e.Event == EventPaymentCaptured || e.Event == EventOrderPaid) && e.OrderID != "" && e.PaymentID != ""
}
