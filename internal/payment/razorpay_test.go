package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOrder(t *testing.T) {
	var got createOrderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/orders", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "rzp_test", user)
		assert.Equal(t, "shh", pass)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"order_1","amount":49900,"currency":"INR","receipt":"r1","status":"created"}`))
	}))
	defer srv.Close()

	rp := NewRazorpay(srv.URL, "rzp_test", "shh")
	order, err := rp.CreateOrder(context.Background(), 49900, "INR", "r1", map[string]string{"plan": "lifetime"})
	require.NoError(t, err)
	assert.Equal(t, "order_1", order.ID)
	assert.Equal(t, int64(49900), order.Amount)
	assert.Equal(t, 1, got.PaymentCapture)
	assert.Equal(t, "lifetime", got.Notes["plan"])
}

func TestCreateOrderSurfacesProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"BAD_REQUEST_ERROR","description":"amount too small"}}`))
	}))
	defer srv.Close()

	_, err := NewRazorpay(srv.URL, "k", "s").CreateOrder(context.Background(), 1, "INR", "r", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amount too small")

	_, err = NewRazorpay(srv.URL, "", "").CreateOrder(context.Background(), 1, "INR", "r", nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestSignatures(t *testing.T) {
	sig := SignPayment("order_1", "pay_1", "secret")
	assert.NoError(t, VerifyPaymentSignature("order_1", "pay_1", sig, "secret"))
	assert.ErrorIs(t, VerifyPaymentSignature("order_1", "pay_2", sig, "secret"), ErrInvalidSignature)
	assert.ErrorIs(t, VerifyPaymentSignature("order_1", "pay_1", sig, ""), ErrNotConfigured)

	body := []byte(`{"event":"payment.captured"}`)
	assert.NoError(t, VerifyWebhookSignature(body, SignWebhook(body, "wh"), "wh"))
	assert.ErrorIs(t, VerifyWebhookSignature(body, "deadbeef", "wh"), ErrInvalidSignature)
}

func TestParseWebhook(t *testing.T) {
	ev, err := ParseWebhook([]byte(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1","order_id":"order_1","status":"captured"}}}}`))
	require.NoError(t, err)
	assert.Equal(t, "order_1", ev.OrderID)
	assert.Equal(t, "pay_1", ev.PaymentID)
	assert.True(t, ev.Grants())

	ev, err = ParseWebhook([]byte(`{"event":"payment.authorized","payload":{"payment":{"entity":{"id":"pay_1","order_id":"order_1"}}}}`))
	require.NoError(t, err)
	assert.False(t, ev.Grants())

	ev, err = ParseWebhook([]byte(`{"event":"order.paid","payload":{"order":{"entity":{"id":"order_2"}},"payment":{"entity":{"id":"pay_2"}}}}`))
	require.NoError(t, err)
	assert.Equal(t, "order_2", ev.OrderID)
	assert.True(t, ev.Grants())

	_, err = ParseWebhook([]byte(`not json`))
	assert.Error(t, err)
}
