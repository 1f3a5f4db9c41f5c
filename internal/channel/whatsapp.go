package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"unsaid/internal/privacy"
)

// WhatsApp sends text messages through a WAHA (WhatsApp HTTP API) instance.
type WhatsApp struct {
	baseURL string
	apiKey  string
	session string
	client  *http.Client
	logger  logrus.FieldLogger
}

func NewWhatsApp(baseURL, apiKey, session string, logger logrus.FieldLogger) *WhatsApp {
	if session == "" {
		session = "default"
	}
	return &WhatsApp{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		session: session,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

func (w *WhatsApp) Name() string { return "whatsapp" }

type sendTextRequest struct {
	ChatID  string `json:"chatId"`
	Text    string `json:"text"`
	Session string `json:"session"`
}

type sendTextResponse struct {
	ID        any    `json:"id"`
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
	Message   string `json:"message"`
}

// ChatID converts a normalized "+digits" contact into a WAHA chat id.
func ChatID(contact string) string {
	return strings.TrimPrefix(contact, "+") + "@c.us"
}

func (w *WhatsApp) Send(ctx context.Context, msg Message) (Receipt, error) {
	payload, err := json.Marshal(sendTextRequest{ChatID: ChatID(msg.To), Text: msg.Body, Session: w.session})
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/api/sendText", bytes.NewReader(payload))
	if err != nil {
		return Receipt{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.apiKey != "" {
		req.Header.Set("X-Api-Key", w.apiKey)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var result sendTextResponse
	_ = json.Unmarshal(body, &result)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := result.Error
		if detail == "" {
			detail = result.Message
		}
		if detail == "" {
			detail = strings.TrimSpace(string(body))
		}
		w.logger.WithFields(logrus.Fields{
			"submission_id": msg.SubmissionID,
			"chat_id":       privacy.MaskPhoneNumber(msg.To),
			"status":        resp.StatusCode,
		}).Warn("WAHA rejected message")
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout {
			return Receipt{}, &PermanentError{Reason: fmt.Sprintf("whatsapp rejected message (status %d)", resp.StatusCode), Err: fmt.Errorf("%s", detail)}
		}
		return Receipt{}, fmt.Errorf("whatsapp request failed with status %d: %s", resp.StatusCode, detail)
	}

	id := result.MessageID
	switch v := result.ID.(type) {
	case string:
		if id == "" {
			id = v
		}
	case map[string]any:
		if s, ok := v["_serialized"].(string); ok && id == "" {
			id = s
		}
	}
	return Receipt{Provider: w.Name(), ProviderMessageID: id}, nil
}
