package unsaidsdk

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
)

// Client is a minimal UnSaid HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base path, e.g. http://host/api.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// User is the signed-in account.
type User struct {
	ID                    string   `json:"id"`
	Email                 string   `json:"email"`
	Name                  string   `json:"name"`
	FreeMessagesRemaining int      `json:"freeMessagesRemaining"`
	Developer             bool     `json:"developer"`
	Roles                 []string `json:"roles"`
}

type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      User      `json:"user"`
}

type Subscription struct {
	ID        string     `json:"id"`
	Plan      string     `json:"plan"`
	Status    string     `json:"status"`
	PaidAt    time.Time  `json:"paidAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Status summarizes what the signed-in user may send.
type Status struct {
	User                  User          `json:"user"`
	HasEntitlement        bool          `json:"hasEntitlement"`
	CanSubmit             bool          `json:"canSubmit"`
	FreeMessagesRemaining int           `json:"freeMessagesRemaining"`
	Developer             bool          `json:"developer"`
	Subscription          *Subscription `json:"subscription,omitempty"`
}

// NewConfession is the submission payload.
type NewConfession struct {
	Message          string `json:"message"`
	RecipientName    string `json:"recipientName"`
	RecipientContact string `json:"recipientContact"`
	ContactType      string `json:"contactType"`
	Plan             string `json:"plan"`
	DeviceID         string `json:"deviceId,omitempty"`
}

type Confession struct {
	ID               string     `json:"id"`
	Message          string     `json:"message"`
	RecipientName    string     `json:"recipientName"`
	RecipientContact string     `json:"recipientContact"`
	ContactType      string     `json:"contactType"`
	Plan             string     `json:"plan"`
	Status           string     `json:"status"`
	Revealed         bool       `json:"revealed"`
	RevealedAt       *time.Time `json:"revealedAt,omitempty"`
	FailureReason    string     `json:"failureReason,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	DeliveredAt      *time.Time `json:"deliveredAt,omitempty"`
}

// ConfessionPage wraps list responses with cursors.
type ConfessionPage struct {
	Confessions []Confession `json:"confessions"`
	Total       int          `json:"total"`
	NextCursor  string       `json:"nextCursor"`
}

// Submission is the operator view of a confession.
type Submission struct {
	Confession
	OwnerID    string `json:"ownerId"`
	RetryCount int    `json:"retryCount"`
	IsFree     bool   `json:"isFree"`
}

type SubmissionPage struct {
	Submissions []Submission `json:"submissions"`
	NextCursor  string       `json:"nextCursor"`
}

type InboxEntry struct {
	ID            string     `json:"id"`
	RecipientName string     `json:"recipientName"`
	Message       string     `json:"message"`
	Plan          string     `json:"plan"`
	Revealed      bool       `json:"revealed"`
	SenderName    string     `json:"senderName,omitempty"`
	DeliveredAt   *time.Time `json:"deliveredAt,omitempty"`
}

type Order struct {
	OrderID  string `json:"orderId"`
	Plan     string `json:"plan"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	KeyID    string `json:"keyId,omitempty"`
}

// FieldError is one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Reason returns details.reason, set on entitlement and precondition failures.
func (e *APIError) Reason() string {
	if r, ok := e.Details["reason"].(string); ok {
		return r
	}
	return ""
}

// FieldErrors decodes details.errors of a validation failure.
func (e *APIError) FieldErrors() []FieldError {
	raw, ok := e.Details["errors"]
	if !ok {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var out []FieldError
	_ = json.Unmarshal(b, &out)
	return out
}

// DevLogin signs in through the development login and stores the token on the client.
func (c *Client) DevLogin(ctx context.Context, email, name string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]any{"email": email, "name": name}, &resp)
	if err == nil {
		c.BearerToken = resp.Token
	}
	return resp, err
}

// Status returns the signed-in user's entitlement summary.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "me/status", nil, &resp)
	return resp, err
}

// CreateConfession submits a confession.
func (c *Client) CreateConfession(ctx context.Context, in NewConfession) (Confession, error) {
	var resp Confession
	err := c.do(ctx, http.MethodPost, "confessions", in, &resp)
	return resp, err
}

// ListConfessions lists the signed-in user's confessions. Pass the previous NextCursor to continue.
func (c *Client) ListConfessions(ctx context.Context, limit int, cursor string) (ConfessionPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp ConfessionPage
	err := c.do(ctx, http.MethodGet, withQuery("confessions", q), nil, &resp)
	return resp, err
}

func (c *Client) GetConfession(ctx context.Context, id string) (Confession, error) {
	var resp Confession
	err := c.do(ctx, http.MethodGet, "confessions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Inbox fetches the recipient view of a delivered confession.
func (c *Client) Inbox(ctx context.Context, id string) (InboxEntry, error) {
	var resp InboxEntry
	err := c.do(ctx, http.MethodGet, "inbox/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) CreateOrder(ctx context.Context, plan string) (Order, error) {
	var resp Order
	err := c.do(ctx, http.MethodPost, "orders", map[string]any{"plan": plan}, &resp)
	return resp, err
}

// ConfirmPayment submits the checkout signature; created is false when the payment was already applied.
func (c *Client) ConfirmPayment(ctx context.Context, orderID, paymentID, signature string) (Subscription, bool, error) {
	var resp struct {
		Subscription Subscription `json:"subscription"`
		Created      bool         `json:"created"`
	}
	err := c.do(ctx, http.MethodPost, "subscriptions/confirm", map[string]any{
		"orderId":   orderID,
		"paymentId": paymentID,
		"signature": signature,
	}, &resp)
	return resp.Subscription, resp.Created, err
}

// ListSubmissions lists submissions for operators; status may be empty.
func (c *Client) ListSubmissions(ctx context.Context, status string, limit int, cursor string) (SubmissionPage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp SubmissionPage
	err := c.do(ctx, http.MethodGet, withQuery("admin/submissions", q), nil, &resp)
	return resp, err
}

func (c *Client) MarkDelivered(ctx context.Context, id string) (Submission, error) {
	return c.submissionAction(ctx, id, "deliver")
}

func (c *Client) Dispatch(ctx context.Context, id string) (Submission, error) {
	return c.submissionAction(ctx, id, "dispatch")
}

func (c *Client) Retry(ctx context.Context, id string) (Submission, error) {
	return c.submissionAction(ctx, id, "retry")
}

func (c *Client) Reveal(ctx context.Context, id string) (Submission, error) {
	return c.submissionAction(ctx, id, "reveal")
}

// SweepReveals reveals every due submission and returns how many changed.
func (c *Client) SweepReveals(ctx context.Context) (int, error) {
	var resp struct {
		Revealed int `json:"revealed"`
	}
	err := c.do(ctx, http.MethodPost, "admin/reveals/sweep", nil, &resp)
	return resp.Revealed, err
}

func (c *Client) submissionAction(ctx context.Context, id, verb string) (Submission, error) {
	var resp Submission
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("admin/submissions/%s/%s", url.PathEscape(id), verb), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func withQuery(p string, q url.Values) string {
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
