package server

import (
	"encoding/json"
	"time"

	"unsaid/internal/domain"
	"unsaid/internal/engine/auth"
)

// Request payloads. Every field is optional to the schema so the validator can report all violations at once.

type CreateConfessionRequest struct {
	Message          string `json:"message,omitempty"`
	RecipientName    string `json:"recipientName,omitempty"`
	RecipientContact string `json:"recipientContact,omitempty"`
	ContactType      string `json:"contactType,omitempty" example:"email"`
	Plan             string `json:"plan,omitempty" example:"anonymous"`
	DeviceID         string `json:"deviceId,omitempty"`
}

type SessionRequest struct {
	ExternalID string `json:"externalId,omitempty"`
	Email      string `json:"email,omitempty"`
	Name       string `json:"name,omitempty"`
	Picture    string `json:"picture,omitempty"`
}

type DevLoginRequest struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

type CreateOrderRequest struct {
	Plan string `json:"plan,omitempty" example:"premium"`
}

type ConfirmPaymentRequest struct {
	OrderID   string `json:"orderId,omitempty"`
	PaymentID string `json:"paymentId,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// Responses

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type UserResponse struct {
	ID                    string   `json:"id"`
	Email                 string   `json:"email"`
	Name                  string   `json:"name"`
	PictureURL            string   `json:"pictureUrl,omitempty"`
	FreeMessagesRemaining int      `json:"freeMessagesRemaining"`
	Developer             bool     `json:"developer"`
	Roles                 []string `json:"roles"`
}

type SessionResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
	User      UserResponse `json:"user"`
}

type SubscriptionResponse struct {
	ID        string     `json:"id"`
	Plan      string     `json:"plan"`
	Status    string     `json:"status"`
	PaidAt    time.Time  `json:"paidAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type StatusResponse struct {
	User                  UserResponse          `json:"user"`
	HasEntitlement        bool                  `json:"hasEntitlement"`
	CanSubmit             bool                  `json:"canSubmit"`
	FreeMessagesRemaining int                   `json:"freeMessagesRemaining"`
	Developer             bool                  `json:"developer"`
	DeveloperModeEnabled  bool                  `json:"developerModeEnabled"`
	Subscription          *SubscriptionResponse `json:"subscription,omitempty"`
}

type OrderResponse struct {
	OrderID  string `json:"orderId"`
	Plan     string `json:"plan"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	KeyID    string `json:"keyId,omitempty"`
}

type ConfirmPaymentResponse struct {
	Subscription SubscriptionResponse `json:"subscription"`
	Created      bool                 `json:"created"`
}

type WebhookAckResponse struct {
	Status  string `json:"status"`
	Granted bool   `json:"granted"`
}

// ConfessionResponse is the sender's view of their own record.
type ConfessionResponse struct {
	ID               string     `json:"id"`
	Message          string     `json:"message"`
	RecipientName    string     `json:"recipientName"`
	RecipientContact string     `json:"recipientContact"`
	ContactType      string     `json:"contactType" enum:"email,whatsapp"`
	Plan             string     `json:"plan" enum:"anonymous,reveal"`
	Status           string     `json:"status" enum:"pending,delivered,failed"`
	Revealed         bool       `json:"revealed"`
	RevealedAt       *time.Time `json:"revealedAt,omitempty"`
	FailureReason    string     `json:"failureReason,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	DeliveredAt      *time.Time `json:"deliveredAt,omitempty"`
}

type ConfessionListResponse struct {
	Confessions []ConfessionResponse `json:"confessions"`
	Total       int                  `json:"total"`
	NextCursor  string               `json:"nextCursor,omitempty"`
}

// AdminSubmissionResponse adds the bookkeeping fields operators need.
type AdminSubmissionResponse struct {
	ConfessionResponse
	OwnerID    string    `json:"ownerId"`
	RetryCount int       `json:"retryCount"`
	IsFree     bool      `json:"isFree"`
	Version    int64     `json:"version"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type AdminSubmissionListResponse struct {
	Submissions []AdminSubmissionResponse `json:"submissions"`
	NextCursor  string                    `json:"nextCursor,omitempty"`
}

// InboxResponse is what a recipient sees. The sender is named only after a reveal.
type InboxResponse struct {
	ID            string     `json:"id"`
	RecipientName string     `json:"recipientName"`
	Message       string     `json:"message"`
	Plan          string     `json:"plan"`
	Revealed      bool       `json:"revealed"`
	SenderName    string     `json:"senderName,omitempty"`
	DeliveredAt   *time.Time `json:"deliveredAt,omitempty"`
}

type SweepResponse struct {
	Revealed int `json:"revealed"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         time.Time      `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entityKind"`
	EntityID   string         `json:"entityId,omitempty"`
	ActorID    string         `json:"actorId"`
	Payload    map[string]any `json:"payload"`
}

// Conversion helpers

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:                    u.ID,
		Email:                 u.Email,
		Name:                  u.Name,
		PictureURL:            u.PictureURL,
		FreeMessagesRemaining: u.FreeRemaining,
		Developer:             u.Developer,
		Roles:                 nonNilSlice(u.Roles),
	}
}

func identityUser(id auth.Identity) UserResponse {
	return UserResponse{
		ID:                    id.OwnerID,
		Email:                 id.Email,
		Name:                  id.Name,
		FreeMessagesRemaining: id.FreeRemaining,
		Developer:             id.Developer,
		Roles:                 nonNilSlice(id.Roles),
	}
}

func subscriptionResponse(s domain.Subscription) SubscriptionResponse {
	return SubscriptionResponse{
		ID:        s.ID,
		Plan:      s.Plan,
		Status:    string(s.Status),
		PaidAt:    s.PaidAt,
		ExpiresAt: s.ExpiresAt,
	}
}

func confessionResponse(s domain.Submission) ConfessionResponse {
	return ConfessionResponse{
		ID:               s.ID,
		Message:          s.Message,
		RecipientName:    s.RecipientName,
		RecipientContact: s.RecipientContact,
		ContactType:      string(s.ContactType),
		Plan:             string(s.Plan),
		Status:           string(s.Status),
		Revealed:         s.Revealed,
		RevealedAt:       s.RevealedAt,
		FailureReason:    s.FailureReason,
		CreatedAt:        s.CreatedAt,
		DeliveredAt:      s.DeliveredAt,
	}
}

func adminSubmissionResponse(s domain.Submission) AdminSubmissionResponse {
	return AdminSubmissionResponse{
		ConfessionResponse: confessionResponse(s),
		OwnerID:            s.OwnerID,
		RetryCount:         s.RetryCount,
		IsFree:             s.IsFree,
		Version:            s.Version,
		UpdatedAt:          s.UpdatedAt,
	}
}

func mapConfessions(items []domain.Submission) []ConfessionResponse {
	out := make([]ConfessionResponse, 0, len(items))
	for _, s := range items {
		out = append(out, confessionResponse(s))
	}
	return out
}

func mapAdminSubmissions(items []domain.Submission) []AdminSubmissionResponse {
	out := make([]AdminSubmissionResponse, 0, len(items))
	for _, s := range items {
		out = append(out, adminSubmissionResponse(s))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	res := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.PayloadJSON),
	}
	if e.EntityID != nil {
		res.EntityID = *e.EntityID
	}
	return res
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
