package domain

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// ParseStatus accepts the legacy "sent" spelling as delivered.
func ParseStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending":
		return StatusPending, nil
	case "delivered", "sent":
		return StatusDelivered, nil
	case "failed":
		return StatusFailed, nil
	}
	return "", fmt.Errorf("unknown status %q", raw)
}

type ContactType string

const (
	ContactEmail    ContactType = "email"
	ContactWhatsApp ContactType = "whatsapp"
)

type Plan string

const (
	PlanAnonymous Plan = "anonymous"
	PlanReveal    Plan = "reveal"
)

// Submission is one confession and its delivery state.
type Submission struct {
	ID               string      `json:"id"`
	OwnerID          string      `json:"ownerId"`
	Message          string      `json:"message"`
	RecipientName    string      `json:"recipientName"`
	RecipientContact string      `json:"recipientContact"`
	ContactType      ContactType `json:"contactType"`
	Plan             Plan        `json:"plan"`
	Status           Status      `json:"status"`
	Revealed         bool        `json:"revealed"`
	RevealedAt       *time.Time  `json:"revealedAt,omitempty"`
	FailureReason    string      `json:"failureReason,omitempty"`
	RetryCount       int         `json:"retryCount"`
	DeviceID         string      `json:"deviceId,omitempty"`
	IsFree           bool        `json:"isFree"`
	Version          int64       `json:"version"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
	DeliveredAt      *time.Time  `json:"deliveredAt,omitempty"`
}

// CanReveal reports whether the record is eligible to have its sender disclosed.
func (s Submission) CanReveal() bool {
	return s.Plan == PlanReveal && s.Status == StatusDelivered
}

// RevealDue reports whether the reveal delay has elapsed since delivery.
func (s Submission) RevealDue(now time.Time, delay time.Duration) bool {
	if !s.CanReveal() || s.Revealed || s.DeliveredAt == nil {
		return false
	}
	return !now.Before(s.DeliveredAt.Add(delay))
}

type User struct {
	ID             string    `json:"id"`
	ExternalID     string    `json:"externalId"`
	Email          string    `json:"email"`
	Name           string    `json:"name"`
	PictureURL     string    `json:"pictureUrl,omitempty"`
	FreeRemaining  int       `json:"freeMessagesRemaining"`
	DeviceUsedFree string    `json:"deviceUsedFree,omitempty"`
	Developer      bool      `json:"developer"`
	Roles          []string  `json:"roles,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (u User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

type Subscription struct {
	ID        string             `json:"id"`
	UserID    string             `json:"userId"`
	Plan      string             `json:"plan"`
	OrderID   string             `json:"orderId,omitempty"`
	PaymentID string             `json:"paymentId"`
	Status    SubscriptionStatus `json:"status"`
	PaidAt    time.Time          `json:"paidAt"`
	ExpiresAt *time.Time         `json:"expiresAt,omitempty"`
}

// Expired reports whether a time-bounded subscription has run out.
func (s Subscription) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

type OrderStatus string

const (
	OrderCreated OrderStatus = "created"
	OrderPaid    OrderStatus = "paid"
)

type Order struct {
	ID        string      `json:"id"`
	UserID    string      `json:"userId"`
	Plan      string      `json:"plan"`
	Amount    int64       `json:"amount"`
	Currency  string      `json:"currency"`
	Receipt   string      `json:"receipt"`
	Status    OrderStatus `json:"status"`
	CreatedAt time.Time   `json:"createdAt"`
}

type DispatchLease struct {
	SubmissionID string    `json:"submissionId"`
	HolderID     string    `json:"holderId"`
	AcquiredAt   time.Time `json:"acquiredAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

type Event struct {
	ID          int64     `json:"id"`
	TS          time.Time `json:"ts"`
	Type        string    `json:"type"`
	EntityKind  string    `json:"entityKind"`
	EntityID    *string   `json:"entityId,omitempty"`
	ActorID     string    `json:"actorId"`
	PayloadJSON string    `json:"payload"`
}

type APIKey struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actorId"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
