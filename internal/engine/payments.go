package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"unsaid/internal/domain"
	"unsaid/internal/engine/auth"
	"unsaid/internal/events"
	"unsaid/internal/payment"
	"unsaid/internal/repo"
	"unsaid/internal/validate"
)

// Profile is a verified identity-provider profile.
type Profile struct {
	ExternalID string
	Email      string
	Name       string
	PictureURL string
}

// UpsertIdentity creates the user on first sign-in with the configured free quota and refreshes the profile afterwards.
func (e Engine) UpsertIdentity(ctx context.Context, p Profile) (domain.User, error) {
	if e.Config == nil {
		return domain.User{}, errors.New("config not loaded")
	}
	errs := &validate.Errors{}
	if strings.TrimSpace(p.ExternalID) == "" {
		errs.Fields = append(errs.Fields, validate.FieldError{Field: "externalId", Code: validate.CodeRequired, Message: "external id is required"})
	}
	email, ok := validate.NormalizeEmail(strings.TrimSpace(p.Email))
	if !ok {
		errs.Fields = append(errs.Fields, validate.FieldError{Field: "email", Code: validate.CodeInvalid, Message: "email is not a valid address"})
	}
	if len(errs.Fields) > 0 {
		return domain.User{}, errs
	}
	return e.Repo.UpsertUserByExternalID(ctx, domain.User{
		ID:            uuid.NewString(),
		ExternalID:    strings.TrimSpace(p.ExternalID),
		Email:         email,
		Name:          strings.TrimSpace(p.Name),
		PictureURL:    strings.TrimSpace(p.PictureURL),
		FreeRemaining: e.Config.Entitlement.FreeQuota,
		CreatedAt:     e.now(),
	})
}

// EnableDeveloper grants unlimited sends to userID when developer mode is switched on.
func (e Engine) EnableDeveloper(ctx context.Context, userID, actorID string) (domain.User, error) {
	if e.Config == nil {
		return domain.User{}, errors.New("config not loaded")
	}
	if !e.Config.Entitlement.DeveloperModeEnabled {
		return domain.User{}, auth.ForbiddenError{Permission: "developer_mode"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetDeveloper(ctx, tx, userID, true); err != nil {
		return domain.User{}, err
	}
	if err := e.events().Append(ctx, tx, events.UserDeveloperEnabled, events.KindUser, userID, actorID, nil); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return e.Repo.GetUser(ctx, nil, userID)
}

// Plans returns the purchasable plan names in a stable order.
func (e Engine) Plans() []string {
	if e.Config == nil {
		return nil
	}
	names := make([]string, 0, len(e.Config.Payment.Plans))
	for name := range e.Config.Payment.Plans {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateOrder opens a provider order for plan and stores it for later confirmation.
func (e Engine) CreateOrder(ctx context.Context, identity auth.Identity, plan string) (domain.Order, error) {
	if e.Config == nil {
		return domain.Order{}, errors.New("config not loaded")
	}
	if identity.OwnerID == "" {
		return domain.Order{}, auth.ErrUnauthenticated
	}
	plan = strings.ToLower(strings.TrimSpace(plan))
	planCfg, ok := e.Config.Payment.Plans[plan]
	if !ok {
		return domain.Order{}, &validate.Errors{Fields: []validate.FieldError{{
			Field: "plan", Code: validate.CodeEnum, Message: fmt.Sprintf("plan must be one of %s", strings.Join(e.Plans(), ", ")),
		}}}
	}
	if e.Payments == nil {
		return domain.Order{}, payment.ErrNotConfigured
	}
	now := e.now()
	owner := identity.OwnerID
	if len(owner) > 8 {
		owner = owner[:8]
	}
	receipt := fmt.Sprintf("sub_%s_%d", owner, now.Unix())
	po, err := e.Payments.CreateOrder(ctx, planCfg.Amount, e.Config.Payment.Currency, receipt, map[string]string{
		"plan":    plan,
		"user_id": identity.OwnerID,
	})
	if err != nil {
		return domain.Order{}, err
	}
	o := domain.Order{
		ID:        po.ID,
		UserID:    identity.OwnerID,
		Plan:      plan,
		Amount:    po.Amount,
		Currency:  po.Currency,
		Receipt:   receipt,
		Status:    domain.OrderCreated,
		CreatedAt: now,
	}
	if err := e.Repo.InsertOrder(ctx, o); err != nil {
		return domain.Order{}, fmt.Errorf("store order: %w", err)
	}
	e.logger().WithFields(logrus.Fields{"order_id": o.ID, "plan": plan, "user_id": o.UserID}).Info("Payment order created")
	return o, nil
}

// ConfirmPayment verifies a checkout signature and grants the order's plan. Confirming the same payment twice
// returns the existing subscription with created=false.
func (e Engine) ConfirmPayment(ctx context.Context, identity auth.Identity, orderID, paymentID, signature string) (domain.Subscription, bool, error) {
	if e.Config == nil {
		return domain.Subscription{}, false, errors.New("config not loaded")
	}
	if identity.OwnerID == "" {
		return domain.Subscription{}, false, auth.ErrUnauthenticated
	}
	if err := payment.VerifyPaymentSignature(orderID, paymentID, signature, e.Config.Payment.KeySecret); err != nil {
		return domain.Subscription{}, false, err
	}
	order, err := e.Repo.GetOrder(ctx, nil, orderID)
	if err != nil {
		return domain.Subscription{}, false, err
	}
	if order.UserID != identity.OwnerID {
		return domain.Subscription{}, false, repo.ErrNotFound
	}
	return e.grant(ctx, order, paymentID, identity.OwnerID)
}

// HandlePaymentWebhook grants subscriptions for captured payments. Events that do not grant anything,
// and orders this service never created, are acknowledged and ignored.
func (e Engine) HandlePaymentWebhook(ctx context.Context, body []byte, signature string) (bool, error) {
	if e.Config == nil {
		return false, errors.New("config not loaded")
	}
	if err := payment.VerifyWebhookSignature(body, signature, e.Config.Payment.WebhookSecret); err != nil {
		return false, err
	}
	ev, err := payment.ParseWebhook(body)
	if err != nil {
		return false, err
	}
	log := e.logger().WithFields(logrus.Fields{"event": ev.Event, "order_id": ev.OrderID, "payment_id": ev.PaymentID})
	if !ev.Grants() {
		log.Debug("Payment webhook ignored")
		return false, nil
	}
	order, err := e.Repo.GetOrder(ctx, nil, ev.OrderID)
	if errors.Is(err, repo.ErrNotFound) {
		log.Warn("Payment webhook for unknown order")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_, created, err := e.grant(ctx, order, ev.PaymentID, "razorpay")
	return created, err
}

func (e Engine) grant(ctx context.Context, order domain.Order, paymentID, actorID string) (domain.Subscription, bool, error) {
	planCfg, ok := e.Config.Payment.Plans[order.Plan]
	if !ok {
		return domain.Subscription{}, false, fmt.Errorf("order %s references unknown plan %s", order.ID, order.Plan)
	}
	now := e.now()
	sub := domain.Subscription{
		ID:        uuid.NewString(),
		UserID:    order.UserID,
		Plan:      order.Plan,
		OrderID:   order.ID,
		PaymentID: paymentID,
		Status:    domain.SubscriptionActive,
		PaidAt:    now,
		ExpiresAt: repo.SubscriptionExpiry(now, planCfg.Duration),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Subscription{}, false, err
	}
	defer tx.Rollback()
	created, err := e.Repo.InsertSubscriptionTx(ctx, tx, sub)
	if err != nil {
		return domain.Subscription{}, false, err
	}
	if !created {
		existing, err := e.Repo.GetSubscriptionByPayment(ctx, tx, paymentID)
		return existing, false, err
	}
	if err := e.Repo.MarkOrderPaidTx(ctx, tx, order.ID); err != nil {
		return domain.Subscription{}, false, err
	}
	if err := e.events().Append(ctx, tx, events.SubscriptionGranted, events.KindSubscription, sub.ID, actorID, events.EventPayload{
		"user_id":    sub.UserID,
		"plan":       sub.Plan,
		"order_id":   sub.OrderID,
		"payment_id": sub.PaymentID,
	}); err != nil {
		return domain.Subscription{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Subscription{}, false, err
	}
	e.logger().WithFields(logrus.Fields{"user_id": sub.UserID, "plan": sub.Plan}).Info("Subscription granted")
	return sub, true, nil
}
