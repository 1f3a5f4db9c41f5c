package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"unsaid/internal/domain"
	"unsaid/internal/repo"
)

// ErrUnauthenticated is returned for a missing, malformed or expired credential, or a vanished user.
var ErrUnauthenticated = errors.New("authentication required")

// ForbiddenError indicates a missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

const (
	ReasonPaymentRequired     = "payment_required"
	ReasonSubscriptionExpired = "subscription_expired"
)

// EntitlementError means the caller is authenticated but may not create another submission.
type EntitlementError struct {
	Reason string
}

func (e EntitlementError) Error() string {
	switch e.Reason {
	case ReasonSubscriptionExpired:
		return "subscription expired; please renew"
	default:
		return "payment required to send more messages"
	}
}

type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// Issuer mints and verifies HS256 session tokens.
type Issuer struct {
	Secret string
	TTL    time.Duration
	Now    func() time.Time
}

func (i Issuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

// Mint returns a signed token for userID and its expiry.
func (i Issuer) Mint(userID string, roles []string) (string, time.Time, error) {
	if strings.TrimSpace(i.Secret) == "" {
		return "", time.Time{}, errors.New("jwt secret not configured")
	}
	issued := i.now().UTC()
	expires := issued.Add(i.TTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Roles: roles,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.Secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// Verify checks signature, algorithm and expiry.
func (i Issuer) Verify(token string) (Claims, error) {
	if strings.TrimSpace(i.Secret) == "" {
		return Claims{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	claims := Claims{}
	parsed, err := parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return []byte(i.Secret), nil
	})
	if err != nil {
		return Claims{}, err
	}
	if !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Claims{}, errors.New("subject claim required")
	}
	return claims, nil
}

// Identity is the server-side view of the caller, rebuilt from the store on every request.
type Identity struct {
	OwnerID        string
	Email          string
	Name           string
	Roles          []string
	Developer      bool
	FreeRemaining  int
	HasEntitlement bool
	Subscription   *domain.Subscription
}

func (id Identity) IsAdmin() bool {
	for _, r := range id.Roles {
		if r == repo.RoleAdmin {
			return true
		}
	}
	return false
}

// CanSubmit reports whether a new submission would currently be accepted.
func (id Identity) CanSubmit() bool {
	return id.HasEntitlement || id.FreeRemaining > 0
}

type Store interface {
	GetUser(ctx context.Context, tx *sql.Tx, id string) (domain.User, error)
	ActiveSubscription(ctx context.Context, tx *sql.Tx, userID string, now time.Time) (domain.Subscription, error)
}

type Resolver struct {
	Issuer Issuer
	Store  Store
	Now    func() time.Time
}

// Resolve verifies a bearer token and loads the identity it names.
func (r Resolver) Resolve(ctx context.Context, token string) (Identity, error) {
	if strings.TrimSpace(token) == "" {
		return Identity{}, ErrUnauthenticated
	}
	claims, err := r.Issuer.Verify(token)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return r.lookup(ctx, claims.Subject)
}

// lookup loads the identity for a user id; entitlement comes from the store, never from the token.
func (r Resolver) lookup(ctx context.Context, userID string) (Identity, error) {
	user, err := r.Store.GetUser(ctx, nil, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return Identity{}, ErrUnauthenticated
	}
	if err != nil {
		return Identity{}, err
	}
	id := Identity{
		OwnerID:       user.ID,
		Email:         user.Email,
		Name:          user.Name,
		Roles:         user.Roles,
		Developer:     user.Developer,
		FreeRemaining: user.FreeRemaining,
	}
	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}
	sub, err := r.Store.ActiveSubscription(ctx, nil, user.ID, now)
	switch {
	case err == nil:
		id.Subscription = &sub
	case !errors.Is(err, repo.ErrNotFound):
		return Identity{}, err
	}
	id.HasEntitlement = user.Developer || (id.Subscription != nil && !id.Subscription.Expired(now))
	return id, nil
}

type Grant string

const (
	GrantDeveloper    Grant = "developer"
	GrantFree         Grant = "free"
	GrantSubscription Grant = "subscription"
)

// Decision is the outcome of an entitlement check for one new submission.
type Decision struct {
	Grant Grant
	// ExpireSubscription names an active subscription that has run out and must be marked expired.
	ExpireSubscription string
	Err                *EntitlementError
}

func (d Decision) Allowed() bool {
	return d.Err == nil
}

// Decide applies the entitlement policy: developers first, then free quota, then an unexpired subscription.
// freeBlocked is set when the per-device free policy has already been used from this device.
func Decide(user domain.User, sub *domain.Subscription, freeBlocked bool, now time.Time) Decision {
	if user.Developer {
		return Decision{Grant: GrantDeveloper}
	}
	if user.FreeRemaining > 0 && !freeBlocked {
		return Decision{Grant: GrantFree}
	}
	if sub != nil && sub.Status == domain.SubscriptionActive {
		if sub.Expired(now) {
			return Decision{ExpireSubscription: sub.ID, Err: &EntitlementError{Reason: ReasonSubscriptionExpired}}
		}
		return Decision{Grant: GrantSubscription}
	}
	return Decision{Err: &EntitlementError{Reason: ReasonPaymentRequired}}
}
