package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unsaid/internal/domain"
	"unsaid/internal/repo"
)

var now = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

type fakeStore struct {
	users map[string]domain.User
	subs  map[string]domain.Subscription
}

func (f fakeStore) GetUser(_ context.Context, _ *sql.Tx, id string) (domain.User, error) {
	u, ok := f.users[id]
	if !ok {
		return domain.User{}, repo.ErrNotFound
	}
	return u, nil
}

func (f fakeStore) ActiveSubscription(_ context.Context, _ *sql.Tx, userID string, _ time.Time) (domain.Subscription, error) {
	s, ok := f.subs[userID]
	if !ok {
		return domain.Subscription{}, repo.ErrNotFound
	}
	return s, nil
}

func testIssuer() Issuer {
	return Issuer{Secret: "test-secret", TTL: 30 * 24 * time.Hour, Now: func() time.Time { return now }}
}

func TestMintAndVerify(t *testing.T) {
	iss := testIssuer()
	token, expires, err := iss.Mint("user-1", []string{"admin"})
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*24*time.Hour), expires)

	claims, err := iss.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, []string{"admin"}, claims.Roles)

	other := iss
	other.Secret = "other-secret"
	_, err = other.Verify(token)
	assert.Error(t, err)

	late := iss
	late.Now = func() time.Time { return now.Add(31 * 24 * time.Hour) }
	_, err = late.Verify(token)
	assert.Error(t, err)
}

func TestResolveRereadsEntitlementFromStore(t *testing.T) {
	expires := now.Add(24 * time.Hour)
	store := fakeStore{
		users: map[string]domain.User{
			"paid": {ID: "paid", Email: "p@example.com", Roles: []string{"admin"}},
			"free": {ID: "free", FreeRemaining: 1},
		},
		subs: map[string]domain.Subscription{
			"paid": {ID: "s1", UserID: "paid", Status: domain.SubscriptionActive, ExpiresAt: &expires},
		},
	}
	r := Resolver{Issuer: testIssuer(), Store: store, Now: func() time.Time { return now }}

	token, _, err := r.Issuer.Mint("paid", nil)
	require.NoError(t, err)
	id, err := r.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.True(t, id.HasEntitlement)
	assert.True(t, id.IsAdmin(), "roles come from the store, not the token")

	token, _, err = r.Issuer.Mint("free", []string{"admin"})
	require.NoError(t, err)
	id, err = r.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.False(t, id.IsAdmin())
	assert.False(t, id.HasEntitlement)
	assert.True(t, id.CanSubmit())

	_, err = r.Resolve(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, err = r.Resolve(context.Background(), "garbage")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	ghost, _, err := r.Issuer.Mint("ghost", nil)
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), ghost)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestDecide(t *testing.T) {
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	active := &domain.Subscription{ID: "s1", Status: domain.SubscriptionActive, ExpiresAt: &future}
	lifetime := &domain.Subscription{ID: "s2", Status: domain.SubscriptionActive}
	expired := &domain.Subscription{ID: "s3", Status: domain.SubscriptionActive, ExpiresAt: &past}

	tests := []struct {
		name        string
		user        domain.User
		sub         *domain.Subscription
		freeBlocked bool
		grant       Grant
		reason      string
	}{
		{"developer", domain.User{Developer: true}, nil, false, GrantDeveloper, ""},
		{"free quota", domain.User{FreeRemaining: 1}, nil, false, GrantFree, ""},
		{"free used on device", domain.User{FreeRemaining: 1}, nil, true, "", ReasonPaymentRequired},
		{"free used on device with subscription", domain.User{FreeRemaining: 1}, active, true, GrantSubscription, ""},
		{"active subscription", domain.User{}, active, false, GrantSubscription, ""},
		{"lifetime", domain.User{}, lifetime, false, GrantSubscription, ""},
		{"expired", domain.User{}, expired, false, "", ReasonSubscriptionExpired},
		{"nothing", domain.User{}, nil, false, "", ReasonPaymentRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.user, tt.sub, tt.freeBlocked, now)
			if tt.reason == "" {
				require.True(t, d.Allowed())
				assert.Equal(t, tt.grant, d.Grant)
				return
			}
			require.False(t, d.Allowed())
			assert.Equal(t, tt.reason, d.Err.Reason)
			var entErr *EntitlementError
			assert.True(t, errors.As(error(d.Err), &entErr))
		})
	}
	assert.Equal(t, "s3", Decide(domain.User{}, expired, false, now).ExpireSubscription)
}
