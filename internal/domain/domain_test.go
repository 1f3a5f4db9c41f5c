package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	cases := map[string]Status{
		"pending":    StatusPending,
		" Delivered": StatusDelivered,
		"sent":       StatusDelivered,
		"FAILED":     StatusFailed,
	}
	for raw, want := range cases {
		got, err := ParseStatus(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	_, err := ParseStatus("lost")
	assert.Error(t, err)
}

func TestRevealDue(t *testing.T) {
	delivered := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	week := 7 * 24 * time.Hour
	s := Submission{Plan: PlanReveal, Status: StatusDelivered, DeliveredAt: &delivered}

	assert.False(t, s.RevealDue(delivered.Add(6*24*time.Hour), week))
	assert.True(t, s.RevealDue(delivered.Add(week), week))

	anonymous := s
	anonymous.Plan = PlanAnonymous
	assert.False(t, anonymous.CanReveal())
	assert.False(t, anonymous.RevealDue(delivered.Add(30*24*time.Hour), week))

	pending := Submission{Plan: PlanReveal, Status: StatusPending}
	assert.False(t, pending.RevealDue(delivered.Add(week), week))

	revealed := s
	revealed.Revealed = true
	assert.False(t, revealed.RevealDue(delivered.Add(week), week))
}

func TestSubscriptionExpired(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	lifetime := Subscription{}
	assert.False(t, lifetime.Expired(now))

	end := now.Add(time.Hour)
	premium := Subscription{ExpiresAt: &end}
	assert.False(t, premium.Expired(now))
	assert.True(t, premium.Expired(end))
}
