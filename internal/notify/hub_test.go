package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unsaid/internal/domain"
)

func TestHubRoutesByOwner(t *testing.T) {
	h := NewHub(4)
	a := h.Subscribe("alice")
	b := h.Subscribe("bob")
	defer a.Close()
	defer b.Close()

	h.Publish("alice", ChangeOf(domain.Submission{ID: "s1", Status: domain.StatusDelivered}))

	select {
	case got := <-a.C():
		assert.Equal(t, "s1", got.ID)
		assert.Equal(t, domain.StatusDelivered, got.Status)
	default:
		t.Fatal("alice did not receive the change")
	}
	select {
	case <-b.C():
		t.Fatal("bob received alice's change")
	default:
	}
}

func TestHubDropsWhenSubscriberIsSlow(t *testing.T) {
	h := NewHub(1)
	s := h.Subscribe("alice")
	h.Publish("alice", StatusChange{ID: "1"})
	h.Publish("alice", StatusChange{ID: "2"})
	got := <-s.C()
	assert.Equal(t, "1", got.ID)
	s.Close()
	_, open := <-s.C()
	assert.False(t, open)
	assert.Zero(t, h.Subscribers("alice"))
}

func TestHubCloseEndsSubscriptions(t *testing.T) {
	h := NewHub(1)
	s := h.Subscribe("alice")
	h.Close()
	_, open := <-s.C()
	require.False(t, open)
	s.Close()

	late := h.Subscribe("alice")
	_, open = <-late.C()
	assert.False(t, open)
	h.Publish("alice", StatusChange{ID: "x"})
}
