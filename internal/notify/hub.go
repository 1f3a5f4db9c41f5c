package notify

import (
	"sync"
	"time"

	"unsaid/internal/domain"
)

// StatusChange is pushed to an owner whenever one of their submissions moves.
type StatusChange struct {
	ID          string        `json:"id"`
	Status      domain.Status `json:"status"`
	Revealed    bool          `json:"revealed"`
	DeliveredAt *time.Time    `json:"deliveredAt,omitempty"`
}

func ChangeOf(s domain.Submission) StatusChange {
	return StatusChange{ID: s.ID, Status: s.Status, Revealed: s.Revealed, DeliveredAt: s.DeliveredAt}
}

// Publisher receives status changes from the engine.
type Publisher interface {
	Publish(ownerID string, change StatusChange)
}

// Hub fans status changes out to subscribers of an owner. Slow subscribers drop changes rather than block.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	closed bool
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{subs: map[string]map[*Subscription]struct{}{}, buffer: buffer}
}

type Subscription struct {
	ownerID string
	ch      chan StatusChange
	hub     *Hub
	once    sync.Once
}

// C delivers changes until the subscription is closed.
func (s *Subscription) C() <-chan StatusChange { return s.ch }

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		if set, ok := s.hub.subs[s.ownerID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.hub.subs, s.ownerID)
			}
		}
		if !s.hub.closed {
			close(s.ch)
		}
	})
}

func (h *Hub) Subscribe(ownerID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub := &Subscription{ownerID: ownerID, ch: make(chan StatusChange, h.buffer), hub: h}
	if h.closed {
		close(sub.ch)
		sub.once.Do(func() {})
		return sub
	}
	set, ok := h.subs[ownerID]
	if !ok {
		set = map[*Subscription]struct{}{}
		h.subs[ownerID] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (h *Hub) Publish(ownerID string, change StatusChange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[ownerID] {
		select {
		case sub.ch <- change:
		default:
		}
	}
}

// Subscribers returns the number of open subscriptions for ownerID.
func (h *Hub) Subscribers(ownerID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[ownerID])
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for owner, set := range h.subs {
		for sub := range set {
			close(sub.ch)
		}
		delete(h.subs, owner)
	}
}
