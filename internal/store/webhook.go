package store

import (
	"sort"
	"sync"

	"github.com/efreitasn/opinionmarket/internal/domain"
)

type subscriptionKey struct {
	subscriberID string
	event        string
}

// WebhookStore is a thread-safe in-memory store for webhook subscriptions.
// Each (subscriber_id, event) pair has at most one subscription. Market
// events are broadcast, so lookups by event are the hot path.
type WebhookStore struct {
	mu       sync.RWMutex
	webhooks map[string]*domain.Webhook          // webhook_id → webhook
	byKey    map[subscriptionKey]*domain.Webhook // (subscriber_id, event) → webhook
	byEvent  map[string]map[string]*domain.Webhook
}

// NewWebhookStore creates an empty WebhookStore.
func NewWebhookStore() *WebhookStore {
	return &WebhookStore{
		webhooks: make(map[string]*domain.Webhook),
		byKey:    make(map[subscriptionKey]*domain.Webhook),
		byEvent:  make(map[string]map[string]*domain.Webhook),
	}
}

// Upsert registers w, or repoints the existing subscription for the same
// subscriber and event at w.URL. The stored webhook is returned, so an
// update keeps its original webhook_id. created reports whether a new
// subscription was added.
func (s *WebhookStore) Upsert(w *domain.Webhook) (stored domain.Webhook, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := subscriptionKey{w.SubscriberID, w.Event}
	if existing, ok := s.byKey[key]; ok {
		if existing.URL != w.URL {
			existing.URL = w.URL
			existing.UpdatedAt = w.UpdatedAt
		}
		return *existing, false
	}

	cp := *w
	s.webhooks[cp.WebhookID] = &cp
	s.byKey[key] = &cp
	if s.byEvent[cp.Event] == nil {
		s.byEvent[cp.Event] = make(map[string]*domain.Webhook)
	}
	s.byEvent[cp.Event][cp.WebhookID] = &cp
	return cp, true
}

// Get retrieves a webhook by ID. It returns
// domain.ErrWebhookNotFound if the webhook does not exist.
func (s *WebhookStore) Get(id string) (domain.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.webhooks[id]
	if !ok {
		return domain.Webhook{}, domain.ErrWebhookNotFound
	}
	return *w, nil
}

// ListBySubscriber returns a subscriber's webhooks sorted by event.
func (s *WebhookStore) ListBySubscriber(subscriberID string) []domain.Webhook {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Webhook, 0)
	for key, w := range s.byKey {
		if key.subscriberID == subscriberID {
			result = append(result, *w)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Event < result[j].Event })
	return result
}

// ListByEvent returns every subscription to event, ordered by webhook_id.
func (s *WebhookStore) ListByEvent(event string) []domain.Webhook {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := s.byEvent[event]
	result := make([]domain.Webhook, 0, len(subs))
	for _, w := range subs {
		result = append(result, *w)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].WebhookID < result[j].WebhookID })
	return result
}

// Delete removes a webhook owned by subscriberID. It returns
// domain.ErrWebhookNotFound if the webhook does not exist or belongs to
// someone else.
func (s *WebhookStore) Delete(subscriberID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.webhooks[id]
	if !ok || w.SubscriberID != subscriberID {
		return domain.ErrWebhookNotFound
	}

	delete(s.webhooks, id)
	delete(s.byKey, subscriptionKey{w.SubscriberID, w.Event})
	if subs, ok := s.byEvent[w.Event]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(s.byEvent, w.Event)
		}
	}
	return nil
}
