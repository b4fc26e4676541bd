package service

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/efreitasn/opinionmarket/internal/domain"
	"github.com/efreitasn/opinionmarket/internal/engine"
	"github.com/efreitasn/opinionmarket/internal/store"
)

// Valid webhook event types.
var validWebhookEvents = map[string]bool{
	domain.EventTradeExecuted:   true,
	domain.EventMarketClosed:    true,
	domain.EventMarketResolved:  true,
	domain.EventWinningsClaimed: true,
}

const maxWebhookURLLength = 2048

// UpsertWebhookRequest represents the input for webhook registration.
type UpsertWebhookRequest struct {
	SubscriberID string
	URL          string
	Events       []string
}

// WebhookService handles webhook CRUD and event dispatch. Market events are
// broadcast to every subscriber of the event.
type WebhookService struct {
	store  *store.WebhookStore
	client *http.Client
	clock  domain.Clock
	log    zerolog.Logger
}

var _ engine.EventDispatcher = (*WebhookService)(nil)

// NewWebhookService creates a new WebhookService with the given dependencies.
func NewWebhookService(
	webhookStore *store.WebhookStore,
	webhookTimeout time.Duration,
	clock domain.Clock,
	log zerolog.Logger,
) *WebhookService {
	return &WebhookService{
		store: webhookStore,
		client: &http.Client{
			Timeout: webhookTimeout,
		},
		clock: clock,
		log:   log,
	}
}

// Upsert validates the request and creates or updates webhook subscriptions.
// Returns the resulting webhooks, whether any new subscriptions were created, and any error.
func (s *WebhookService) Upsert(req UpsertWebhookRequest) ([]domain.Webhook, bool, error) {
	if req.SubscriberID == "" {
		return nil, false, &domain.ValidationError{Message: "subscriber_id is required"}
	}

	if req.URL == "" {
		return nil, false, &domain.ValidationError{Message: "url is required"}
	}
	if len(req.URL) > maxWebhookURLLength {
		return nil, false, &domain.ValidationError{Message: "url must be at most 2048 characters"}
	}
	parsed, err := url.ParseRequestURI(req.URL)
	if err != nil || !parsed.IsAbs() {
		return nil, false, &domain.ValidationError{Message: "url must be a valid absolute URL"}
	}
	if parsed.Scheme != "https" {
		return nil, false, &domain.ValidationError{Message: "url must use https scheme"}
	}

	if len(req.Events) == 0 {
		return nil, false, &domain.ValidationError{Message: "events must be a non-empty array"}
	}

	// Deduplicate events while preserving order and validating.
	seen := make(map[string]bool, len(req.Events))
	events := make([]string, 0, len(req.Events))
	for _, event := range req.Events {
		if !validWebhookEvents[event] {
			return nil, false, &domain.ValidationError{
				Message: "unknown event type: " + event + ". Must be one of: " + strings.Join(webhookEventNames(), ", "),
			}
		}
		if !seen[event] {
			seen[event] = true
			events = append(events, event)
		}
	}

	now := s.clock.Now().UTC().Truncate(time.Second)
	anyCreated := false
	webhooks := make([]domain.Webhook, 0, len(events))
	for _, event := range events {
		stored, created := s.store.Upsert(&domain.Webhook{
			WebhookID:    uuid.NewString(),
			SubscriberID: req.SubscriberID,
			Event:        event,
			URL:          req.URL,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		anyCreated = anyCreated || created
		webhooks = append(webhooks, stored)
	}

	s.log.Info().Str("subscriber_id", req.SubscriberID).Strs("events", events).Msg("webhooks-upserted")
	return webhooks, anyCreated, nil
}

// List returns a subscriber's webhook subscriptions.
func (s *WebhookService) List(subscriberID string) ([]domain.Webhook, error) {
	if subscriberID == "" {
		return nil, &domain.ValidationError{Message: "subscriber_id is required"}
	}
	return s.store.ListBySubscriber(subscriberID), nil
}

// Delete removes a subscriber's webhook by ID.
func (s *WebhookService) Delete(subscriberID, webhookID string) error {
	return s.store.Delete(subscriberID, webhookID)
}

// webhookPayload is the envelope of every delivery.
type webhookPayload struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

type tradeExecutedData struct {
	TradeID  string `json:"trade_id"`
	MarketID string `json:"market_id"`
	Holder   string `json:"holder"`
	Outcome  int    `json:"outcome"`
	Side     string `json:"side"`
	Shares   string `json:"shares"`
	Amount   string `json:"amount"`
	Fee      string `json:"fee"`
}

type marketClosedData struct {
	MarketID  string `json:"market_id"`
	Question  string `json:"question"`
	CloseTime string `json:"close_time"`
}

type marketResolvedData struct {
	MarketID       string `json:"market_id"`
	WinningOutcome int    `json:"winning_outcome"`
	WinningLabel   string `json:"winning_label"`
	SettlementPool string `json:"settlement_pool"`
	WinningSupply  string `json:"winning_supply"`
}

type winningsClaimedData struct {
	MarketID string `json:"market_id"`
	Holder   string `json:"holder"`
	Payout   string `json:"payout"`
}

// DispatchTradeExecuted notifies trade.executed subscribers. Fire-and-forget.
func (s *WebhookService) DispatchTradeExecuted(t *domain.Trade) {
	s.broadcast(domain.EventTradeExecuted, t.ExecutedAt, tradeExecutedData{
		TradeID:  t.TradeID,
		MarketID: t.MarketID,
		Holder:   t.Holder,
		Outcome:  t.Outcome,
		Side:     string(t.Side),
		Shares:   domain.FormatMajor(t.Shares),
		Amount:   domain.FormatMajor(t.Amount),
		Fee:      domain.FormatMajor(t.Fee),
	})
}

// DispatchMarketClosed notifies market.closed subscribers. Fire-and-forget.
func (s *WebhookService) DispatchMarketClosed(m *domain.Market) {
	s.broadcast(domain.EventMarketClosed, s.clock.Now(), marketClosedData{
		MarketID:  m.ID,
		Question:  m.Question,
		CloseTime: formatTime(m.CloseTime),
	})
}

// DispatchMarketResolved notifies market.resolved subscribers. Fire-and-forget.
func (s *WebhookService) DispatchMarketResolved(m *domain.Market) {
	if m.WinningOutcome == nil {
		return
	}
	winning := *m.WinningOutcome
	s.broadcast(domain.EventMarketResolved, m.UpdatedAt, marketResolvedData{
		MarketID:       m.ID,
		WinningOutcome: winning,
		WinningLabel:   m.Outcomes[winning],
		SettlementPool: domain.FormatMajor(m.SettlementPool),
		WinningSupply:  domain.FormatMajor(m.WinningSupply),
	})
}

// DispatchWinningsClaimed notifies winnings.claimed subscribers. Fire-and-forget.
func (s *WebhookService) DispatchWinningsClaimed(marketID, holder string, payout uint64) {
	s.broadcast(domain.EventWinningsClaimed, s.clock.Now(), winningsClaimedData{
		MarketID: marketID,
		Holder:   holder,
		Payout:   domain.FormatMajor(payout),
	})
}

func (s *WebhookService) broadcast(event string, at time.Time, data any) {
	subs := s.store.ListByEvent(event)
	if len(subs) == 0 {
		return
	}
	payload := webhookPayload{
		Event:     event,
		Timestamp: formatTime(at),
		Data:      data,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Str("event", event).Msg("webhook-encode-failed")
		return
	}
	for _, wh := range subs {
		go s.deliver(wh, event, body)
	}
}

// deliver sends the webhook payload via HTTP POST with the required headers.
// Failures are logged and not retried.
func (s *WebhookService) deliver(wh domain.Webhook, eventType string, body []byte) {
	req, err := http.NewRequest(http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		s.log.Warn().Err(err).Str("webhook_id", wh.WebhookID).Msg("webhook-request-invalid")
		return
	}

	deliveryID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-Id", deliveryID)
	req.Header.Set("X-Webhook-Id", wh.WebhookID)
	req.Header.Set("X-Event-Type", eventType)

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Warn().Err(err).Str("webhook_id", wh.WebhookID).Str("delivery_id", deliveryID).Msg("webhook-delivery-failed")
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		s.log.Warn().Int("status", resp.StatusCode).Str("webhook_id", wh.WebhookID).Str("delivery_id", deliveryID).Msg("webhook-delivery-rejected")
	}
}

func webhookEventNames() []string {
	return []string{
		domain.EventTradeExecuted,
		domain.EventMarketClosed,
		domain.EventMarketResolved,
		domain.EventWinningsClaimed,
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}
