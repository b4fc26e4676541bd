package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/rs/zerolog"

	"github.com/efreitasn/opinionmarket/internal/domain"
)

// closeEntry orders open markets by close time, then id.
type closeEntry struct {
	CloseTime time.Time
	MarketID  string
}

func closeLess(a, b closeEntry) bool {
	if !a.CloseTime.Equal(b.CloseTime) {
		return a.CloseTime.Before(b.CloseTime)
	}
	return a.MarketID < b.MarketID
}

// CloseWatcher tracks open markets by close time and announces each one
// once its close time passes. Trading already stops at close time without
// it; the watcher only produces the market.closed notification.
type CloseWatcher struct {
	interval time.Duration
	reader   domain.Reader
	events   EventDispatcher
	clock    domain.Clock
	log      zerolog.Logger

	mu      sync.Mutex // protects pending and index
	pending *btree.BTreeG[closeEntry]
	index   map[string]closeEntry // market_id → entry
}

// NewCloseWatcher creates a CloseWatcher that re-reads markets through
// reader before announcing them. Close times are compared against clock,
// which should be the ledger's clock.
func NewCloseWatcher(interval time.Duration, reader domain.Reader, events EventDispatcher, clock domain.Clock, log zerolog.Logger) *CloseWatcher {
	if events == nil {
		events = noopDispatcher{}
	}
	const degree = 32
	return &CloseWatcher{
		interval: interval,
		reader:   reader,
		events:   events,
		clock:    clock,
		log:      log,
		pending:  btree.NewG[closeEntry](degree, closeLess),
		index:    make(map[string]closeEntry),
	}
}

// Load tracks every open market already in the store. Call it once before
// Start.
func (w *CloseWatcher) Load(ctx context.Context) error {
	open := domain.MarketStatusOpen
	markets, err := w.reader.ListMarkets(ctx, &open)
	if err != nil {
		return err
	}
	for _, m := range markets {
		w.Add(m)
	}
	w.log.Info().Int("markets", len(markets)).Msg("close-watcher-loaded")
	return nil
}

// Add starts tracking m. Resolved markets are ignored.
func (w *CloseWatcher) Add(m *domain.Market) {
	if m.IsResolved() {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if old, ok := w.index[m.ID]; ok {
		w.pending.Delete(old)
	}
	entry := closeEntry{CloseTime: m.CloseTime, MarketID: m.ID}
	w.pending.ReplaceOrInsert(entry)
	w.index[m.ID] = entry
}

// Remove stops tracking a market.
func (w *CloseWatcher) Remove(marketID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.index[marketID]
	if !ok {
		return
	}
	delete(w.index, marketID)
	w.pending.Delete(entry)
}

// Start launches a background goroutine that ticks at the configured
// interval. It stops when ctx is cancelled.
func (w *CloseWatcher) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.tick(ctx, w.clock.Now())
			}
		}
	}()
}

// tick pops every market whose close time is at or before now and
// announces the ones still unresolved.
func (w *CloseWatcher) tick(ctx context.Context, now time.Time) {
	// Collect due entries under the watcher lock.
	w.mu.Lock()
	var due []closeEntry
	for {
		entry, ok := w.pending.Min()
		if !ok || entry.CloseTime.After(now) {
			break
		}
		w.pending.DeleteMin()
		delete(w.index, entry.MarketID)
		due = append(due, entry)
	}
	w.mu.Unlock()

	for _, entry := range due {
		m, err := w.reader.GetMarket(ctx, entry.MarketID)
		if err != nil {
			w.log.Warn().Err(err).Str("market_id", entry.MarketID).Msg("close-watcher-lookup-failed")
			continue
		}
		// Resolution may have raced the tick.
		if m.IsResolved() {
			continue
		}
		w.log.Info().Str("market_id", m.ID).Time("close_time", m.CloseTime).Msg("market-closed")
		w.events.DispatchMarketClosed(m)
	}
}

// PendingCount returns the number of markets awaiting close.
func (w *CloseWatcher) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending.Len()
}
