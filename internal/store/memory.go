package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/efreitasn/opinionmarket/internal/domain"
	"github.com/efreitasn/opinionmarket/internal/safemath"
)

type positionKey struct {
	marketID string
	holder   string
}

// MemoryStore is a thread-safe in-memory record store.
// Markets are keyed by id, positions by (market_id, holder), and trades are
// kept per market in chronological order.
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[string]*domain.Market
	positions map[positionKey]*domain.Position
	byMarket  map[string][]positionKey // market_id → position keys (insertion order)
	trades    map[string][]*domain.Trade
	admin     *domain.AdminConfig
	fees      domain.FeePool
}

var _ domain.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[string]*domain.Market),
		positions: make(map[positionKey]*domain.Position),
		byMarket:  make(map[string][]positionKey),
		trades:    make(map[string][]*domain.Trade),
	}
}

// Tx runs fn against a staging area. Staged writes are applied under the
// write lock when fn returns nil; on error they are dropped.
//
// Staged operations validate when called, and commit repeats the checks.
// Commit can still fail if a concurrent transaction pushed a fee counter
// past math.MaxUint64 after fn credited it; callers that move funds inside
// fn accept that case.
func (s *MemoryStore) Tx(ctx context.Context, fn func(tx domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		s:         s,
		markets:   make(map[string]*domain.Market),
		created:   make(map[string]bool),
		positions: make(map[positionKey]*domain.Position),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate everything before the first write.
	for id := range tx.created {
		if _, ok := s.markets[id]; ok {
			return domain.ErrMarketExists
		}
	}
	total, err := safemath.Add(s.fees.Total, tx.credit)
	if err != nil {
		return err
	}
	collected, err := safemath.Add(s.fees.Collected, tx.credit)
	if err != nil {
		return err
	}
	if total < tx.debit {
		return domain.ErrInsufficientLiquidity
	}
	withdrawn, err := safemath.Add(s.fees.Withdrawn, tx.debit)
	if err != nil {
		return err
	}

	for id, m := range tx.markets {
		s.markets[id] = m
	}
	for key, p := range tx.positions {
		if _, ok := s.positions[key]; !ok {
			s.byMarket[key.marketID] = append(s.byMarket[key.marketID], key)
		}
		s.positions[key] = p
	}
	for _, t := range tx.trades {
		s.trades[t.MarketID] = append(s.trades[t.MarketID], t)
	}
	if tx.admin != nil {
		s.admin = tx.admin
	}
	if tx.credit > 0 || tx.debit > 0 {
		s.fees.Total = total - tx.debit
		s.fees.Collected = collected
		s.fees.Withdrawn = withdrawn
		s.fees.UpdatedAt = tx.feesAt
	}
	return nil
}

// GetMarket returns a copy of the market. It returns
// domain.ErrMarketNotFound if the market does not exist.
func (s *MemoryStore) GetMarket(_ context.Context, id string) (*domain.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, domain.ErrMarketNotFound
	}
	return m.Clone(), nil
}

// ListMarkets returns every market ordered by creation time, optionally
// filtered by status.
func (s *MemoryStore) ListMarkets(_ context.Context, status *domain.MarketStatus) ([]*domain.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Market, 0, len(s.markets))
	for _, m := range s.markets {
		if status != nil && m.Status != *status {
			continue
		}
		result = append(result, m.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// GetPosition returns a copy of the holder's position. It returns
// domain.ErrPositionNotFound if the holder never traded the market.
func (s *MemoryStore) GetPosition(_ context.Context, marketID, holder string) (*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey{marketID, holder}]
	if !ok {
		return nil, domain.ErrPositionNotFound
	}
	return p.Clone(), nil
}

// ListPositions returns every position in a market in the order holders
// first traded it.
func (s *MemoryStore) ListPositions(_ context.Context, marketID string) ([]*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.byMarket[marketID]
	result := make([]*domain.Position, 0, len(keys))
	for _, key := range keys {
		result = append(result, s.positions[key].Clone())
	}
	return result, nil
}

// ListTrades returns the most recent trades of a market, newest first.
// A non-positive limit returns all of them.
func (s *MemoryStore) ListTrades(_ context.Context, marketID string, limit int) ([]*domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.trades[marketID]
	n := len(all)
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]*domain.Trade, 0, n)
	for i := len(all) - 1; i >= 0 && len(result) < n; i-- {
		t := *all[i]
		result = append(result, &t)
	}
	return result, nil
}

// GetAdminConfig returns domain.ErrNotInitialized before Initialize.
func (s *MemoryStore) GetAdminConfig(_ context.Context) (*domain.AdminConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.admin == nil {
		return nil, domain.ErrNotInitialized
	}
	c := *s.admin
	return &c, nil
}

// GetFeePool returns the current fee pool.
func (s *MemoryStore) GetFeePool(_ context.Context) (*domain.FeePool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f := s.fees
	return &f, nil
}

// memTx stages writes for one MemoryStore transaction. Reads see staged
// records first, then committed ones.
type memTx struct {
	s         *MemoryStore
	markets   map[string]*domain.Market
	created   map[string]bool
	positions map[positionKey]*domain.Position
	trades    []*domain.Trade
	admin     *domain.AdminConfig
	credit    uint64
	debit     uint64
	feesAt    time.Time
}

func (tx *memTx) GetMarket(id string) (*domain.Market, error) {
	if m, ok := tx.markets[id]; ok {
		return m.Clone(), nil
	}
	return tx.s.GetMarket(context.Background(), id)
}

func (tx *memTx) CreateMarket(m *domain.Market) error {
	if _, err := tx.GetMarket(m.ID); err == nil {
		return domain.ErrMarketExists
	}
	tx.markets[m.ID] = m.Clone()
	tx.created[m.ID] = true
	return nil
}

func (tx *memTx) PutMarket(m *domain.Market) error {
	if _, err := tx.GetMarket(m.ID); err != nil {
		return err
	}
	tx.markets[m.ID] = m.Clone()
	return nil
}

func (tx *memTx) GetPosition(marketID, holder string) (*domain.Position, error) {
	if p, ok := tx.positions[positionKey{marketID, holder}]; ok {
		return p.Clone(), nil
	}
	return tx.s.GetPosition(context.Background(), marketID, holder)
}

func (tx *memTx) PutPosition(p *domain.Position) error {
	tx.positions[positionKey{p.MarketID, p.Holder}] = p.Clone()
	return nil
}

func (tx *memTx) GetAdminConfig() (*domain.AdminConfig, error) {
	if tx.admin != nil {
		c := *tx.admin
		return &c, nil
	}
	return tx.s.GetAdminConfig(context.Background())
}

func (tx *memTx) PutAdminConfig(c *domain.AdminConfig) error {
	cp := *c
	tx.admin = &cp
	return nil
}

// GetFeePool returns the committed pool with this transaction's deltas
// applied.
func (tx *memTx) GetFeePool() (*domain.FeePool, error) {
	f, err := tx.s.GetFeePool(context.Background())
	if err != nil {
		return nil, err
	}
	if f.Total, err = safemath.Add(f.Total, tx.credit); err != nil {
		return nil, err
	}
	if f.Collected, err = safemath.Add(f.Collected, tx.credit); err != nil {
		return nil, err
	}
	if f.Total < tx.debit {
		return nil, domain.ErrInsufficientLiquidity
	}
	f.Total -= tx.debit
	if f.Withdrawn, err = safemath.Add(f.Withdrawn, tx.debit); err != nil {
		return nil, err
	}
	if tx.credit > 0 || tx.debit > 0 {
		f.UpdatedAt = tx.feesAt
	}
	return f, nil
}

// CreditFees and DebitFees check the staged pool against the committed one
// when called, so a failure surfaces inside fn rather than at commit.
func (tx *memTx) CreditFees(amount uint64, at time.Time) error {
	c, err := safemath.Add(tx.credit, amount)
	if err != nil {
		return err
	}
	return tx.stageFees(c, tx.debit, at)
}

func (tx *memTx) DebitFees(amount uint64, at time.Time) error {
	d, err := safemath.Add(tx.debit, amount)
	if err != nil {
		return err
	}
	return tx.stageFees(tx.credit, d, at)
}

func (tx *memTx) stageFees(credit, debit uint64, at time.Time) error {
	prevCredit, prevDebit, prevAt := tx.credit, tx.debit, tx.feesAt
	tx.credit, tx.debit, tx.feesAt = credit, debit, at
	if _, err := tx.GetFeePool(); err != nil {
		tx.credit, tx.debit, tx.feesAt = prevCredit, prevDebit, prevAt
		return err
	}
	return nil
}

func (tx *memTx) AppendTrade(t *domain.Trade) error {
	cp := *t
	tx.trades = append(tx.trades, &cp)
	return nil
}
