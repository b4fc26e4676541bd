package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/efreitasn/opinionmarket/internal/domain"
	"github.com/efreitasn/opinionmarket/internal/lmsr"
	"github.com/efreitasn/opinionmarket/internal/safemath"
)

// Field limits for market creation.
const (
	MaxMarketIDLength = 100
	MaxQuestionLength = 500
	MaxOutcomeLength  = 200
)

// Limits are the deployment policy bounds applied to every operation.
type Limits struct {
	MinDuration          time.Duration
	MaxDuration          time.Duration
	MinLiquidity         uint64 // floor for the admin's min_liquidity setting
	MaxLiquidity         uint64
	MinCost              uint64
	MaxCost              uint64
	MinShares            uint64
	MaxShares            uint64
	SlippageToleranceBps uint64
}

// DefaultLimits returns the standard policy: markets run one day to one
// year, trades move between 0.00001 and 1 major unit.
func DefaultLimits() Limits {
	return Limits{
		MinDuration:          24 * time.Hour,
		MaxDuration:          365 * 24 * time.Hour,
		MinLiquidity:         1_000_000,
		MaxLiquidity:         1_000_000_000_000,
		MinCost:              10_000,
		MaxCost:              1_000_000_000,
		MinShares:            1,
		MaxShares:            1_000_000_000_000_000,
		SlippageToleranceBps: lmsr.DefaultSlippageToleranceBps,
	}
}

// LedgerOptions carries the optional collaborators of a Ledger.
type LedgerOptions struct {
	Limits  Limits
	Vault   string // account holding reserves and fees
	Events  EventDispatcher
	Watcher *CloseWatcher
	Logger  zerolog.Logger
}

// Ledger owns the market, position, admin and fee-pool records and every
// state transition on them.
//
// Each operation validates its inputs, takes the lock for the record it
// mutates, reads and checks current state inside one store transaction,
// stages all writes, and calls the transfer service last so a refused
// transfer discards the staged writes.
type Ledger struct {
	store     domain.Store
	locker    MarketLocker
	transfers domain.Transferer
	clock     domain.Clock
	limits    Limits
	vault     string
	events    EventDispatcher
	watcher   *CloseWatcher
	log       zerolog.Logger
}

// NewLedger creates a Ledger with the given dependencies.
func NewLedger(
	store domain.Store,
	locker MarketLocker,
	transfers domain.Transferer,
	clock domain.Clock,
	opts LedgerOptions,
) *Ledger {
	events := opts.Events
	if events == nil {
		events = noopDispatcher{}
	}
	return &Ledger{
		store:     store,
		locker:    locker,
		transfers: transfers,
		clock:     clock,
		limits:    opts.Limits,
		vault:     opts.Vault,
		events:    events,
		watcher:   opts.Watcher,
		log:       opts.Logger,
	}
}

// Limits returns the policy bounds the ledger enforces.
func (l *Ledger) Limits() Limits {
	return l.limits
}

// withLock runs fn in a store transaction while holding key.
func (l *Ledger) withLock(ctx context.Context, key string, fn func(tx domain.Tx) error) error {
	unlock, err := l.locker.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return l.store.Tx(ctx, fn)
}

// Initialize creates the admin record. It can run only once.
func (l *Ledger) Initialize(ctx context.Context, admin string, feeRateBps, minLiquidity uint64) (*domain.AdminConfig, error) {
	if admin == "" {
		return nil, &domain.ValidationError{Message: "admin is required"}
	}
	if err := validateFeeRate(feeRateBps); err != nil {
		return nil, err
	}
	if minLiquidity < l.limits.MinLiquidity || minLiquidity > l.limits.MaxLiquidity {
		return nil, &domain.ValidationError{Message: fmt.Sprintf(
			"min_liquidity must be between %d and %d", l.limits.MinLiquidity, l.limits.MaxLiquidity)}
	}

	cfg := &domain.AdminConfig{
		Admin:        admin,
		FeeRateBps:   feeRateBps,
		MinLiquidity: minLiquidity,
		UpdatedAt:    l.clock.Now(),
	}
	err := l.withLock(ctx, adminLockKey, func(tx domain.Tx) error {
		if _, err := tx.GetAdminConfig(); err == nil {
			return domain.ErrAlreadyInitialized
		} else if !errors.Is(err, domain.ErrNotInitialized) {
			return err
		}
		return tx.PutAdminConfig(cfg)
	})
	if err != nil {
		return nil, err
	}

	l.log.Info().Str("admin", admin).Uint64("fee_rate_bps", feeRateBps).Msg("ledger-initialized")
	return cfg, nil
}

// UpdateAdmin hands the admin role to newAdmin and sets a new fee rate.
// Only the current admin may call it.
func (l *Ledger) UpdateAdmin(ctx context.Context, caller, newAdmin string, newFeeRateBps uint64) (*domain.AdminConfig, error) {
	if newAdmin == "" {
		return nil, &domain.ValidationError{Message: "new admin is required"}
	}
	if err := validateFeeRate(newFeeRateBps); err != nil {
		return nil, err
	}

	var updated *domain.AdminConfig
	err := l.withLock(ctx, adminLockKey, func(tx domain.Tx) error {
		cfg, err := l.requireAdmin(tx, caller)
		if err != nil {
			return err
		}
		cfg.Admin = newAdmin
		cfg.FeeRateBps = newFeeRateBps
		cfg.UpdatedAt = l.clock.Now()
		updated = cfg
		return tx.PutAdminConfig(cfg)
	})
	if err != nil {
		return nil, err
	}

	l.log.Info().Str("admin", newAdmin).Uint64("fee_rate_bps", newFeeRateBps).Msg("admin-updated")
	return updated, nil
}

// CollectFees withdraws amount from the fee pool to the admin.
func (l *Ledger) CollectFees(ctx context.Context, caller string, amount uint64) (*domain.FeePool, error) {
	if amount == 0 {
		return nil, &domain.ValidationError{Message: "amount must be positive"}
	}

	var pool *domain.FeePool
	err := l.withLock(ctx, adminLockKey, func(tx domain.Tx) error {
		if _, err := l.requireAdmin(tx, caller); err != nil {
			return err
		}
		current, err := tx.GetFeePool()
		if err != nil {
			return err
		}
		if amount > current.Total {
			return &domain.ValidationError{Message: fmt.Sprintf(
				"amount %d exceeds collected fees %d", amount, current.Total)}
		}
		if err := tx.DebitFees(amount, l.clock.Now()); err != nil {
			return err
		}
		if pool, err = tx.GetFeePool(); err != nil {
			return err
		}
		return l.transfer(ctx, l.vault, caller, l.vault, amount)
	})
	if err != nil {
		return nil, err
	}

	l.log.Info().Uint64("amount", amount).Uint64("remaining", pool.Total).Msg("fees-collected")
	return pool, nil
}

// CreateMarketRequest describes a new market. An empty ID is replaced by
// a generated one.
type CreateMarketRequest struct {
	ID        string
	Question  string
	Outcomes  []string
	CloseTime time.Time
	Liquidity uint64
	Creator   string
}

// CreateMarket validates req, opens the market with zero outstanding
// shares, and moves the initial liquidity from the creator to the vault.
func (l *Ledger) CreateMarket(ctx context.Context, req CreateMarketRequest) (*domain.Market, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	now := l.clock.Now()
	if err := l.validateCreate(req, now); err != nil {
		return nil, err
	}

	m := &domain.Market{
		ID:         req.ID,
		Question:   req.Question,
		Outcomes:   append([]string(nil), req.Outcomes...),
		Quantities: make([]uint64, len(req.Outcomes)),
		Liquidity:  req.Liquidity,
		Reserve:    req.Liquidity,
		Creator:    req.Creator,
		CloseTime:  req.CloseTime,
		Status:     domain.MarketStatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := l.withLock(ctx, marketLockKey(m.ID), func(tx domain.Tx) error {
		cfg, err := tx.GetAdminConfig()
		if err != nil {
			return err
		}
		if req.Liquidity < cfg.MinLiquidity {
			return &domain.ValidationError{Message: fmt.Sprintf(
				"liquidity must be at least %d", cfg.MinLiquidity)}
		}
		if err := tx.CreateMarket(m); err != nil {
			return err
		}
		return l.transfer(ctx, req.Creator, l.vault, req.Creator, req.Liquidity)
	})
	if err != nil {
		return nil, err
	}

	if l.watcher != nil {
		l.watcher.Add(m)
	}
	l.log.Info().
		Str("market_id", m.ID).
		Int("outcomes", len(m.Outcomes)).
		Uint64("liquidity", m.Liquidity).
		Time("close_time", m.CloseTime).
		Msg("market-created")
	return m.Clone(), nil
}

func (l *Ledger) validateCreate(req CreateMarketRequest, now time.Time) error {
	if n := utf8.RuneCountInString(req.ID); n > MaxMarketIDLength {
		return &domain.ValidationError{Message: fmt.Sprintf("market id must be at most %d characters", MaxMarketIDLength)}
	}
	if req.Question == "" || utf8.RuneCountInString(req.Question) > MaxQuestionLength {
		return &domain.ValidationError{Message: fmt.Sprintf("question must be 1 to %d characters", MaxQuestionLength)}
	}
	if len(req.Outcomes) < domain.MinOutcomes || len(req.Outcomes) > domain.MaxOutcomes {
		return &domain.ValidationError{Message: fmt.Sprintf(
			"market needs %d to %d outcomes", domain.MinOutcomes, domain.MaxOutcomes)}
	}
	for i, o := range req.Outcomes {
		if o == "" || utf8.RuneCountInString(o) > MaxOutcomeLength {
			return &domain.ValidationError{Message: fmt.Sprintf(
				"outcome %d must be 1 to %d characters", i, MaxOutcomeLength)}
		}
	}
	if req.Creator == "" {
		return &domain.ValidationError{Message: "creator is required"}
	}
	duration := req.CloseTime.Sub(now)
	if duration < l.limits.MinDuration || duration > l.limits.MaxDuration {
		return &domain.ValidationError{Message: fmt.Sprintf(
			"close time must be between %s and %s from now", l.limits.MinDuration, l.limits.MaxDuration)}
	}
	if req.Liquidity > l.limits.MaxLiquidity {
		return &domain.ValidationError{Message: fmt.Sprintf("liquidity must be at most %d", l.limits.MaxLiquidity)}
	}
	return nil
}

// AddLiquidity deepens an open market: liquidity and reserve both grow by
// amount, which raises b and flattens price impact.
func (l *Ledger) AddLiquidity(ctx context.Context, provider, marketID string, amount uint64) (*domain.Market, error) {
	if provider == "" {
		return nil, &domain.ValidationError{Message: "provider is required"}
	}
	if err := l.checkCost(amount); err != nil {
		return nil, err
	}

	var updated *domain.Market
	err := l.withLock(ctx, marketLockKey(marketID), func(tx domain.Tx) error {
		m, err := l.tradableMarket(tx, marketID)
		if err != nil {
			return err
		}
		if m.Liquidity, err = safemath.Add(m.Liquidity, amount); err != nil {
			return err
		}
		if m.Liquidity > l.limits.MaxLiquidity {
			return &domain.ValidationError{Message: fmt.Sprintf("liquidity must be at most %d", l.limits.MaxLiquidity)}
		}
		if m.Reserve, err = safemath.Add(m.Reserve, amount); err != nil {
			return err
		}
		m.UpdatedAt = l.clock.Now()
		if err := tx.PutMarket(m); err != nil {
			return err
		}
		updated = m
		return l.transfer(ctx, provider, l.vault, provider, amount)
	})
	if err != nil {
		return nil, err
	}

	l.log.Info().Str("market_id", marketID).Uint64("amount", amount).Uint64("liquidity", updated.Liquidity).Msg("liquidity-added")
	return updated, nil
}

// RemoveLiquidity returns amount of an open market's liquidity to its
// creator. Liquidity may not drop below the admin minimum and the reserve
// must be able to fund the withdrawal.
func (l *Ledger) RemoveLiquidity(ctx context.Context, caller, marketID string, amount uint64) (*domain.Market, error) {
	if amount == 0 {
		return nil, &domain.ValidationError{Message: "amount must be positive"}
	}

	var updated *domain.Market
	err := l.withLock(ctx, marketLockKey(marketID), func(tx domain.Tx) error {
		cfg, err := tx.GetAdminConfig()
		if err != nil {
			return err
		}
		m, err := l.tradableMarket(tx, marketID)
		if err != nil {
			return err
		}
		if caller != m.Creator {
			return domain.ErrUnauthorized
		}
		if m.Liquidity < amount || m.Liquidity-amount < cfg.MinLiquidity {
			return domain.ErrInsufficientLiquidity
		}
		if m.Reserve < amount {
			return domain.ErrInsufficientLiquidity
		}
		m.Liquidity -= amount
		m.Reserve -= amount
		m.UpdatedAt = l.clock.Now()
		if err := tx.PutMarket(m); err != nil {
			return err
		}
		updated = m
		return l.transfer(ctx, l.vault, caller, l.vault, amount)
	})
	if err != nil {
		return nil, err
	}

	l.log.Info().Str("market_id", marketID).Uint64("amount", amount).Uint64("liquidity", updated.Liquidity).Msg("liquidity-removed")
	return updated, nil
}

// Resolve seals a closed market with its winning outcome. The reserve at
// this moment becomes the settlement pool shared by the winning holders.
// Only the admin may resolve, and only once.
func (l *Ledger) Resolve(ctx context.Context, caller, marketID string, winning int) (*domain.Market, error) {
	var resolved *domain.Market
	err := l.withLock(ctx, marketLockKey(marketID), func(tx domain.Tx) error {
		if _, err := l.requireAdmin(tx, caller); err != nil {
			return err
		}
		m, err := tx.GetMarket(marketID)
		if err != nil {
			return err
		}
		if m.IsResolved() {
			return domain.ErrMarketResolved
		}
		now := l.clock.Now()
		if !m.IsClosed(now) {
			return domain.ErrMarketNotClosed
		}
		if !m.ValidOutcome(winning) {
			return domain.ErrInvalidWinningOption
		}

		m.Status = domain.MarketStatusResolved
		m.WinningOutcome = &winning
		m.ResolvedAt = &now
		m.SettlementPool = m.Reserve
		m.WinningSupply = m.Quantities[winning]
		m.UpdatedAt = now
		resolved = m
		return tx.PutMarket(m)
	})
	if err != nil {
		return nil, err
	}

	if l.watcher != nil {
		l.watcher.Remove(marketID)
	}
	l.log.Info().
		Str("market_id", marketID).
		Int("winning_outcome", winning).
		Uint64("settlement_pool", resolved.SettlementPool).
		Uint64("winning_supply", resolved.WinningSupply).
		Msg("market-resolved")
	l.events.DispatchMarketResolved(resolved.Clone())
	return resolved, nil
}

// requireAdmin returns the admin record if caller holds the admin role.
func (l *Ledger) requireAdmin(tx domain.Tx, caller string) (*domain.AdminConfig, error) {
	cfg, err := tx.GetAdminConfig()
	if err != nil {
		return nil, err
	}
	if caller == "" || caller != cfg.Admin {
		return nil, domain.ErrUnauthorized
	}
	return cfg, nil
}

// tradableMarket loads a market that still accepts trades and liquidity
// changes.
func (l *Ledger) tradableMarket(tx domain.Tx, marketID string) (*domain.Market, error) {
	m, err := tx.GetMarket(marketID)
	if err != nil {
		return nil, err
	}
	if m.IsResolved() {
		return nil, domain.ErrMarketResolved
	}
	if m.IsClosed(l.clock.Now()) {
		return nil, domain.ErrMarketClosed
	}
	return m, nil
}

func (l *Ledger) checkCost(amount uint64) error {
	if amount < l.limits.MinCost || amount > l.limits.MaxCost {
		return &domain.ValidationError{Message: fmt.Sprintf(
			"amount must be between %d and %d", l.limits.MinCost, l.limits.MaxCost)}
	}
	return nil
}

func (l *Ledger) checkShares(shares uint64, field string) error {
	if shares < l.limits.MinShares || shares > l.limits.MaxShares {
		return &domain.ValidationError{Message: fmt.Sprintf(
			"%s must be between %d and %d", field, l.limits.MinShares, l.limits.MaxShares)}
	}
	return nil
}

// transfer calls the transfer service, skipping zero amounts.
func (l *Ledger) transfer(ctx context.Context, from, to, authority string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if err := l.transfers.Transfer(ctx, from, to, authority, amount); err != nil {
		l.log.Warn().Err(err).Str("from", from).Str("to", to).Uint64("amount", amount).Msg("transfer-refused")
		return err
	}
	return nil
}

func validateFeeRate(bps uint64) error {
	if bps > domain.MaxFeeRateBps {
		return &domain.ValidationError{Message: fmt.Sprintf("fee rate must be at most %d bps", domain.MaxFeeRateBps)}
	}
	return nil
}
