// Package sqlite is a durable domain.Store backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/efreitasn/opinionmarket/internal/domain"
)

// Store keeps markets, positions, trades, the admin record and the fee
// pool in one SQLite database. Amounts are stored as INTEGER, so values
// above math.MaxInt64 are rejected with domain.ErrArithmeticOverflow.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

var _ domain.Store = (*Store)(nil)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Open migrates the database at path and returns a Store over it.
func Open(path string, log zerolog.Logger) (*Store, error) {
	if err := EnsureMigrations(path, log); err != nil {
		return nil, err
	}
	// Write transactions take the lock up front so concurrent trades queue
	// instead of failing on upgrade.
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db, log: log}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx runs fn inside one SQLite transaction, committing when fn returns nil.
func (s *Store) Tx(ctx context.Context, fn func(tx domain.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		// No-op after a successful commit.
		_ = sqlTx.Rollback()
	}()

	if err := fn(&tx{ctx: ctx, q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		s.log.Err(err).Msg("commit-failed")
		return err
	}
	return nil
}

func (s *Store) GetMarket(ctx context.Context, id string) (*domain.Market, error) {
	return getMarket(ctx, s.db, id)
}

func (s *Store) ListMarkets(ctx context.Context, status *domain.MarketStatus) ([]*domain.Market, error) {
	query := `SELECT ` + marketColumns + ` FROM markets`
	args := []any{}
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	markets := []*domain.Market{}
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (s *Store) GetPosition(ctx context.Context, marketID, holder string) (*domain.Position, error) {
	return getPosition(ctx, s.db, marketID, holder)
}

func (s *Store) ListPositions(ctx context.Context, marketID string) ([]*domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE market_id = ?
		ORDER BY created_at, holder`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := []*domain.Position{}
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *Store) ListTrades(ctx context.Context, marketID string, limit int) ([]*domain.Trade, error) {
	if limit <= 0 {
		limit = -1 // no limit in SQLite
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT trade_id, market_id, holder, outcome, side, shares, amount, fee, executed_at
		FROM trades
		WHERE market_id = ?
		ORDER BY seq DESC
		LIMIT ?`, marketID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trades := []*domain.Trade{}
	for rows.Next() {
		var (
			t                   domain.Trade
			side, executedAt    string
			shares, amount, fee int64
		)
		if err := rows.Scan(&t.TradeID, &t.MarketID, &t.Holder, &t.Outcome, &side,
			&shares, &amount, &fee, &executedAt); err != nil {
			return nil, err
		}
		t.Side = domain.TradeSide(side)
		t.Shares, t.Amount, t.Fee = uint64(shares), uint64(amount), uint64(fee)
		if t.ExecutedAt, err = parseTime(executedAt); err != nil {
			return nil, err
		}
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

func (s *Store) GetAdminConfig(ctx context.Context) (*domain.AdminConfig, error) {
	return getAdminConfig(ctx, s.db)
}

func (s *Store) GetFeePool(ctx context.Context) (*domain.FeePool, error) {
	return getFeePool(ctx, s.db)
}

// tx implements domain.Tx over an open SQLite transaction.
type tx struct {
	ctx context.Context
	q   queryer
}

func (t *tx) GetMarket(id string) (*domain.Market, error) {
	return getMarket(t.ctx, t.q, id)
}

func (t *tx) CreateMarket(m *domain.Market) error {
	args, err := marketArgs(m)
	if err != nil {
		return err
	}
	res, err := t.q.ExecContext(t.ctx, `
		INSERT INTO markets (`+marketColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrMarketExists
	}
	return nil
}

func (t *tx) PutMarket(m *domain.Market) error {
	args, err := marketArgs(m)
	if err != nil {
		return err
	}
	// id goes last for the WHERE clause.
	args = append(args[1:], args[0])
	res, err := t.q.ExecContext(t.ctx, `
		UPDATE markets SET
			question = ?, outcomes = ?, quantities = ?, liquidity = ?, reserve = ?,
			creator = ?, close_time = ?, status = ?, winning_outcome = ?,
			settlement_pool = ?, winning_supply = ?, paid_out = ?, resolved_at = ?,
			created_at = ?, updated_at = ?
		WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrMarketNotFound
	}
	return nil
}

func (t *tx) GetPosition(marketID, holder string) (*domain.Position, error) {
	return getPosition(t.ctx, t.q, marketID, holder)
}

func (t *tx) PutPosition(p *domain.Position) error {
	shares, err := json.Marshal(p.Shares)
	if err != nil {
		return err
	}
	amounts, err := toInt64s(p.CostBasis, p.FeesPaid, p.Payout)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(t.ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (market_id, holder) DO UPDATE SET
			shares = excluded.shares,
			cost_basis = excluded.cost_basis,
			fees_paid = excluded.fees_paid,
			claimed = excluded.claimed,
			payout = excluded.payout,
			updated_at = excluded.updated_at`,
		p.MarketID, p.Holder, string(shares), amounts[0], amounts[1],
		p.Claimed, amounts[2], formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	return err
}

func (t *tx) GetAdminConfig() (*domain.AdminConfig, error) {
	return getAdminConfig(t.ctx, t.q)
}

func (t *tx) PutAdminConfig(c *domain.AdminConfig) error {
	amounts, err := toInt64s(c.FeeRateBps, c.MinLiquidity)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(t.ctx, `
		INSERT INTO admin_config (id, admin, fee_rate_bps, min_liquidity, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			admin = excluded.admin,
			fee_rate_bps = excluded.fee_rate_bps,
			min_liquidity = excluded.min_liquidity,
			updated_at = excluded.updated_at`,
		c.Admin, amounts[0], amounts[1], formatTime(c.UpdatedAt))
	return err
}

func (t *tx) GetFeePool() (*domain.FeePool, error) {
	return getFeePool(t.ctx, t.q)
}

func (t *tx) CreditFees(amount uint64, at time.Time) error {
	a, err := toInt64(amount)
	if err != nil {
		return err
	}
	res, err := t.q.ExecContext(t.ctx, `
		UPDATE fee_pool
		SET total = total + ?1, collected = collected + ?1, updated_at = ?2
		WHERE id = 1 AND total <= ?3 AND collected <= ?3`,
		a, formatTime(at), math.MaxInt64-a)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrArithmeticOverflow
	}
	return nil
}

func (t *tx) DebitFees(amount uint64, at time.Time) error {
	a, err := toInt64(amount)
	if err != nil {
		return err
	}
	res, err := t.q.ExecContext(t.ctx, `
		UPDATE fee_pool
		SET total = total - ?1, withdrawn = withdrawn + ?1, updated_at = ?2
		WHERE id = 1 AND total >= ?1`,
		a, formatTime(at))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrInsufficientLiquidity
	}
	return nil
}

func (t *tx) AppendTrade(tr *domain.Trade) error {
	amounts, err := toInt64s(tr.Shares, tr.Amount, tr.Fee)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(t.ctx, `
		INSERT INTO trades (trade_id, market_id, holder, outcome, side, shares, amount, fee, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.TradeID, tr.MarketID, tr.Holder, tr.Outcome, string(tr.Side),
		amounts[0], amounts[1], amounts[2], formatTime(tr.ExecutedAt))
	return err
}

const marketColumns = `id, question, outcomes, quantities, liquidity, reserve, creator,
	close_time, status, winning_outcome, settlement_pool, winning_supply, paid_out,
	resolved_at, created_at, updated_at`

const positionColumns = `market_id, holder, shares, cost_basis, fees_paid, claimed, payout,
	created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func getMarket(ctx context.Context, q queryer, id string) (*domain.Market, error) {
	row := q.QueryRowContext(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = ?`, id)
	m, err := scanMarket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMarketNotFound
	}
	return m, err
}

func scanMarket(row scanner) (*domain.Market, error) {
	var (
		m                                     domain.Market
		outcomes, quantities, status          string
		closeTime, createdAt, updatedAt       string
		liquidity, reserve, pool, supply, out int64
		winning                               sql.NullInt64
		resolvedAt                            sql.NullString
	)
	if err := row.Scan(&m.ID, &m.Question, &outcomes, &quantities, &liquidity, &reserve,
		&m.Creator, &closeTime, &status, &winning, &pool, &supply, &out,
		&resolvedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(outcomes), &m.Outcomes); err != nil {
		return nil, fmt.Errorf("market %s outcomes: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(quantities), &m.Quantities); err != nil {
		return nil, fmt.Errorf("market %s quantities: %w", m.ID, err)
	}
	m.Liquidity, m.Reserve = uint64(liquidity), uint64(reserve)
	m.SettlementPool, m.WinningSupply, m.PaidOut = uint64(pool), uint64(supply), uint64(out)
	m.Status = domain.MarketStatus(status)
	if winning.Valid {
		w := int(winning.Int64)
		m.WinningOutcome = &w
	}

	var err error
	if m.CloseTime, err = parseTime(closeTime); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		r, err := parseTime(resolvedAt.String)
		if err != nil {
			return nil, err
		}
		m.ResolvedAt = &r
	}
	return &m, nil
}

func marketArgs(m *domain.Market) ([]any, error) {
	outcomes, err := json.Marshal(m.Outcomes)
	if err != nil {
		return nil, err
	}
	quantities, err := json.Marshal(m.Quantities)
	if err != nil {
		return nil, err
	}
	amounts, err := toInt64s(m.Liquidity, m.Reserve, m.SettlementPool, m.WinningSupply, m.PaidOut)
	if err != nil {
		return nil, err
	}
	var winning, resolvedAt any
	if m.WinningOutcome != nil {
		winning = *m.WinningOutcome
	}
	if m.ResolvedAt != nil {
		resolvedAt = formatTime(*m.ResolvedAt)
	}
	return []any{
		m.ID, m.Question, string(outcomes), string(quantities), amounts[0], amounts[1],
		m.Creator, formatTime(m.CloseTime), string(m.Status), winning,
		amounts[2], amounts[3], amounts[4], resolvedAt,
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	}, nil
}

func getPosition(ctx context.Context, q queryer, marketID, holder string) (*domain.Position, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE market_id = ? AND holder = ?`, marketID, holder)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPositionNotFound
	}
	return p, err
}

func scanPosition(row scanner) (*domain.Position, error) {
	var (
		p                           domain.Position
		shares, created, updated    string
		costBasis, feesPaid, payout int64
	)
	if err := row.Scan(&p.MarketID, &p.Holder, &shares, &costBasis, &feesPaid,
		&p.Claimed, &payout, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(shares), &p.Shares); err != nil {
		return nil, fmt.Errorf("position %s/%s shares: %w", p.MarketID, p.Holder, err)
	}
	p.CostBasis, p.FeesPaid, p.Payout = uint64(costBasis), uint64(feesPaid), uint64(payout)

	var err error
	if p.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &p, nil
}

func getAdminConfig(ctx context.Context, q queryer) (*domain.AdminConfig, error) {
	var (
		c            domain.AdminConfig
		rate, minLiq int64
		updated      string
	)
	err := q.QueryRowContext(ctx, `
		SELECT admin, fee_rate_bps, min_liquidity, updated_at
		FROM admin_config WHERE id = 1`).Scan(&c.Admin, &rate, &minLiq, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotInitialized
	}
	if err != nil {
		return nil, err
	}
	c.FeeRateBps, c.MinLiquidity = uint64(rate), uint64(minLiq)
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &c, nil
}

func getFeePool(ctx context.Context, q queryer) (*domain.FeePool, error) {
	var (
		f                           domain.FeePool
		total, collected, withdrawn int64
		updated                     sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT total, collected, withdrawn, updated_at
		FROM fee_pool WHERE id = 1`).Scan(&total, &collected, &withdrawn, &updated)
	if err != nil {
		return nil, err
	}
	f.Total, f.Collected, f.Withdrawn = uint64(total), uint64(collected), uint64(withdrawn)
	if updated.Valid {
		if f.UpdatedAt, err = parseTime(updated.String); err != nil {
			return nil, err
		}
	}
	return &f, nil
}

func toInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, domain.ErrArithmeticOverflow
	}
	return int64(v), nil
}

func toInt64s(vs ...uint64) ([]int64, error) {
	out := make([]int64, len(vs))
	for i, v := range vs {
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

// timeLayout is fixed width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
