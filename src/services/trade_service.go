// backend/src/services/trade_service.go
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"github.com/username/tradejournal/backend/src/database"
	"github.com/username/tradejournal/backend/src/logger"
	"github.com/username/tradejournal/backend/src/model"
	"github.com/username/tradejournal/backend/src/models"
	"github.com/username/tradejournal/backend/src/processors"
	"github.com/username/tradejournal/backend/src/security/validation"
)

// SharedOrder is one order referenced by both requested and surviving trades.
type SharedOrder struct {
	OrderID             int64   `json:"orderId"`
	RequestedTradeIDs   []int64 `json:"requestedTradeIds"`
	ConflictingTradeIDs []int64 `json:"conflictingTradeIds"`
}

// DeletionConflictError refuses a deletion that would leave a trade without its orders.
// ConflictingTradeIDs is exactly the set of trades outside the request that share an order.
type DeletionConflictError struct {
	SharedOrderCount    int           `json:"sharedOrderCount"`
	ConflictingTradeIDs []int64       `json:"conflictingTradeIds"`
	SharedOrders        []SharedOrder `json:"sharedOrders"`
}

func (e *DeletionConflictError) Error() string {
	return fmt.Sprintf("%d order(s) are shared with trades %v; delete those trades together or not at all",
		e.SharedOrderCount, e.ConflictingTradeIDs)
}

func (e *DeletionConflictError) Is(target error) bool { return target == ErrDeletionConflict }

// DeleteResult counts what a successful deletion removed.
type DeleteResult struct {
	DeletedTrades int64 `json:"deletedTrades"`
	DeletedOrders int64 `json:"deletedOrders"`
}

// TradeService serves the journal: trade listings, stats, notes, tags and deletion.
type TradeService struct {
	db           *database.DB
	log          *slog.Logger
	feeProcessor processors.FeeProcessor
	reportCache  *cache.Cache
}

func NewTradeService(db *database.DB, log *slog.Logger, feeProcessor processors.FeeProcessor, reportCache *cache.Cache) *TradeService {
	return &TradeService{db: db, log: log, feeProcessor: feeProcessor, reportCache: reportCache}
}

// FindDeletionConflicts checks a deletion request. Unknown or foreign ids fail with
// ErrTradeNotFound. It returns the orders the requested trades reference and, when some
// of them are also referenced by other trades, the conflict report.
func (s *TradeService) FindDeletionConflicts(ctx context.Context, q database.Querier, userID int64, tradeIDs []int64) ([]int64, *DeletionConflictError, error) {
	ids := uniqueIDs(tradeIDs)
	if len(ids) == 0 {
		return nil, nil, fmt.Errorf("%w: no trade ids given", ErrTradeNotFound)
	}
	trades, err := model.GetTradesByIDs(ctx, q, userID, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("error loading trades: %w", err)
	}
	requested := make(map[int64]bool, len(trades))
	for _, t := range trades {
		requested[t.ID] = true
	}
	var missing []int64
	for _, id := range ids {
		if !requested[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, nil, fmt.Errorf("%w: %v", ErrTradeNotFound, missing)
	}

	var orderIDs []int64
	for _, t := range trades {
		orderIDs = append(orderIDs, t.OrderIDs()...)
	}
	orderIDs = uniqueIDs(orderIDs)

	refs, err := model.FindTradeRefsForOrders(ctx, q, orderIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("error loading trade links: %w", err)
	}
	byOrder := make(map[int64]*SharedOrder)
	for _, r := range refs {
		so := byOrder[r.OrderID]
		if so == nil {
			so = &SharedOrder{OrderID: r.OrderID, RequestedTradeIDs: []int64{}, ConflictingTradeIDs: []int64{}}
			byOrder[r.OrderID] = so
		}
		if requested[r.TradeID] {
			so.RequestedTradeIDs = append(so.RequestedTradeIDs, r.TradeID)
		} else {
			so.ConflictingTradeIDs = append(so.ConflictingTradeIDs, r.TradeID)
		}
	}

	conflict := &DeletionConflictError{ConflictingTradeIDs: []int64{}, SharedOrders: []SharedOrder{}}
	var conflicting []int64
	for _, id := range orderIDs {
		so := byOrder[id]
		if so == nil || len(so.ConflictingTradeIDs) == 0 {
			continue
		}
		conflict.SharedOrders = append(conflict.SharedOrders, *so)
		conflicting = append(conflicting, so.ConflictingTradeIDs...)
	}
	if len(conflict.SharedOrders) == 0 {
		return orderIDs, nil, nil
	}
	conflict.SharedOrderCount = len(conflict.SharedOrders)
	conflict.ConflictingTradeIDs = uniqueIDs(conflicting)
	return orderIDs, conflict, nil
}

// DeleteTrades removes the trades, their order links and the orders they reference, in
// one transaction. It refuses with a *DeletionConflictError when another trade shares
// one of those orders.
func (s *TradeService) DeleteTrades(ctx context.Context, userID int64, tradeIDs []int64) (*DeleteResult, error) {
	result := &DeleteResult{}
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		orderIDs, conflict, err := s.FindDeletionConflicts(ctx, tx, userID, tradeIDs)
		if err != nil {
			return err
		}
		if conflict != nil {
			return conflict
		}
		if result.DeletedTrades, err = model.DeleteTrades(ctx, tx, userID, uniqueIDs(tradeIDs)); err != nil {
			return fmt.Errorf("error deleting trades: %w", err)
		}
		if result.DeletedOrders, err = model.DeleteOrders(ctx, tx, userID, orderIDs); err != nil {
			return fmt.Errorf("error deleting orders: %w", err)
		}
		return nil
	})
	if err != nil {
		var conflict *DeletionConflictError
		if errors.As(err, &conflict) {
			logger.FromContext(ctx).Info("Trade deletion refused", "userID", userID, "conflictingTrades", conflict.ConflictingTradeIDs)
		}
		return nil, err
	}
	s.InvalidateUserCache(userID)
	logger.FromContext(ctx).Info("Trades deleted", "userID", userID, "trades", result.DeletedTrades, "orders", result.DeletedOrders)
	return result, nil
}

// ListTrades returns the user's trades. OPEN trades are classified against the current time.
func (s *TradeService) ListTrades(ctx context.Context, userID int64, filter models.TradeFilter) ([]models.Trade, error) {
	trades, err := model.ListTrades(ctx, s.db, userID, filter)
	if err != nil {
		return nil, fmt.Errorf("error listing trades: %w", err)
	}
	current := time.Now()
	for i := range trades {
		if trades[i].Status == models.TradeOpen {
			trades[i].HoldingPeriod = processors.ClassifyHoldingPeriod(trades[i].EntryAt, current)
		}
	}
	return nonNil(trades), nil
}

// GetTrade returns one of the user's trades or ErrTradeNotFound.
func (s *TradeService) GetTrade(ctx context.Context, userID, tradeID int64) (*models.Trade, error) {
	t, err := model.GetTradeByID(ctx, s.db, userID, tradeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrTradeNotFound, tradeID)
	}
	if err != nil {
		return nil, fmt.Errorf("error loading trade %d: %w", tradeID, err)
	}
	return t, nil
}

// GetStats summarizes the user's trades. Results are cached until the next import or edit.
func (s *TradeService) GetStats(ctx context.Context, userID int64) (*models.TradeStats, error) {
	cacheKey := fmt.Sprintf(ckTradeStats, userID)
	if cached, found := s.reportCache.Get(cacheKey); found {
		return cached.(*models.TradeStats), nil
	}
	trades, err := model.ListTrades(ctx, s.db, userID, models.TradeFilter{})
	if err != nil {
		return nil, fmt.Errorf("error listing trades: %w", err)
	}
	stats := computeStats(trades)
	s.reportCache.Set(cacheKey, stats, DefaultCacheExpiration)
	return stats, nil
}

func computeStats(trades []models.Trade) *models.TradeStats {
	stats := &models.TradeStats{
		NetPnL:          decimal.Zero,
		GrossProfit:     decimal.Zero,
		GrossLoss:       decimal.Zero,
		AverageWin:      decimal.Zero,
		AverageLoss:     decimal.Zero,
		TotalCommission: decimal.Zero,
		TotalFees:       decimal.Zero,
		ByHoldingPeriod: map[models.HoldingPeriod]int{},
		PnLBySymbol:     map[string]decimal.Decimal{},
	}
	for _, t := range trades {
		stats.TotalCommission = stats.TotalCommission.Add(t.Commission)
		stats.TotalFees = stats.TotalFees.Add(t.Fees)
		if t.Status == models.TradeOpen {
			stats.OpenTrades++
			continue
		}
		stats.TotalTrades++
		stats.ByHoldingPeriod[t.HoldingPeriod]++
		stats.NetPnL = stats.NetPnL.Add(t.RealizedPnL)
		stats.PnLBySymbol[t.Symbol] = stats.PnLBySymbol[t.Symbol].Add(t.RealizedPnL)
		switch {
		case t.RealizedPnL.IsPositive():
			stats.Winners++
			stats.GrossProfit = stats.GrossProfit.Add(t.RealizedPnL)
		case t.RealizedPnL.IsNegative():
			stats.Losers++
			stats.GrossLoss = stats.GrossLoss.Add(t.RealizedPnL.Abs())
		default:
			stats.Breakeven++
		}
	}
	if stats.TotalTrades > 0 {
		stats.WinRate = roundFloat(float64(stats.Winners)/float64(stats.TotalTrades)*100, 2)
	}
	if stats.Winners > 0 {
		stats.AverageWin = stats.GrossProfit.DivRound(decimal.NewFromInt(int64(stats.Winners)), 2)
	}
	if stats.Losers > 0 {
		stats.AverageLoss = stats.GrossLoss.DivRound(decimal.NewFromInt(int64(stats.Losers)), 2)
	}
	if stats.GrossLoss.IsPositive() {
		stats.ProfitFactor = roundFloat(stats.GrossProfit.Div(stats.GrossLoss).InexactFloat64(), 2)
	}
	return stats
}

// SaveNotesDraft stores notes without committing them.
func (s *TradeService) SaveNotesDraft(ctx context.Context, userID, tradeID int64, draft string) error {
	draft = validation.StripUnprintable(validation.SanitizeText(draft))
	if err := validation.ValidateNotes(draft); err != nil {
		return err
	}
	return s.tradeWrite(userID, tradeID, model.SaveTradeNotesDraft(ctx, s.db, userID, tradeID, draft, now()))
}

// CommitNotes promotes the draft notes.
func (s *TradeService) CommitNotes(ctx context.Context, userID, tradeID int64) error {
	return s.tradeWrite(userID, tradeID, model.CommitTradeNotes(ctx, s.db, userID, tradeID, now()))
}

// UpdateTradeTags replaces a trade's tags and returns the cleaned list.
func (s *TradeService) UpdateTradeTags(ctx context.Context, userID, tradeID int64, tags []string) ([]string, error) {
	cleaned, err := validation.ValidateTags(tags)
	if err != nil {
		return nil, err
	}
	if err := s.tradeWrite(userID, tradeID, model.UpdateTradeTags(ctx, s.db, userID, tradeID, cleaned, now())); err != nil {
		return nil, err
	}
	return cleaned, nil
}

// UpdateOrderTags replaces an order's tags, the only mutable part of an order.
func (s *TradeService) UpdateOrderTags(ctx context.Context, userID, orderID int64, tags []string) ([]string, error) {
	cleaned, err := validation.ValidateTags(tags)
	if err != nil {
		return nil, err
	}
	err = model.UpdateOrderTags(ctx, s.db, userID, orderID, cleaned)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("error updating order %d: %w", orderID, err)
	}
	return cleaned, nil
}

func (s *TradeService) tradeWrite(userID, tradeID int64, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %d", ErrTradeNotFound, tradeID)
	}
	if err != nil {
		return fmt.Errorf("error updating trade %d: %w", tradeID, err)
	}
	s.InvalidateUserCache(userID)
	return nil
}

// GetFeeDetails lists commission and fee charges per broker order, oldest first.
func (s *TradeService) GetFeeDetails(ctx context.Context, userID int64) ([]models.FeeDetail, error) {
	cacheKey := fmt.Sprintf(ckFeeDetails, userID)
	if cached, found := s.reportCache.Get(cacheKey); found {
		return cached.([]models.FeeDetail), nil
	}
	orders, err := model.ListOrders(ctx, s.db, userID)
	if err != nil {
		return nil, fmt.Errorf("error listing orders: %w", err)
	}
	details := nonNil(s.feeProcessor.Process(orders))
	s.reportCache.Set(cacheKey, details, DefaultCacheExpiration)
	return details, nil
}

// InvalidateUserCache drops the cached reports of one user.
func (s *TradeService) InvalidateUserCache(userID int64) {
	invalidateUserCache(s.reportCache, userID)
}

func invalidateUserCache(c *cache.Cache, userID int64) {
	if c == nil {
		return
	}
	c.Delete(fmt.Sprintf(ckTradeStats, userID))
	c.Delete(fmt.Sprintf(ckFeeDetails, userID))
	logger.L.Debug("User report cache invalidated", "userID", userID)
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func roundFloat(val float64, precision int) float64 {
	return decimal.NewFromFloat(val).Round(int32(precision)).InexactFloat64()
}
