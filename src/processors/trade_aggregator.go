// backend/src/processors/trade_aggregator.go
package processors

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/tradejournal/backend/src/models"
)

// PriceScale is the number of decimal places kept for volume weighted prices.
const PriceScale = 8

const (
	scalpLimit    = 15 * time.Minute
	intradayLimit = 24 * time.Hour
	swingLimit    = 30 * 24 * time.Hour
	positionLimit = 365 * 24 * time.Hour
)

// ClassifyHoldingPeriod buckets the time between entry and exit.
func ClassifyHoldingPeriod(entry, exit time.Time) models.HoldingPeriod {
	held := exit.Sub(entry)
	switch {
	case held < scalpLimit:
		return models.HoldingScalp
	case held < intradayLimit:
		return models.HoldingIntraday
	case held < swingLimit:
		return models.HoldingSwing
	case held < positionLimit:
		return models.HoldingPosition
	default:
		return models.HoldingLongTerm
	}
}

type tradeAggregatorImpl struct{}

func NewTradeAggregator() Aggregator {
	return &tradeAggregatorImpl{}
}

type groupKey struct {
	userID int64
	pos    models.PositionKey
}

// Aggregate splits orders by user and (broker, account, symbol) and aggregates each group.
// The result is ordered by group, then by entry time.
func (a *tradeAggregatorImpl) Aggregate(orders []models.Order) []models.Trade {
	groups := make(map[groupKey][]models.Order)
	var keys []groupKey
	for _, o := range orders {
		k := groupKey{userID: o.UserID, pos: o.PositionKey()}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], o)
	}
	sort.Slice(keys, func(i, j int) bool {
		x, y := keys[i], keys[j]
		if x.userID != y.userID {
			return x.userID < y.userID
		}
		if x.pos.BrokerID != y.pos.BrokerID {
			return x.pos.BrokerID < y.pos.BrokerID
		}
		if x.pos.Account != y.pos.Account {
			return x.pos.Account < y.pos.Account
		}
		return x.pos.Symbol < y.pos.Symbol
	})

	var trades []models.Trade
	for _, k := range keys {
		trades = append(trades, AggregatePosition(groups[k])...)
	}
	return trades
}

// event is one broker order: its fills share a broker order id and side.
type event struct {
	side  models.OrderSide
	fills []*models.Order
}

// lot is an open entry waiting to be closed FIFO.
type lot struct {
	order     *models.Order
	remaining decimal.Decimal
}

// portion is an allocated slice of an order within one trade.
type portion struct {
	order *models.Order
	qty   decimal.Decimal
}

// AggregatePosition aggregates the orders of a single (user, broker, account, symbol) group.
// Every exit event yields one CLOSED trade; what is still open at the end yields one OPEN trade.
func AggregatePosition(orders []models.Order) []models.Trade {
	if len(orders) == 0 {
		return nil
	}
	sorted := make([]models.Order, len(orders))
	copy(sorted, orders)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].ExecutedAt.Equal(sorted[j].ExecutedAt) {
			return sorted[i].ExecutedAt.Before(sorted[j].ExecutedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	var (
		trades []models.Trade
		lots   []*lot
		dir    models.OrderSide // side of the open lots
	)

	for _, ev := range buildEvents(sorted) {
		if len(lots) == 0 || ev.side == dir {
			dir = ev.side
			for _, o := range ev.fills {
				lots = append(lots, &lot{order: o, remaining: o.Quantity})
			}
			continue
		}

		var entries, exits []portion
		var reopened []*lot
		for _, o := range ev.fills {
			left := o.Quantity
			closed := decimal.Zero
			for len(lots) > 0 && left.IsPositive() {
				head := lots[0]
				take := decimal.Min(head.remaining, left)
				entries = append(entries, portion{order: head.order, qty: take})
				closed = closed.Add(take)
				head.remaining = head.remaining.Sub(take)
				left = left.Sub(take)
				if !head.remaining.IsPositive() {
					lots = lots[1:]
				}
			}
			if closed.IsPositive() {
				exits = append(exits, portion{order: o, qty: closed})
			}
			if left.IsPositive() {
				reopened = append(reopened, &lot{order: o, remaining: left})
			}
		}
		trades = append(trades, closedTrade(dir, mergePortions(entries), exits))
		if len(reopened) > 0 {
			lots = append(lots, reopened...)
			dir = ev.side
		}
	}

	if len(lots) > 0 {
		remaining := make([]portion, 0, len(lots))
		for _, l := range lots {
			remaining = append(remaining, portion{order: l.order, qty: l.remaining})
		}
		trades = append(trades, openTrade(dir, remaining))
	}
	return trades
}

// buildEvents groups fills sharing a non-empty broker order id and side. An event sits at
// the position of its first fill.
func buildEvents(sorted []models.Order) []event {
	var events []event
	index := make(map[string]int)
	for i := range sorted {
		o := &sorted[i]
		if o.BrokerOrderID != "" {
			key := string(o.Side) + "|" + o.BrokerOrderID
			if at, ok := index[key]; ok {
				events[at].fills = append(events[at].fills, o)
				continue
			}
			index[key] = len(events)
		}
		events = append(events, event{side: o.Side, fills: []*models.Order{o}})
	}
	return events
}

// mergePortions folds repeated portions of the same order, keeping first-seen order.
func mergePortions(ps []portion) []portion {
	var out []portion
	at := make(map[*models.Order]int)
	for _, p := range ps {
		if i, ok := at[p.order]; ok {
			out[i].qty = out[i].qty.Add(p.qty)
			continue
		}
		at[p.order] = len(out)
		out = append(out, p)
	}
	return out
}

func tradeSide(entrySide models.OrderSide) models.TradeSide {
	if entrySide == models.SideSell {
		return models.TradeShort
	}
	return models.TradeLong
}

func closedTrade(entrySide models.OrderSide, entries, exits []portion) models.Trade {
	t := baseTrade(entrySide, entries)
	t.Status = models.TradeClosed

	exitQty, exitNotional := decimal.Zero, decimal.Zero
	exitAt := exits[0].order.ExecutedAt
	for _, p := range exits {
		exitQty = exitQty.Add(p.qty)
		exitNotional = exitNotional.Add(p.order.Price.Mul(p.qty))
		if p.order.ExecutedAt.After(exitAt) {
			exitAt = p.order.ExecutedAt
		}
		t.Commission = t.Commission.Add(prorate(p.order.Commission, p))
		t.Fees = t.Fees.Add(prorate(p.order.Fees, p))
		t.Orders = append(t.Orders, models.TradeOrderLink{OrderID: p.order.ID, Role: models.RoleExit, Quantity: p.qty})
	}
	exitPrice := exitNotional.DivRound(exitQty, PriceScale)
	t.ExitPrice = &exitPrice
	t.ExitAt = &exitAt

	entryNotional := decimal.Zero
	for _, p := range entries {
		entryNotional = entryNotional.Add(p.order.Price.Mul(p.qty))
	}
	gross := exitNotional.Sub(entryNotional)
	if t.Side == models.TradeShort {
		gross = gross.Neg()
	}
	t.RealizedPnL = gross.Sub(t.Commission).Sub(t.Fees)
	t.HoldingPeriod = ClassifyHoldingPeriod(t.EntryAt, exitAt)
	t.Fingerprint = fingerprint(t)
	return t
}

func openTrade(entrySide models.OrderSide, entries []portion) models.Trade {
	t := baseTrade(entrySide, entries)
	t.Status = models.TradeOpen
	t.HoldingPeriod = models.HoldingUndefined
	t.Fingerprint = fingerprint(t)
	return t
}

// baseTrade fills the entry side of a trade from its allocated entry portions.
func baseTrade(entrySide models.OrderSide, entries []portion) models.Trade {
	first := entries[0].order
	t := models.Trade{
		UserID:      first.UserID,
		BrokerID:    first.BrokerID,
		Account:     first.Account,
		Symbol:      first.Symbol,
		Side:        tradeSide(entrySide),
		EntryAt:     first.ExecutedAt,
		RealizedPnL: decimal.Zero,
		Commission:  decimal.Zero,
		Fees:        decimal.Zero,
		Tags:        []string{},
	}

	qty, notional := decimal.Zero, decimal.Zero
	for _, p := range entries {
		qty = qty.Add(p.qty)
		notional = notional.Add(p.order.Price.Mul(p.qty))
		if p.order.ExecutedAt.Before(t.EntryAt) {
			t.EntryAt = p.order.ExecutedAt
		}
		t.Commission = t.Commission.Add(prorate(p.order.Commission, p))
		t.Fees = t.Fees.Add(prorate(p.order.Fees, p))
		t.Orders = append(t.Orders, models.TradeOrderLink{OrderID: p.order.ID, Role: models.RoleEntry, Quantity: p.qty})
	}
	t.Quantity = qty
	t.EntryPrice = notional.DivRound(qty, PriceScale)
	return t
}

// prorate allocates the share of an order's charge that matches the portion's quantity.
func prorate(charge decimal.Decimal, p portion) decimal.Decimal {
	if charge.IsZero() || p.order.Quantity.IsZero() {
		return decimal.Zero
	}
	if p.qty.Equal(p.order.Quantity) {
		return charge
	}
	return charge.Mul(p.qty).DivRound(p.order.Quantity, PriceScale)
}

// fingerprint identifies a trade by its group, direction, status and order links.
func fingerprint(t models.Trade) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d|%d|%s|%s|%s|%s", t.UserID, t.BrokerID, t.Account, t.Symbol, t.Side, t.Status)
	for _, l := range t.Orders {
		fmt.Fprintf(&b, "|%d:%s:%s", l.OrderID, l.Role, l.Quantity.String())
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
