package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TradeSide string

const (
	TradeLong  TradeSide = "LONG"
	TradeShort TradeSide = "SHORT"
)

type TradeStatus string

const (
	TradeOpen   TradeStatus = "OPEN"
	TradeClosed TradeStatus = "CLOSED"
)

type HoldingPeriod string

const (
	HoldingScalp     HoldingPeriod = "SCALP"
	HoldingIntraday  HoldingPeriod = "INTRADAY"
	HoldingSwing     HoldingPeriod = "SWING"
	HoldingPosition  HoldingPeriod = "POSITION"
	HoldingLongTerm  HoldingPeriod = "LONG_TERM"
	HoldingUndefined HoldingPeriod = ""
)

type OrderRole string

const (
	RoleEntry OrderRole = "ENTRY"
	RoleExit  OrderRole = "EXIT"
)

// TradeOrderLink records how much of an order a trade consumed and on which side.
type TradeOrderLink struct {
	OrderID  int64           `json:"order_id"`
	Role     OrderRole       `json:"role"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Trade is a round-trip position (or the open remainder of one).
type Trade struct {
	ID            int64            `json:"id"`
	UserID        int64            `json:"user_id"`
	BrokerID      int64            `json:"broker_id"`
	Account       string           `json:"account"`
	Symbol        string           `json:"symbol"`
	Side          TradeSide        `json:"side"`
	Status        TradeStatus      `json:"status"`
	Quantity      decimal.Decimal  `json:"quantity"`
	EntryPrice    decimal.Decimal  `json:"entry_price"`
	ExitPrice     *decimal.Decimal `json:"exit_price"`
	EntryAt       time.Time        `json:"entry_at"`
	ExitAt        *time.Time       `json:"exit_at"`
	RealizedPnL   decimal.Decimal  `json:"realized_pnl"`
	Commission    decimal.Decimal  `json:"commission"`
	Fees          decimal.Decimal  `json:"fees"`
	HoldingPeriod HoldingPeriod    `json:"holding_period"`
	Fingerprint   string           `json:"fingerprint"`
	Notes         string           `json:"notes"`
	NotesChanges  *string          `json:"notes_changes"`
	Tags          []string         `json:"tags"`
	Orders        []TradeOrderLink `json:"orders"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// EntryQuantity sums the ENTRY links; it equals Quantity for every aggregated trade.
func (t Trade) EntryQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, l := range t.Orders {
		if l.Role == RoleEntry {
			total = total.Add(l.Quantity)
		}
	}
	return total
}

// OrderIDs returns the distinct order ids referenced by the trade, in link order.
func (t Trade) OrderIDs() []int64 {
	seen := make(map[int64]bool, len(t.Orders))
	ids := make([]int64, 0, len(t.Orders))
	for _, l := range t.Orders {
		if !seen[l.OrderID] {
			seen[l.OrderID] = true
			ids = append(ids, l.OrderID)
		}
	}
	return ids
}

// TradeFilter narrows trade listings.
type TradeFilter struct {
	Symbol string
	Status TradeStatus
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// TradeStats is the journal summary over a user's closed trades.
type TradeStats struct {
	TotalTrades     int                        `json:"total_trades"`
	OpenTrades      int                        `json:"open_trades"`
	Winners         int                        `json:"winners"`
	Losers          int                        `json:"losers"`
	Breakeven       int                        `json:"breakeven"`
	WinRate         float64                    `json:"win_rate"`
	NetPnL          decimal.Decimal            `json:"net_pnl"`
	GrossProfit     decimal.Decimal            `json:"gross_profit"`
	GrossLoss       decimal.Decimal            `json:"gross_loss"`
	ProfitFactor    float64                    `json:"profit_factor"`
	AverageWin      decimal.Decimal            `json:"average_win"`
	AverageLoss     decimal.Decimal            `json:"average_loss"`
	TotalCommission decimal.Decimal            `json:"total_commission"`
	TotalFees       decimal.Decimal            `json:"total_fees"`
	ByHoldingPeriod map[HoldingPeriod]int      `json:"by_holding_period"`
	PnLBySymbol     map[string]decimal.Decimal `json:"pnl_by_symbol"`
}

// FeeDetail is one commission or fee charge attributed to a broker order.
type FeeDetail struct {
	Date     string          `json:"date"`
	Symbol   string          `json:"symbol"`
	OrderRef string          `json:"order_ref"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Category string          `json:"category"`
}
