package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Order is one persisted broker execution. Only Tags change after creation.
type Order struct {
	ID            int64             `json:"id"`
	UserID        int64             `json:"user_id"`
	BrokerID      int64             `json:"broker_id"`
	ImportBatchID string            `json:"import_batch_id"`
	OrderKey      string            `json:"order_key"`
	BrokerOrderID string            `json:"broker_order_id"`
	Symbol        string            `json:"symbol"`
	Side          OrderSide         `json:"side"`
	Quantity      decimal.Decimal   `json:"quantity"`
	Price         decimal.Decimal   `json:"price"`
	Commission    decimal.Decimal   `json:"commission"`
	Fees          decimal.Decimal   `json:"fees"`
	Currency      string            `json:"currency"`
	Account       string            `json:"account"`
	ExecutedAt    time.Time         `json:"executed_at"`
	Metadata      map[string]string `json:"metadata"`
	Tags          []string          `json:"tags"`
	CreatedAt     time.Time         `json:"created_at"`
}

// PositionKey groups orders that net against each other.
type PositionKey struct {
	BrokerID int64  `json:"broker_id"`
	Account  string `json:"account"`
	Symbol   string `json:"symbol"`
}

func (o Order) PositionKey() PositionKey {
	return PositionKey{BrokerID: o.BrokerID, Account: o.Account, Symbol: o.Symbol}
}
