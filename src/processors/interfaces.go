// backend/src/processors/interfaces.go
package processors

import "github.com/username/tradejournal/backend/src/models"

// FeeProcessor summarises the commissions and fees carried by orders.
type FeeProcessor interface {
	Process(orders []models.Order) []models.FeeDetail
}

// Aggregator turns executions into round-trip trades.
type Aggregator interface {
	Aggregate(orders []models.Order) []models.Trade
}
