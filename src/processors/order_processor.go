// backend/src/processors/order_processor.go
package processors

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/username/tradejournal/backend/src/models"
)

// OrderProcessor turns validated canonical rows into orders ready to persist.
type OrderProcessor struct{}

func NewOrderProcessor() *OrderProcessor { return &OrderProcessor{} }

// Process assigns every row its idempotency key and owner. Rows with a broker order id are
// keyed by that id plus its occurrence index in the file (partial fills repeat the id);
// other rows by a hash of their canonical values plus the occurrence index among identical rows.
func (p *OrderProcessor) Process(rows []models.CanonicalOrder, userID, brokerID int64, batchID string) []models.Order {
	orders := make([]models.Order, 0, len(rows))
	seen := make(map[string]int, len(rows))

	for _, row := range rows {
		base := "row:" + generateHash(row)
		if row.BrokerOrderID != "" {
			base = "oid:" + row.BrokerOrderID
		}
		occurrence := seen[base]
		seen[base] = occurrence + 1

		metadata := row.Metadata
		if metadata == nil {
			metadata = map[string]string{}
		}
		orders = append(orders, models.Order{
			UserID:        userID,
			BrokerID:      brokerID,
			ImportBatchID: batchID,
			OrderKey:      fmt.Sprintf("%s#%d", base, occurrence),
			BrokerOrderID: row.BrokerOrderID,
			Symbol:        row.Symbol,
			Side:          row.Side,
			Quantity:      row.Quantity,
			Price:         row.Price,
			Commission:    row.Commission,
			Fees:          row.Fees,
			Currency:      row.Currency,
			Account:       row.Account,
			ExecutedAt:    row.ExecutedAt.UTC(),
			Metadata:      metadata,
			Tags:          []string{},
		})
	}
	return orders
}

// generateHash creates a stable hash of the values that identify an execution.
func generateHash(row models.CanonicalOrder) string {
	input := strings.Join([]string{
		row.Symbol,
		string(row.Side),
		row.Quantity.String(),
		row.Price.String(),
		row.Commission.String(),
		row.Fees.String(),
		row.Currency,
		row.Account,
		row.ExecutedAt.UTC().Format(time.RFC3339Nano),
	}, "|")
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])
}
