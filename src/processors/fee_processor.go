// backend/src/processors/fee_processor.go
package processors

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/username/tradejournal/backend/src/models"
)

const (
	CategoryCommission = "Trade Commission"
	CategoryFee        = "Fee"
)

type feeProcessorImpl struct{}

func NewFeeProcessor() FeeProcessor {
	return &feeProcessorImpl{}
}

type feeKey struct {
	ref      string
	category string
}

// Process lists the charges of the given orders as negative amounts. Partial fills of one
// broker order are consolidated into a single line per category.
func (p *feeProcessorImpl) Process(orders []models.Order) []models.FeeDetail {
	var feeDetails []models.FeeDetail
	index := make(map[feeKey]int)

	add := func(o models.Order, category string, amount decimal.Decimal) {
		if !amount.IsPositive() {
			return
		}
		ref := o.BrokerOrderID
		if ref == "" {
			ref = fmt.Sprintf("#%d", o.ID)
		}
		key := feeKey{ref: ref, category: category}
		if i, ok := index[key]; ok {
			feeDetails[i].Amount = feeDetails[i].Amount.Sub(amount)
			return
		}
		index[key] = len(feeDetails)
		feeDetails = append(feeDetails, models.FeeDetail{
			Date:     o.ExecutedAt.Format("2006-01-02"),
			Symbol:   o.Symbol,
			OrderRef: ref,
			Amount:   amount.Neg(),
			Currency: o.Currency,
			Category: category,
		})
	}

	for _, o := range orders {
		add(o, CategoryCommission, o.Commission)
		add(o, CategoryFee, o.Fees)
	}

	sort.SliceStable(feeDetails, func(i, j int) bool {
		if feeDetails[i].Date != feeDetails[j].Date {
			return feeDetails[i].Date < feeDetails[j].Date
		}
		return feeDetails[i].OrderRef < feeDetails[j].OrderRef
	})
	return feeDetails
}
