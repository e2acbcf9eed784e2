package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCanonicalField(t *testing.T) {
	tests := []struct {
		in     string
		want   CanonicalField
		wantOK bool
	}{
		{"executed_at", FieldExecutedAt, true},
		{"executedAt", FieldExecutedAt, true},
		{"Executed At", FieldExecutedAt, true},
		{"timestamp", FieldExecutedAt, true},
		{"Trade Date", FieldTradeDate, true},
		{"date", FieldTradeDate, true},
		{"ORDER_ID", FieldOrderID, true},
		{"orderId", FieldOrderID, true},
		{"qty", FieldQuantity, true},
		{"ticker", FieldSymbol, true},
		{"brokerMetadata", FieldBrokerMetadata, true},
		{"ignore", FieldBrokerMetadata, true},
		{"", FieldBrokerMetadata, true},
		{"strike", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseCanonicalField(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestMappingStateRoundTrip(t *testing.T) {
	pending := PendingReview{
		ProposedMapping: ColumnMapping{
			"Symbol": {Field: FieldSymbol, Confidence: 1},
			"Note":   {Field: FieldBrokerMetadata, Confidence: 0.2},
		},
		ProposedBroker:   "Acme",
		ProposedMetadata: []string{"Note"},
		Confidence:       0.55,
		Source:           SourceAI,
		Headers:          []string{"Symbol", "Note"},
		SampleRows:       [][]string{{"AAPL", "x"}},
	}
	finalized := FinalizedMapping{
		FormatID: 4,
		Source:   SourceRegistry,
		Mapping:  ColumnMapping{"Symbol": {Field: FieldSymbol, Confidence: 1, UserCorrected: true}},
	}

	for _, state := range []MappingState{pending, finalized} {
		raw, err := MarshalMappingState(state)
		require.NoError(t, err)
		assert.Contains(t, string(raw), `"kind":"`+state.mappingStateKind()+`"`)

		back, err := UnmarshalMappingState(raw)
		require.NoError(t, err)
		assert.Equal(t, state, back)
	}
}

func TestMappingStateNilAndInvalid(t *testing.T) {
	raw, err := MarshalMappingState(nil)
	require.NoError(t, err)
	assert.Nil(t, raw)

	state, err := UnmarshalMappingState(nil)
	require.NoError(t, err)
	assert.Nil(t, state)

	_, err = UnmarshalMappingState([]byte(`{"kind":"draft","data":{}}`))
	assert.ErrorContains(t, err, "unknown mapping state kind")

	_, err = UnmarshalMappingState([]byte(`not json`))
	assert.Error(t, err)
}

func TestImportBatchPending(t *testing.T) {
	b := &ImportBatch{MappingState: PendingReview{Confidence: 0.4}}
	p, ok := b.Pending()
	require.True(t, ok)
	assert.Equal(t, 0.4, p.Confidence)
	assert.False(t, b.HasContent())

	b.MappingState = FinalizedMapping{FormatID: 1}
	_, ok = b.Pending()
	assert.False(t, ok)
}

func TestColumnMapping(t *testing.T) {
	m := ColumnMapping{
		"Ticker":     {Field: FieldSymbol, Confidence: 0.9},
		"Symbol":     {Field: FieldSymbol, Confidence: 0.9},
		"Qty":        {Field: FieldQuantity, Confidence: 1},
		"Trade Date": {Field: FieldTradeDate, Confidence: 1},
		"Memo":       {Field: FieldBrokerMetadata},
		"Blank":      {},
	}

	h, ok := m.HeaderFor(FieldSymbol)
	require.True(t, ok)
	assert.Equal(t, "Symbol", h, "ties resolve by header name")

	assert.Equal(t, []string{"Blank", "Memo"}, m.MetadataHeaders())
	assert.Equal(t, []CanonicalField{FieldPrice}, m.MissingRequired(), "a trade date satisfies executed_at")

	clone := m.Clone()
	clone["Qty"] = FieldMapping{Field: FieldPrice}
	assert.Equal(t, FieldQuantity, m["Qty"].Field)

	assert.True(t, m.CoversHeaders([]string{"Ticker", "Symbol", "Qty", "Trade Date", "Memo", "Blank"}))
	assert.False(t, m.CoversHeaders([]string{"Ticker", "Symbol", "Qty", "Trade Date", "Memo", "Other"}))
	assert.False(t, m.CoversHeaders([]string{"Ticker"}))
}

func TestTradeHelpers(t *testing.T) {
	tr := Trade{Orders: []TradeOrderLink{
		{OrderID: 3, Role: RoleEntry},
		{OrderID: 5, Role: RoleExit},
		{OrderID: 3, Role: RoleExit},
	}}
	assert.Equal(t, []int64{3, 5}, tr.OrderIDs())

	o := Order{BrokerID: 2, Account: "ira", Symbol: "SPY"}
	assert.Equal(t, PositionKey{BrokerID: 2, Account: "ira", Symbol: "SPY"}, o.PositionKey())
}
