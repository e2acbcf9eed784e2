package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	simplejson "github.com/bitly/go-simplejson"
	"github.com/username/tradejournal/backend/src/mapping"
	"github.com/username/tradejournal/backend/src/models"
)

// defaultConfidence is used when the model names a field without a confidence.
const defaultConfidence = 0.8

const mappingSystemPrompt = `You map columns of broker trade export CSV files to a canonical order schema.
Canonical fields:
- symbol: instrument ticker (required)
- side: buy or sell indicator
- quantity: executed quantity, may be signed (required)
- price: execution price per unit (required)
- executed_at: execution timestamp or time of day (required unless trade_date is present)
- trade_date: execution date without time
- order_id: broker order or execution identifier
- commission: commission charged
- fees: other fees charged
- currency: ISO currency code
- account: account identifier
- broker_metadata: anything else
Answer with JSON only, in this shape:
{"broker": "<broker name or empty>", "mappings": {"<header exactly as given>": {"field": "<canonical field>", "confidence": <0..1>}}}`

// ProposeMapping asks the model to map the upload's headers. Headers it leaves out are
// absent from the result; unknown field names become broker_metadata.
func (c *Client) ProposeMapping(ctx context.Context, req mapping.AIRequest) (*mapping.AIProposal, error) {
	if !c.Enabled() {
		return nil, &ServiceError{Msg: "AI mapping is not configured"}
	}
	content, err := c.chat(ctx, []Message{
		{Role: "system", Content: mappingSystemPrompt},
		{Role: "user", Content: buildMappingPrompt(req)},
	})
	if err != nil {
		return nil, err
	}
	proposal, err := parseMappingReply(content, req.Headers)
	if err != nil {
		return nil, err
	}
	c.log.Info("AI mapping proposal received", "provider", c.provider, "model", c.model,
		"broker", proposal.Broker, "mappedHeaders", len(proposal.Mapping))
	return proposal, nil
}

func buildMappingPrompt(req mapping.AIRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "File name: %s\n", req.Filename)
	headers, _ := json.Marshal(req.Headers)
	fmt.Fprintf(&b, "Headers: %s\n", headers)
	b.WriteString("Sample rows:\n")
	for i, row := range req.SampleRows {
		if i == 5 {
			break
		}
		line, _ := json.Marshal(row)
		b.Write(line)
		b.WriteByte('\n')
	}
	if len(req.Heuristic.Mapping) > 0 {
		current, _ := json.Marshal(req.Heuristic.Mapping)
		fmt.Fprintf(&b, "Current guess (confidence %.2f): %s\n", req.Heuristic.Confidence, current)
	}
	return b.String()
}

// parseMappingReply reads the model's JSON leniently: mappings may be an object keyed by
// header or an array of {header, field, confidence}; an entry may be a bare field name;
// confidence may be a number, a numeric string or a percentage.
func parseMappingReply(content string, headers []string) (*mapping.AIProposal, error) {
	js, err := simplejson.NewJson([]byte(extractJSON(content)))
	if err != nil {
		return nil, &ServiceError{Msg: "reply is not valid JSON", Err: err}
	}

	byNorm := make(map[string]string, len(headers))
	for _, h := range headers {
		byNorm[mapping.NormalizeHeader(h)] = h
	}

	proposal := &mapping.AIProposal{
		Broker:  strings.TrimSpace(js.Get("broker").MustString()),
		Mapping: make(models.ColumnMapping),
	}
	add := func(header string, entry *simplejson.Json) {
		h, ok := byNorm[mapping.NormalizeHeader(header)]
		if !ok {
			return
		}
		field, conf := readEntry(entry)
		proposal.Mapping[h] = models.FieldMapping{Field: field, Confidence: conf}
	}

	mappings := js.Get("mappings")
	if obj, err := mappings.Map(); err == nil {
		for header := range obj {
			add(header, mappings.Get(header))
		}
	} else if arr, err := mappings.Array(); err == nil {
		for i := range arr {
			item := mappings.GetIndex(i)
			add(item.Get("header").MustString(), item)
		}
	}

	if len(proposal.Mapping) == 0 {
		return nil, &ServiceError{Msg: "reply has no usable mappings"}
	}
	return proposal, nil
}

func readEntry(entry *simplejson.Json) (models.CanonicalField, float64) {
	raw, conf := "", defaultConfidence
	if s, err := entry.String(); err == nil {
		raw = s
	} else {
		raw = entry.Get("field").MustString()
		if c, ok := readConfidence(entry.Get("confidence")); ok {
			conf = c
		}
	}
	field, ok := models.ParseCanonicalField(raw)
	if !ok {
		return models.FieldBrokerMetadata, 0
	}
	return field, conf
}

func readConfidence(v *simplejson.Json) (float64, bool) {
	f, err := v.Float64()
	if err != nil {
		s, serr := v.String()
		if serr != nil {
			return 0, false
		}
		s = strings.TrimSpace(s)
		percent := strings.HasSuffix(s, "%")
		if f, err = strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64); err != nil {
			return 0, false
		}
		if percent {
			f /= 100
		}
	}
	if f > 1 && f <= 100 {
		f /= 100
	}
	if f < 0 || f > 1 {
		return 0, false
	}
	return f, true
}
