package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/jpillora/backoff"
	"github.com/patrickmn/go-cache"
	"github.com/username/tradejournal/backend/src/database"
	"github.com/username/tradejournal/backend/src/mapping"
	"github.com/username/tradejournal/backend/src/model"
	"github.com/username/tradejournal/backend/src/models"
	"github.com/username/tradejournal/backend/src/security/validation"
)

// UnknownBroker is used when neither the request nor the filename names a broker.
const UnknownBroker = "Unknown Broker"

// DefaultFormatMatchThreshold is the minimum Jaccard overlap for a fuzzy format match.
const DefaultFormatMatchThreshold = 0.85

const maxSampleRows = 5

// NewFormat is the input to CreateFormat.
type NewFormat struct {
	BrokerID    int64
	BrokerName  string
	Description string
	Headers     []string
	SampleRows  [][]string
	Mapping     models.ColumnMapping
	CreatedBy   int64
}

// BrokerFormatService is the registry of brokers and their reusable CSV formats.
// Methods that write take the caller's Querier so they join its unit of work.
type BrokerFormatService struct {
	db             *database.DB
	log            *slog.Logger
	cache          *cache.Cache
	matchThreshold float64
	createAttempts int
}

func NewBrokerFormatService(db *database.DB, log *slog.Logger, formatCache *cache.Cache, matchThreshold float64) *BrokerFormatService {
	if matchThreshold <= 0 {
		matchThreshold = DefaultFormatMatchThreshold
	}
	return &BrokerFormatService{
		db:             db,
		log:            log,
		cache:          formatCache,
		matchThreshold: matchThreshold,
		createAttempts: 5,
	}
}

// NormalizeBrokerName is the comparison key for broker names and aliases.
func NormalizeBrokerName(name string) string {
	return mapping.NormalizeHeader(name)
}

// FindOrCreateBroker returns the broker whose name or alias matches name, creating it
// when none does. Concurrent callers with the same name end up with the same row.
func (s *BrokerFormatService) FindOrCreateBroker(ctx context.Context, q database.Querier, name string) (*models.Broker, error) {
	name = strings.Join(strings.Fields(validation.CleanCell(name)), " ")
	if name == "" {
		name = UnknownBroker
	}
	if err := validation.ValidateBrokerName(name); err != nil {
		return nil, err
	}
	normalized := NormalizeBrokerName(name)
	if normalized == "" {
		return nil, fmt.Errorf("%w: broker name %q has no letters or digits", validation.ErrValidationFailed, name)
	}

	broker, err := model.GetBrokerByNormalizedName(ctx, q, normalized)
	if err == nil {
		return broker, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("error looking up broker %q: %w", name, err)
	}

	if err := model.InsertBrokerIgnore(ctx, q, name, normalized, now()); err != nil {
		return nil, fmt.Errorf("error creating broker %q: %w", name, err)
	}
	broker, err = model.GetBrokerByNormalizedName(ctx, q, normalized)
	if err != nil {
		return nil, fmt.Errorf("error reading broker %q after insert: %w", name, err)
	}
	s.log.Info("Broker registered", "brokerID", broker.ID, "name", broker.Name)
	return broker, nil
}

// AddBrokerAlias records alias for the broker. It is a no-op when the alias already
// resolves to a broker.
func (s *BrokerFormatService) AddBrokerAlias(ctx context.Context, q database.Querier, brokerID int64, alias string) error {
	alias = strings.Join(strings.Fields(validation.CleanCell(alias)), " ")
	normalized := NormalizeBrokerName(alias)
	if normalized == "" {
		return nil
	}
	if err := validation.ValidateBrokerName(alias); err != nil {
		return err
	}
	added, err := model.InsertBrokerAlias(ctx, q, brokerID, alias, normalized, now())
	if err != nil {
		return fmt.Errorf("error adding alias %q to broker %d: %w", alias, brokerID, err)
	}
	if added {
		s.log.Info("Broker alias added", "brokerID", brokerID, "alias", alias)
	}
	return nil
}

// GenerateFormatName returns the next "Format N" label for the broker. Run it inside the
// write transaction that inserts the format; CreateFormat retries on a clash.
func (s *BrokerFormatService) GenerateFormatName(ctx context.Context, q database.Querier, brokerID int64, brokerName string) (string, error) {
	n, err := model.CountFormatsForBroker(ctx, q, brokerID)
	if err != nil {
		return "", fmt.Errorf("error counting formats for broker %q: %w", brokerName, err)
	}
	return fmt.Sprintf("Format %d", n+1), nil
}

// CreateFormat persists a new format under a generated name. The mapping must have
// exactly one entry per header.
func (s *BrokerFormatService) CreateFormat(ctx context.Context, q database.Querier, nf NewFormat) (*models.BrokerCsvFormat, error) {
	if len(nf.Headers) == 0 || !nf.Mapping.CoversHeaders(nf.Headers) {
		return nil, fmt.Errorf("%w: field mappings must cover exactly the format headers", ErrInvalidFormat)
	}
	if missing := nf.Mapping.MissingRequired(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrMappingIncomplete, missing)
	}
	samples := nf.SampleRows
	if len(samples) > maxSampleRows {
		samples = samples[:maxSampleRows]
	}
	if samples == nil {
		samples = [][]string{}
	}
	description := nf.Description
	if description == "" {
		description = fmt.Sprintf("%d columns: %s", len(nf.Headers), strings.Join(nf.Headers, ", "))
	}

	b := &backoff.Backoff{Min: 10 * time.Millisecond, Max: 250 * time.Millisecond, Factor: 2, Jitter: true}
	for attempt := 1; ; attempt++ {
		name, err := s.GenerateFormatName(ctx, q, nf.BrokerID, nf.BrokerName)
		if err != nil {
			return nil, err
		}
		ts := now()
		f := &models.BrokerCsvFormat{
			BrokerID:        nf.BrokerID,
			BrokerName:      nf.BrokerName,
			FormatName:      name,
			Description:     description,
			Headers:         nf.Headers,
			HeaderSignature: mapping.HeaderSignature(nf.Headers),
			SampleRows:      samples,
			FieldMappings:   nf.Mapping,
			Confidence:      mapping.OverallConfidence(nf.Mapping),
			CreatedBy:       nf.CreatedBy,
			CreatedAt:       ts,
			UpdatedAt:       ts,
		}
		err = model.InsertFormat(ctx, q, f)
		if err == nil {
			s.cache.Delete(fmt.Sprintf(ckFormatsBySignature, f.HeaderSignature))
			s.log.Info("Broker format created", "formatID", f.ID, "brokerID", f.BrokerID, "formatName", f.FormatName)
			return f, nil
		}
		if !database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("error creating format for broker %q: %w", nf.BrokerName, err)
		}
		if attempt >= s.createAttempts {
			return nil, fmt.Errorf("%w: %s (%s)", ErrFormatNameTaken, name, nf.BrokerName)
		}
		wait := b.Duration()
		s.log.Warn("Format name taken, retrying", "brokerID", nf.BrokerID, "formatName", name, "attempt", attempt, "wait", wait.String())
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// UpdateFormatUsage counts one more import through the format. Failures are logged only.
func (s *BrokerFormatService) UpdateFormatUsage(ctx context.Context, q database.Querier, formatID int64, success bool) {
	if err := model.IncrementFormatUsage(ctx, q, formatID, success, now()); err != nil {
		s.log.Error("Failed to update format usage", "formatID", formatID, "success", success, "error", err)
	}
}

// MatchFormat finds the stored format for an upload's headers: an exact header-set match
// first, otherwise the best Jaccard overlap at or above the threshold. A fuzzy match is
// returned only when the upload still contains the headers behind every required field.
// Ties go to the more used format, then the older one. It returns nil when nothing matches.
func (s *BrokerFormatService) MatchFormat(ctx context.Context, headers []string) (*models.FormatMatch, error) {
	signature := mapping.HeaderSignature(headers)
	exact, err := s.formatsBySignature(ctx, signature)
	if err != nil {
		return nil, err
	}
	if len(exact) > 0 {
		f := exact[0]
		return &models.FormatMatch{Format: &f, Score: 1, Exact: true}, nil
	}

	all, err := model.ListFormats(ctx, s.db, 0)
	if err != nil {
		return nil, fmt.Errorf("error listing formats: %w", err)
	}
	uploaded := mapping.HeaderSet(headers)
	var best *models.FormatMatch
	for i := range all {
		f := &all[i]
		score := mapping.Jaccard(uploaded, mapping.HeaderSet(f.Headers))
		if score < s.matchThreshold || !requiredHeadersPresent(f.FieldMappings, headers) {
			continue
		}
		if best == nil || score > best.Score ||
			(score == best.Score && (f.UsageCount > best.Format.UsageCount ||
				(f.UsageCount == best.Format.UsageCount && f.ID < best.Format.ID))) {
			best = &models.FormatMatch{Format: f, Score: score}
		}
	}
	return best, nil
}

// ExistingFormat returns the broker's format with exactly these headers, reading through
// q so a pending write transaction sees its own formats. It returns nil when there is none.
func (s *BrokerFormatService) ExistingFormat(ctx context.Context, q database.Querier, brokerID int64, headers []string) (*models.BrokerCsvFormat, error) {
	formats, err := model.GetFormatsBySignature(ctx, q, mapping.HeaderSignature(headers))
	if err != nil {
		return nil, fmt.Errorf("error looking up formats by signature: %w", err)
	}
	for i := range formats {
		if formats[i].BrokerID == brokerID {
			return &formats[i], nil
		}
	}
	return nil, nil
}

func (s *BrokerFormatService) formatsBySignature(ctx context.Context, signature string) ([]models.BrokerCsvFormat, error) {
	key := fmt.Sprintf(ckFormatsBySignature, signature)
	if cached, found := s.cache.Get(key); found {
		return cached.([]models.BrokerCsvFormat), nil
	}
	formats, err := model.GetFormatsBySignature(ctx, s.db, signature)
	if err != nil {
		return nil, fmt.Errorf("error looking up formats by signature: %w", err)
	}
	if len(formats) > 0 {
		s.cache.Set(key, formats, DefaultCacheExpiration)
	}
	return formats, nil
}

// requiredHeadersPresent reports whether the headers a format maps to required fields all
// exist in the upload.
func requiredHeadersPresent(stored models.ColumnMapping, headers []string) bool {
	present := make(map[string]bool, len(headers))
	for _, h := range headers {
		present[mapping.NormalizeHeader(h)] = true
	}
	covered := make(models.ColumnMapping)
	for h, fm := range stored {
		if present[mapping.NormalizeHeader(h)] {
			covered[h] = fm
		}
	}
	return len(covered.MissingRequired()) == 0
}

// SearchBrokers matches names and aliases; an empty query lists every broker.
func (s *BrokerFormatService) SearchBrokers(ctx context.Context, query string) ([]models.Broker, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return s.GetAllBrokers(ctx)
	}
	brokers, err := model.SearchBrokers(ctx, s.db, query)
	if err != nil {
		return nil, fmt.Errorf("error searching brokers: %w", err)
	}
	return nonNil(brokers), nil
}

func (s *BrokerFormatService) GetAllBrokers(ctx context.Context) ([]models.Broker, error) {
	brokers, err := model.ListBrokers(ctx, s.db)
	if err != nil {
		return nil, fmt.Errorf("error listing brokers: %w", err)
	}
	return nonNil(brokers), nil
}

// ListFormats returns the formats of one broker, or all of them when brokerID is 0.
func (s *BrokerFormatService) ListFormats(ctx context.Context, brokerID int64) ([]models.BrokerCsvFormat, error) {
	formats, err := model.ListFormats(ctx, s.db, brokerID)
	if err != nil {
		return nil, fmt.Errorf("error listing formats: %w", err)
	}
	return nonNil(formats), nil
}

// IdentifyBroker guesses the broker behind an upload. A known broker whose name or alias
// appears in the filename wins (longest name first); otherwise the filename's first word
// is used; otherwise UnknownBroker.
func (s *BrokerFormatService) IdentifyBroker(ctx context.Context, filename string, headers []string) (string, error) {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	normFile := " " + NormalizeBrokerName(base) + " "

	brokers, err := model.ListBrokers(ctx, s.db)
	if err != nil {
		return "", fmt.Errorf("error listing brokers: %w", err)
	}
	type candidate struct{ key, name string }
	var candidates []candidate
	for _, b := range brokers {
		candidates = append(candidates, candidate{NormalizeBrokerName(b.Name), b.Name})
		for _, a := range b.Aliases {
			candidates = append(candidates, candidate{NormalizeBrokerName(a), b.Name})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return len(candidates[i].key) > len(candidates[j].key) })
	for _, c := range candidates {
		if c.key != "" && c.key != NormalizeBrokerName(UnknownBroker) && strings.Contains(normFile, " "+c.key+" ") {
			return c.name, nil
		}
	}

	if name := brokerFromFilename(base); name != "" {
		return name, nil
	}
	s.log.Debug("No broker identified for upload", "filename", filename, "headers", len(headers))
	return UnknownBroker, nil
}

// genericFileWords never name a broker on their own.
var genericFileWords = map[string]bool{
	"trades": true, "trade": true, "orders": true, "order": true, "export": true, "exports": true,
	"history": true, "transactions": true, "transaction": true, "executions": true, "execution": true,
	"report": true, "statement": true, "activity": true, "account": true, "csv": true, "data": true,
	"my": true, "file": true, "download": true, "fills": true, "journal": true, "upload": true,
}

// brokerFromFilename takes the first word of the file name that is neither generic nor
// numeric, e.g. "webull_orders_2024-03.csv" gives "Webull".
func brokerFromFilename(base string) string {
	for _, word := range strings.Fields(NormalizeBrokerName(base)) {
		if genericFileWords[word] || !strings.ContainsFunc(word, unicode.IsLetter) || len(word) < 2 {
			continue
		}
		if strings.ContainsFunc(word, unicode.IsDigit) {
			continue
		}
		r := []rune(word)
		r[0] = unicode.ToUpper(r[0])
		return string(r)
	}
	return ""
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// now is the timestamp written to created_at/updated_at columns.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
