package model

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/username/tradejournal/backend/src/database"
	"github.com/username/tradejournal/backend/src/models"
)

// GetBrokerByNormalizedName finds a broker by its normalized name or one of its aliases.
// It returns sql.ErrNoRows when neither matches.
func GetBrokerByNormalizedName(ctx context.Context, q database.Querier, normalized string) (*models.Broker, error) {
	query := `
		SELECT b.id, b.name, b.created_at, b.updated_at FROM brokers b WHERE b.name_normalized = ?
		UNION ALL
		SELECT b.id, b.name, b.created_at, b.updated_at FROM brokers b
		JOIN broker_aliases a ON a.broker_id = b.id WHERE a.alias_normalized = ?
		LIMIT 1`
	var b models.Broker
	if err := q.QueryRowContext(ctx, query, normalized, normalized).Scan(&b.ID, &b.Name, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	aliases, err := getAliases(ctx, q, []int64{b.ID})
	if err != nil {
		return nil, err
	}
	b.Aliases = aliases[b.ID]
	return &b, nil
}

// GetBrokerByID returns sql.ErrNoRows for an unknown id.
func GetBrokerByID(ctx context.Context, q database.Querier, id int64) (*models.Broker, error) {
	var b models.Broker
	err := q.QueryRowContext(ctx, `SELECT id, name, created_at, updated_at FROM brokers WHERE id = ?`, id).
		Scan(&b.ID, &b.Name, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	aliases, err := getAliases(ctx, q, []int64{b.ID})
	if err != nil {
		return nil, err
	}
	b.Aliases = aliases[b.ID]
	return &b, nil
}

// InsertBrokerIgnore creates a broker unless one with the same normalized name exists.
// Concurrent callers converge: the loser's insert is a no-op and both re-read the winner.
func InsertBrokerIgnore(ctx context.Context, q database.Querier, name, normalized string, now time.Time) error {
	query := `
		INSERT INTO brokers (name, name_normalized, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name_normalized) DO NOTHING`
	_, err := q.ExecContext(ctx, query, name, normalized, now, now)
	return err
}

// InsertBrokerAlias records an alternative name. It reports false when the alias was
// already taken (by this or another broker).
func InsertBrokerAlias(ctx context.Context, q database.Querier, brokerID int64, alias, normalized string, now time.Time) (bool, error) {
	query := `
		INSERT INTO broker_aliases (broker_id, alias, alias_normalized, created_at)
		SELECT ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM brokers WHERE name_normalized = ?)
		ON CONFLICT(alias_normalized) DO NOTHING`
	res, err := q.ExecContext(ctx, query, brokerID, alias, normalized, now, normalized)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListBrokers returns every broker with its aliases, ordered by name.
func ListBrokers(ctx context.Context, q database.Querier) ([]models.Broker, error) {
	return queryBrokers(ctx, q, `SELECT id, name, created_at, updated_at FROM brokers ORDER BY name COLLATE NOCASE, id`)
}

// SearchBrokers matches term against broker names and aliases (case-insensitive substring).
func SearchBrokers(ctx context.Context, q database.Querier, term string) ([]models.Broker, error) {
	pattern := "%" + escapeLike(strings.ToLower(term)) + "%"
	query := `
		SELECT id, name, created_at, updated_at FROM brokers
		WHERE name_normalized LIKE ? ESCAPE '\'
		   OR id IN (SELECT broker_id FROM broker_aliases WHERE alias_normalized LIKE ? ESCAPE '\')
		ORDER BY name COLLATE NOCASE, id`
	return queryBrokers(ctx, q, query, pattern, pattern)
}

func queryBrokers(ctx context.Context, q database.Querier, query string, args ...any) ([]models.Broker, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var brokers []models.Broker
	var ids []int64
	for rows.Next() {
		var b models.Broker
		if err := rows.Scan(&b.ID, &b.Name, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		brokers = append(brokers, b)
		ids = append(ids, b.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	aliases, err := getAliases(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	for i := range brokers {
		brokers[i].Aliases = aliases[brokers[i].ID]
		if brokers[i].Aliases == nil {
			brokers[i].Aliases = []string{}
		}
	}
	return brokers, nil
}

func getAliases(ctx context.Context, q database.Querier, brokerIDs []int64) (map[int64][]string, error) {
	out := make(map[int64][]string, len(brokerIDs))
	if len(brokerIDs) == 0 {
		return out, nil
	}
	query := `SELECT broker_id, alias FROM broker_aliases WHERE broker_id IN ` + database.InClause(len(brokerIDs))
	rows, err := q.QueryContext(ctx, query, database.Int64Args(nil, brokerIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var alias string
		if err := rows.Scan(&id, &alias); err != nil {
			return nil, err
		}
		out[id] = append(out[id], alias)
	}
	for id := range out {
		sort.Strings(out[id])
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
