package model

import (
	"context"

	"github.com/username/tradejournal/backend/src/database"
	"github.com/username/tradejournal/backend/src/models"
)

const orderColumns = `id, user_id, broker_id, COALESCE(import_batch_id, ''), order_key, broker_order_id, symbol, side,
	quantity, price, commission, fees, currency, account, executed_at, metadata, tags, created_at`

func scanOrder(s rowScanner) (*models.Order, error) {
	var (
		o              models.Order
		side           string
		metadata, tags string
	)
	if err := s.Scan(
		&o.ID,
		&o.UserID,
		&o.BrokerID,
		&o.ImportBatchID,
		&o.OrderKey,
		&o.BrokerOrderID,
		&o.Symbol,
		&side,
		&o.Quantity,
		&o.Price,
		&o.Commission,
		&o.Fees,
		&o.Currency,
		&o.Account,
		&o.ExecutedAt,
		&metadata,
		&tags,
		&o.CreatedAt,
	); err != nil {
		return nil, err
	}
	o.Side = models.OrderSide(side)
	o.ExecutedAt = o.ExecutedAt.UTC()
	if err := fromJSON(metadata, &o.Metadata); err != nil {
		return nil, err
	}
	if err := fromJSON(tags, &o.Tags); err != nil {
		return nil, err
	}
	return &o, nil
}

func queryOrders(ctx context.Context, q database.Querier, query string, args ...any) ([]models.Order, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// InsertOrderIgnore stores an order unless its (user, broker, order_key) already exists.
// inserted is false for a duplicate, in which case o.ID is left untouched.
func InsertOrderIgnore(ctx context.Context, q database.Querier, o *models.Order) (inserted bool, err error) {
	metadata, err := toJSON(o.Metadata)
	if err != nil {
		return false, err
	}
	tags, err := toJSON(o.Tags)
	if err != nil {
		return false, err
	}
	query := `
		INSERT INTO orders (user_id, broker_id, import_batch_id, order_key, broker_order_id, symbol, side,
			quantity, price, commission, fees, currency, account, executed_at, metadata, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, broker_id, order_key) DO NOTHING`
	res, err := q.ExecContext(ctx, query,
		o.UserID, o.BrokerID, nullIfEmpty(o.ImportBatchID), o.OrderKey, o.BrokerOrderID, o.Symbol, string(o.Side),
		o.Quantity, o.Price, o.Commission, o.Fees, o.Currency, o.Account, o.ExecutedAt.UTC(), metadata, tags, o.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}
	o.ID, err = res.LastInsertId()
	return err == nil, err
}

// GetOrdersForPosition returns every order of one (broker, account, symbol) group.
func GetOrdersForPosition(ctx context.Context, q database.Querier, userID int64, key models.PositionKey) ([]models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE user_id = ? AND broker_id = ? AND account = ? AND symbol = ?
		ORDER BY id`
	return queryOrders(ctx, q, query, userID, key.BrokerID, key.Account, key.Symbol)
}

// GetOrdersByIDs returns the user's orders among ids.
func GetOrdersByIDs(ctx context.Context, q database.Querier, userID int64, ids []int64) ([]models.Order, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = ? AND id IN ` + database.InClause(len(ids)) + ` ORDER BY id`
	return queryOrders(ctx, q, query, database.Int64Args([]any{userID}, ids)...)
}

// ListOrders returns all of a user's orders, oldest execution first.
func ListOrders(ctx context.Context, q database.Querier, userID int64) ([]models.Order, error) {
	return queryOrders(ctx, q, `SELECT `+orderColumns+` FROM orders WHERE user_id = ? ORDER BY executed_at, id`, userID)
}

// DeleteOrders removes the user's orders among ids. Their trade links must be gone already.
func DeleteOrders(ctx context.Context, q database.Querier, userID int64, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `DELETE FROM orders WHERE user_id = ? AND id IN ` + database.InClause(len(ids))
	res, err := q.ExecContext(ctx, query, database.Int64Args([]any{userID}, ids)...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateOrderTags replaces an order's tags. Returns sql.ErrNoRows if the user has no such order.
func UpdateOrderTags(ctx context.Context, q database.Querier, userID, orderID int64, tags []string) error {
	encoded, err := toJSON(tags)
	if err != nil {
		return err
	}
	return execOne(ctx, q, `UPDATE orders SET tags = ? WHERE id = ? AND user_id = ?`, encoded, orderID, userID)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
