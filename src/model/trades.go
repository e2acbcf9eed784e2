package model

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/tradejournal/backend/src/database"
	"github.com/username/tradejournal/backend/src/models"
)

const tradeColumns = `id, user_id, broker_id, account, symbol, side, status, quantity, entry_price, exit_price,
	entry_at, exit_at, realized_pnl, commission, fees, holding_period, fingerprint, notes, notes_changes, tags,
	created_at, updated_at`

func scanTrade(s rowScanner) (*models.Trade, error) {
	var (
		t                    models.Trade
		side, status, period string
		exitPrice            decimal.NullDecimal
		exitAt               sql.NullTime
		notesChanges         sql.NullString
		tags                 string
	)
	if err := s.Scan(
		&t.ID,
		&t.UserID,
		&t.BrokerID,
		&t.Account,
		&t.Symbol,
		&side,
		&status,
		&t.Quantity,
		&t.EntryPrice,
		&exitPrice,
		&t.EntryAt,
		&exitAt,
		&t.RealizedPnL,
		&t.Commission,
		&t.Fees,
		&period,
		&t.Fingerprint,
		&t.Notes,
		&notesChanges,
		&tags,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Side = models.TradeSide(side)
	t.Status = models.TradeStatus(status)
	t.HoldingPeriod = models.HoldingPeriod(period)
	t.EntryAt = t.EntryAt.UTC()
	if exitPrice.Valid {
		p := exitPrice.Decimal
		t.ExitPrice = &p
	}
	if exitAt.Valid {
		at := exitAt.Time.UTC()
		t.ExitAt = &at
	}
	if notesChanges.Valid {
		c := notesChanges.String
		t.NotesChanges = &c
	}
	if err := fromJSON(tags, &t.Tags); err != nil {
		return nil, err
	}
	return &t, nil
}

// queryTrades runs a trade query and attaches the order links of every row.
func queryTrades(ctx context.Context, q database.Querier, query string, args ...any) ([]models.Trade, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if err := attachLinks(ctx, q, trades); err != nil {
		return nil, err
	}
	return trades, nil
}

func attachLinks(ctx context.Context, q database.Querier, trades []models.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	ids := make([]int64, len(trades))
	at := make(map[int64]int, len(trades))
	for i, t := range trades {
		ids[i] = t.ID
		at[t.ID] = i
	}
	query := `SELECT trade_id, order_id, role, quantity FROM trade_orders
		WHERE trade_id IN ` + database.InClause(len(ids)) + ` ORDER BY trade_id, rowid`
	rows, err := q.QueryContext(ctx, query, database.Int64Args(nil, ids)...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			tradeID int64
			link    models.TradeOrderLink
			role    string
		)
		if err := rows.Scan(&tradeID, &link.OrderID, &role, &link.Quantity); err != nil {
			return err
		}
		link.Role = models.OrderRole(role)
		i := at[tradeID]
		trades[i].Orders = append(trades[i].Orders, link)
	}
	return rows.Err()
}

// InsertTrade stores a trade with its order links and sets its ID.
func InsertTrade(ctx context.Context, q database.Querier, t *models.Trade) error {
	if t.Tags == nil {
		t.Tags = []string{}
	}
	tags, err := toJSON(t.Tags)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO trades (user_id, broker_id, account, symbol, side, status, quantity, entry_price, exit_price,
			entry_at, exit_at, realized_pnl, commission, fees, holding_period, fingerprint, notes, notes_changes,
			tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	var exitPrice, exitAt any
	if t.ExitPrice != nil {
		exitPrice = t.ExitPrice.String()
	}
	if t.ExitAt != nil {
		exitAt = t.ExitAt.UTC()
	}
	res, err := q.ExecContext(ctx, query,
		t.UserID, t.BrokerID, t.Account, t.Symbol, string(t.Side), string(t.Status), t.Quantity, t.EntryPrice, exitPrice,
		t.EntryAt.UTC(), exitAt, t.RealizedPnL, t.Commission, t.Fees, string(t.HoldingPeriod), t.Fingerprint, t.Notes, t.NotesChanges,
		tags, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if t.ID, err = res.LastInsertId(); err != nil {
		return err
	}

	for _, l := range t.Orders {
		_, err := q.ExecContext(ctx,
			`INSERT INTO trade_orders (trade_id, order_id, role, quantity) VALUES (?, ?, ?, ?)`,
			t.ID, l.OrderID, string(l.Role), l.Quantity,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetTradesForPosition returns the trades of one (broker, account, symbol) group.
func GetTradesForPosition(ctx context.Context, q database.Querier, userID int64, key models.PositionKey) ([]models.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades
		WHERE user_id = ? AND broker_id = ? AND account = ? AND symbol = ?
		ORDER BY id`
	return queryTrades(ctx, q, query, userID, key.BrokerID, key.Account, key.Symbol)
}

// GetTradesByIDs returns the user's trades among ids.
func GetTradesByIDs(ctx context.Context, q database.Querier, userID int64, ids []int64) ([]models.Trade, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE user_id = ? AND id IN ` + database.InClause(len(ids)) + ` ORDER BY id`
	return queryTrades(ctx, q, query, database.Int64Args([]any{userID}, ids)...)
}

// GetTradeByID returns sql.ErrNoRows if the user has no such trade.
func GetTradeByID(ctx context.Context, q database.Querier, userID, id int64) (*models.Trade, error) {
	trades, err := GetTradesByIDs(ctx, q, userID, []int64{id})
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, sql.ErrNoRows
	}
	return &trades[0], nil
}

// ListTrades returns the user's trades matching filter, newest entry first.
func ListTrades(ctx context.Context, q database.Querier, userID int64, filter models.TradeFilter) ([]models.Trade, error) {
	var (
		where = []string{"user_id = ?"}
		args  = []any{userID}
	)
	if filter.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, strings.ToUpper(filter.Symbol))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.From != nil {
		where = append(where, "entry_at >= ?")
		args = append(args, filter.From.UTC())
	}
	if filter.To != nil {
		where = append(where, "entry_at < ?")
		args = append(args, filter.To.UTC())
	}
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE ` + strings.Join(where, " AND ") + ` ORDER BY entry_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}
	return queryTrades(ctx, q, query, args...)
}

// TradeOrderRef is one row of trade_orders reduced to its keys.
type TradeOrderRef struct {
	TradeID int64
	OrderID int64
}

// FindTradeRefsForOrders lists every (trade, order) link touching one of orderIDs.
func FindTradeRefsForOrders(ctx context.Context, q database.Querier, orderIDs []int64) ([]TradeOrderRef, error) {
	if len(orderIDs) == 0 {
		return nil, nil
	}
	query := `SELECT DISTINCT trade_id, order_id FROM trade_orders WHERE order_id IN ` +
		database.InClause(len(orderIDs)) + ` ORDER BY order_id, trade_id`
	rows, err := q.QueryContext(ctx, query, database.Int64Args(nil, orderIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []TradeOrderRef
	for rows.Next() {
		var r TradeOrderRef
		if err := rows.Scan(&r.TradeID, &r.OrderID); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// DeleteTrades removes the user's trades among ids; their links go with them.
func DeleteTrades(ctx context.Context, q database.Querier, userID int64, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if _, err := q.ExecContext(ctx,
		`DELETE FROM trade_orders WHERE trade_id IN (SELECT id FROM trades WHERE user_id = ? AND id IN `+database.InClause(len(ids))+`)`,
		database.Int64Args([]any{userID}, ids)...,
	); err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx, `DELETE FROM trades WHERE user_id = ? AND id IN `+database.InClause(len(ids)),
		database.Int64Args([]any{userID}, ids)...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SaveTradeNotesDraft stores uncommitted notes. Returns sql.ErrNoRows if the user has no such trade.
func SaveTradeNotesDraft(ctx context.Context, q database.Querier, userID, tradeID int64, draft string, now time.Time) error {
	return execOne(ctx, q, `UPDATE trades SET notes_changes = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		draft, now, tradeID, userID)
}

// CommitTradeNotes promotes the draft to the notes. Without a draft the notes are unchanged.
func CommitTradeNotes(ctx context.Context, q database.Querier, userID, tradeID int64, now time.Time) error {
	return execOne(ctx, q,
		`UPDATE trades SET notes = COALESCE(notes_changes, notes), notes_changes = NULL, updated_at = ? WHERE id = ? AND user_id = ?`,
		now, tradeID, userID)
}

// UpdateTradeTags replaces a trade's tags. Returns sql.ErrNoRows if the user has no such trade.
func UpdateTradeTags(ctx context.Context, q database.Querier, userID, tradeID int64, tags []string, now time.Time) error {
	encoded, err := toJSON(tags)
	if err != nil {
		return err
	}
	return execOne(ctx, q, `UPDATE trades SET tags = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		encoded, now, tradeID, userID)
}

func execOne(ctx context.Context, q database.Querier, query string, args ...any) error {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
