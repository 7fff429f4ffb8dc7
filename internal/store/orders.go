package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-engine/internal/engineerrors"
	"github.com/atlas-desktop/trading-engine/pkg/model"
)

// CountOrders returns how many orders a strategy has ever had. SubmitOrder
// runs the same count inside its transaction and refuses a second batch,
// enforcing the at-most-one-order invariant.
func (s *Store) CountOrders(ctx context.Context, strategyID string) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders WHERE strategy_id = ?`, strategyID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count orders: %w", err)
	}
	return n, nil
}

// SubmitOrder atomically transitions TRIGGERED -> ORDER_SUBMITTED and
// inserts every leg's Order row plus one TradeInstruction, all keyed by
// trade_id. orders holds every leg placed for this trade —
// one for a STOCK_TRADE/FUT_POSITION action, two (close, open) for a
// FUT_ROLL. Fails with INTEGRITY_VIOLATION if the strategy already has an
// order, so the whole batch is admitted exactly once.
func (s *Store) SubmitOrder(ctx context.Context, strategyID string, expectedVersion int64, orders []*model.Order, instruction *model.TradeInstruction) (*model.Strategy, error) {
	if !Admissible(model.StatusTriggered, model.StatusOrderSubmitted) {
		return nil, engineerrors.Inadmissible(string(model.StatusTriggered), string(model.StatusOrderSubmitted))
	}
	if len(orders) == 0 {
		return nil, engineerrors.Validation("submit order: no legs given")
	}
	now := time.Now().UTC()
	for _, o := range orders {
		o.CreatedAt, o.UpdatedAt = now, now
	}
	instruction.UpdatedAt = now

	var result *model.Strategy
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, idempotency_key, market, sec_type, exchange, currency, trade_type,
				condition_logic, conditions_json, trade_action_json, next_strategy_id,
				upstream_only_activation, upstream_strategy_id, expire_mode,
				expire_in_seconds, expire_at, activated_at, logical_activated_at,
				status, version, created_at, updated_at, deleted_at
			FROM strategies WHERE id = ? AND deleted_at IS NULL`, strategyID)
		st, err := scanStrategy(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return engineerrors.NotFound("strategy", strategyID)
			}
			return err
		}
		if st.Status != model.StatusTriggered {
			return engineerrors.Inadmissible(string(st.Status), string(model.StatusOrderSubmitted))
		}
		if st.Version != expectedVersion {
			return engineerrors.New(engineerrors.CodeInadmissible, "version conflict: strategy was mutated concurrently")
		}

		var existing int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders WHERE strategy_id = ?`, strategyID).Scan(&existing); err != nil {
			return fmt.Errorf("count orders: %w", err)
		}
		if existing > 0 {
			return engineerrors.New(engineerrors.CodeIntegrity, "strategy already has an order")
		}

		ids := make([]string, 0, len(orders))
		for _, o := range orders {
			if err := insertOrderTx(ctx, tx, o); err != nil {
				return err
			}
			ids = append(ids, o.ID)
		}
		if err := upsertTradeInstructionTx(ctx, tx, instruction); err != nil {
			return err
		}

		st.Status = model.StatusOrderSubmitted
		st.Version++
		st.UpdatedAt = now
		if err := updateStrategy(ctx, tx, st); err != nil {
			return err
		}
		if err := appendEventTx(ctx, tx, strategyID, now, "order_submitted", fmt.Sprintf("trade_id=%s order_ids=%v", instruction.TradeID, ids)); err != nil {
			return err
		}
		result = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func insertOrderTx(ctx context.Context, tx *sql.Tx, o *model.Order) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, strategy_id, trade_id, ib_order_id, leg, symbol, side, order_type,
			quantity, limit_price, status, filled_qty, avg_fill_price, payload_json,
			created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.StrategyID, o.TradeID, nullableString(o.IBOrderID), o.Leg, o.Symbol, string(o.Side), string(o.OrderType),
		o.Quantity.String(), o.LimitPrice.String(), string(o.Status), o.FilledQty.String(), o.AvgFillPrice.String(),
		o.PayloadJSON, o.CreatedAt.Format(timeLayout), o.UpdatedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func upsertTradeInstructionTx(ctx context.Context, tx *sql.Tx, ti *model.TradeInstruction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO trade_instructions (trade_id, strategy_id, instruction_summary, status, expire_at, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(trade_id) DO UPDATE SET
			instruction_summary = excluded.instruction_summary,
			status = excluded.status,
			expire_at = excluded.expire_at,
			updated_at = excluded.updated_at`,
		ti.TradeID, ti.StrategyID, ti.InstructionSummary, string(ti.Status), formatTimePtr(ti.ExpireAt), ti.UpdatedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("upsert trade instruction: %w", err)
	}
	return nil
}

// UpdateOrderStatus applies a gateway-reported status/fill update. When the
// new status is terminal (FILLED/CANCELLED/REJECTED) the caller is expected
// to subsequently call Transition to close the strategy's lifecycle.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID string, status model.OrderStatus, filledQty, avgFillPrice decimal.Decimal) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = ?, filled_qty = ?, avg_fill_price = ?, updated_at = ? WHERE id = ?`,
		string(status), filledQty.String(), avgFillPrice.String(), now.Format(timeLayout), orderID)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	return nil
}

// GetOrder loads a single order by id.
func (s *Store) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, strategy_id, trade_id, ib_order_id, leg, symbol, side, order_type,
			quantity, limit_price, status, filled_qty, avg_fill_price, payload_json,
			created_at, updated_at
		FROM orders WHERE id = ?`, orderID)
	return scanOrder(row)
}

// GetOrderByIBOrderID loads the order leg a gateway status update refers
// to. Used by the order submitter to map a broker order id back to our
// trade_id/leg.
func (s *Store) GetOrderByIBOrderID(ctx context.Context, ibOrderID string) (*model.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, strategy_id, trade_id, ib_order_id, leg, symbol, side, order_type,
			quantity, limit_price, status, filled_qty, avg_fill_price, payload_json,
			created_at, updated_at
		FROM orders WHERE ib_order_id = ?`, ibOrderID)
	return scanOrder(row)
}

// ListOrders returns every order a strategy has had, oldest first.
func (s *Store) ListOrders(ctx context.Context, strategyID string) ([]*model.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, strategy_id, trade_id, ib_order_id, leg, symbol, side, order_type,
			quantity, limit_price, status, filled_qty, avg_fill_price, payload_json,
			created_at, updated_at
		FROM orders WHERE strategy_id = ? ORDER BY created_at ASC`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()
	var out []*model.Order
	for rows.Next() {
		o, err := scanOrderRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type orderRowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row orderRowScanner) (*model.Order, error) {
	return scanOrderGeneric(row)
}

func scanOrderRows(rows *sql.Rows) (*model.Order, error) {
	return scanOrderGeneric(rows)
}

func scanOrderGeneric(row orderRowScanner) (*model.Order, error) {
	var o model.Order
	var ibOrderID sql.NullString
	var quantity, limitPrice, filledQty, avgFillPrice, createdAt, updatedAt string
	if err := row.Scan(
		&o.ID, &o.StrategyID, &o.TradeID, &ibOrderID, &o.Leg, &o.Symbol, &o.Side, &o.OrderType,
		&quantity, &limitPrice, &o.Status, &filledQty, &avgFillPrice, &o.PayloadJSON,
		&createdAt, &updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, engineerrors.NotFound("order", "")
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.IBOrderID = ibOrderID.String
	var err error
	if o.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return nil, err
	}
	if o.LimitPrice, err = decimal.NewFromString(limitPrice); err != nil {
		return nil, err
	}
	if o.FilledQty, err = decimal.NewFromString(filledQty); err != nil {
		return nil, err
	}
	if o.AvgFillPrice, err = decimal.NewFromString(avgFillPrice); err != nil {
		return nil, err
	}
	if o.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, err
	}
	if o.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

// ActiveTradeInstructions returns trade instructions not yet in a terminal
// order status.
func (s *Store) ActiveTradeInstructions(ctx context.Context) ([]*model.TradeInstruction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trade_id, strategy_id, instruction_summary, status, expire_at, updated_at
		FROM trade_instructions
		WHERE status NOT IN (?,?,?) ORDER BY updated_at DESC`,
		string(model.OrderFilled), string(model.OrderCancelled), string(model.OrderRejected))
	if err != nil {
		return nil, fmt.Errorf("query trade instructions: %w", err)
	}
	defer rows.Close()

	var out []*model.TradeInstruction
	for rows.Next() {
		var ti model.TradeInstruction
		var expireAt sql.NullString
		var updatedAt string
		if err := rows.Scan(&ti.TradeID, &ti.StrategyID, &ti.InstructionSummary, &ti.Status, &expireAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan trade instruction: %w", err)
		}
		t, err := parseTimePtr(expireAt)
		if err != nil {
			return nil, err
		}
		ti.ExpireAt = t
		if ti.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
			return nil, err
		}
		out = append(out, &ti)
	}
	return out, rows.Err()
}
