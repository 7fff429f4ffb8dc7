package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-engine/pkg/model"
)

// GetRuntimeState loads a strategy's scratch bookkeeping (since-activation
// extrema, anchor price, roll flag). Returns a zero-value state if none
// has been initialized yet.
func (s *Store) GetRuntimeState(ctx context.Context, strategyID string) (*model.StrategyRuntimeState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT strategy_id, since_activation_high, since_activation_low, anchor_price, rolled, updated_at
		FROM strategy_runtime_state WHERE strategy_id = ?`, strategyID)

	var rs model.StrategyRuntimeState
	var high, low, anchor, updatedAt string
	var rolled int
	err := row.Scan(&rs.StrategyID, &high, &low, &anchor, &rolled, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &model.StrategyRuntimeState{StrategyID: strategyID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query runtime state: %w", err)
	}
	rs.Rolled = rolled != 0
	if rs.SinceActivationHigh, err = decimal.NewFromString(high); err != nil {
		return nil, err
	}
	if rs.SinceActivationLow, err = decimal.NewFromString(low); err != nil {
		return nil, err
	}
	if rs.AnchorPrice, err = decimal.NewFromString(anchor); err != nil {
		return nil, err
	}
	if rs.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, err
	}
	return &rs, nil
}

// PutRuntimeState upserts a strategy's runtime state (initialized on
// activation, updated by the scheduler/chain activator thereafter).
func (s *Store) PutRuntimeState(ctx context.Context, rs *model.StrategyRuntimeState) error {
	rs.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strategy_runtime_state (strategy_id, since_activation_high, since_activation_low, anchor_price, rolled, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(strategy_id) DO UPDATE SET
			since_activation_high = excluded.since_activation_high,
			since_activation_low = excluded.since_activation_low,
			anchor_price = excluded.anchor_price,
			rolled = excluded.rolled,
			updated_at = excluded.updated_at`,
		rs.StrategyID, rs.SinceActivationHigh.String(), rs.SinceActivationLow.String(),
		rs.AnchorPrice.String(), boolToInt(rs.Rolled), rs.UpdatedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("upsert runtime state: %w", err)
	}
	return nil
}

// PutConditionState upserts the read-model condition-runtime row the
// condition evaluator
// rebuilds on every evaluation.
func (s *Store) PutConditionState(ctx context.Context, st *model.ConditionRuntimeState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO condition_runtime_state (strategy_id, condition_id, state, last_value, last_evaluated_at, reason)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(strategy_id, condition_id) DO UPDATE SET
			state = excluded.state,
			last_value = excluded.last_value,
			last_evaluated_at = excluded.last_evaluated_at,
			reason = excluded.reason`,
		st.StrategyID, st.ConditionID, string(st.State), st.LastValue.String(),
		st.LastEvaluatedAt.UTC().Format(timeLayout), st.Reason,
	)
	if err != nil {
		return fmt.Errorf("upsert condition state: %w", err)
	}
	return nil
}

// ListConditionStates returns every condition runtime row for a strategy.
func (s *Store) ListConditionStates(ctx context.Context, strategyID string) ([]*model.ConditionRuntimeState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT strategy_id, condition_id, state, last_value, last_evaluated_at, reason
		FROM condition_runtime_state WHERE strategy_id = ?`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("query condition states: %w", err)
	}
	defer rows.Close()

	var out []*model.ConditionRuntimeState
	for rows.Next() {
		var cs model.ConditionRuntimeState
		var value, evaluatedAt string
		if err := rows.Scan(&cs.StrategyID, &cs.ConditionID, &cs.State, &value, &evaluatedAt, &cs.Reason); err != nil {
			return nil, fmt.Errorf("scan condition state: %w", err)
		}
		if cs.LastValue, err = decimal.NewFromString(value); err != nil {
			return nil, err
		}
		if cs.LastEvaluatedAt, err = time.Parse(timeLayout, evaluatedAt); err != nil {
			return nil, err
		}
		out = append(out, &cs)
	}
	return out, rows.Err()
}
