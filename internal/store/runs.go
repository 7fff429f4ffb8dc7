package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/trading-engine/pkg/model"
)

// RecordRun appends one strategy_runs row per run: first_evaluated_at is
// carried forward from the strategy's previous row and run_count increments.
func (s *Store) RecordRun(ctx context.Context, run *model.StrategyRun) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT first_evaluated_at, run_count FROM strategy_runs WHERE strategy_id = ? ORDER BY id DESC LIMIT 1`, run.StrategyID)
		var firstEvaluatedAt string
		var priorCount int64
		err := row.Scan(&firstEvaluatedAt, &priorCount)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			run.FirstEvaluatedAt = run.EvaluatedAt
			run.RunCount = 1
		case err != nil:
			return fmt.Errorf("query prior run: %w", err)
		default:
			t, perr := time.Parse(timeLayout, firstEvaluatedAt)
			if perr != nil {
				return perr
			}
			run.FirstEvaluatedAt = t
			run.RunCount = priorCount + 1
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO strategy_runs (strategy_id, first_evaluated_at, evaluated_at, suggested_next_monitor_at, condition_met, decision_reason, run_count)
			VALUES (?,?,?,?,?,?,?)`,
			run.StrategyID, run.FirstEvaluatedAt.Format(timeLayout), run.EvaluatedAt.Format(timeLayout),
			run.SuggestedNextMonitorAt.Format(timeLayout), boolToInt(run.ConditionMet), run.DecisionReason, run.RunCount,
		)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return nil
	})
}

// LastRun returns the most recent strategy_run row for a strategy, or nil
// if it has never been evaluated.
func (s *Store) LastRun(ctx context.Context, strategyID string) (*model.StrategyRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, strategy_id, first_evaluated_at, evaluated_at, suggested_next_monitor_at, condition_met, decision_reason, run_count
		FROM strategy_runs WHERE strategy_id = ? ORDER BY id DESC LIMIT 1`, strategyID)

	var run model.StrategyRun
	var firstEvaluatedAt, evaluatedAt, suggestedAt string
	var conditionMet int
	err := row.Scan(&run.ID, &run.StrategyID, &firstEvaluatedAt, &evaluatedAt, &suggestedAt, &conditionMet, &run.DecisionReason, &run.RunCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last run: %w", err)
	}
	run.ConditionMet = conditionMet != 0
	var perr error
	if run.FirstEvaluatedAt, perr = time.Parse(timeLayout, firstEvaluatedAt); perr != nil {
		return nil, perr
	}
	if run.EvaluatedAt, perr = time.Parse(timeLayout, evaluatedAt); perr != nil {
		return nil, perr
	}
	if run.SuggestedNextMonitorAt, perr = time.Parse(timeLayout, suggestedAt); perr != nil {
		return nil, perr
	}
	return &run, nil
}

// ExpiringBefore returns non-terminal strategies whose expire_at has
// passed, for the expiry sweep.
func (s *Store) ExpiringBefore(ctx context.Context, now time.Time) ([]*model.Strategy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM strategies
		WHERE deleted_at IS NULL AND expire_at IS NOT NULL AND expire_at <= ?
		  AND status NOT IN (?,?,?,?)`,
		now.UTC().Format(timeLayout),
		string(model.StatusFilled), string(model.StatusExpired), string(model.StatusCancelled), string(model.StatusFailed),
	)
	if err != nil {
		return nil, fmt.Errorf("query expiring strategies: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	out := make([]*model.Strategy, 0, len(ids))
	for _, id := range ids {
		st, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// OrderSubmittedStrategies returns every strategy currently in
// ORDER_SUBMITTED, for boot-time gateway reconciliation.
func (s *Store) OrderSubmittedStrategies(ctx context.Context) ([]*model.Strategy, error) {
	return s.List(ctx, ListFilter{Status: model.StatusOrderSubmitted})
}

// ActiveAndPausedStrategies returns every ACTIVE or PAUSED strategy, for
// resumable-strategy reconstruction at boot.
func (s *Store) ActiveAndPausedStrategies(ctx context.Context) ([]*model.Strategy, error) {
	active, err := s.List(ctx, ListFilter{Status: model.StatusActive})
	if err != nil {
		return nil, err
	}
	paused, err := s.List(ctx, ListFilter{Status: model.StatusPaused})
	if err != nil {
		return nil, err
	}
	return append(active, paused...), nil
}

// Downstream returns id's own next_strategy_id, used by the cycle
// validator's forward walk (the walk steps strategy-by-strategy from the
// candidate edge, so it never needs the reverse/upstream direction).
func (s *Store) Downstream(ctx context.Context, id string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT next_strategy_id FROM strategies WHERE id = ?`, id)
	var next sql.NullString
	if err := row.Scan(&next); err != nil {
		return "", fmt.Errorf("query downstream: %w", err)
	}
	return next.String, nil
}
