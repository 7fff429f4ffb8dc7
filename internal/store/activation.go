package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/atlas-desktop/trading-engine/pkg/model"
)

// InsertActivation atomically inserts a strategy_activations row keyed by
// (trigger_event_id, to_strategy_id). On unique-constraint violation it
// returns (false, nil): the caller treats this as a no-op, guaranteeing
// at-most-once chain activation.
func (s *Store) InsertActivation(ctx context.Context, ev *model.ActivationEvent) (inserted bool, err error) {
	ev.CreatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO strategy_activations (from_strategy_id, to_strategy_id, trigger_event_id, effective_activated_at, market_snapshot_json, context_json, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		ev.From, ev.To, ev.TriggerEventID, ev.EffectiveActivatedAt.UTC().Format(timeLayout), ev.MarketSnapshotJSON, ev.ContextJSON, ev.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert activation: %w", err)
	}
	return true, nil
}

// isUniqueViolation reports whether err is a UNIQUE-constraint failure.
// modernc.org/sqlite surfaces constraint errors as plain error text rather
// than a typed sentinel, so this matches on the driver's message.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}

// ListActivations returns every activation recorded for a downstream strategy.
func (s *Store) ListActivations(ctx context.Context, toStrategyID string) ([]*model.ActivationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_strategy_id, to_strategy_id, trigger_event_id, effective_activated_at, market_snapshot_json, context_json, created_at
		FROM strategy_activations WHERE to_strategy_id = ? ORDER BY id ASC`, toStrategyID)
	if err != nil {
		return nil, fmt.Errorf("query activations: %w", err)
	}
	defer rows.Close()

	var out []*model.ActivationEvent
	for rows.Next() {
		var ev model.ActivationEvent
		var effectiveAt, createdAt string
		if err := rows.Scan(&ev.ID, &ev.From, &ev.To, &ev.TriggerEventID, &effectiveAt, &ev.MarketSnapshotJSON, &ev.ContextJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan activation: %w", err)
		}
		var perr error
		if ev.EffectiveActivatedAt, perr = time.Parse(timeLayout, effectiveAt); perr != nil {
			return nil, perr
		}
		if ev.CreatedAt, perr = time.Parse(timeLayout, createdAt); perr != nil {
			return nil, perr
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
