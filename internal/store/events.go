package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/atlas-desktop/trading-engine/pkg/model"
)

func appendEventTx(ctx context.Context, tx *sql.Tx, strategyID string, ts time.Time, eventType, detail string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO strategy_events (strategy_id, timestamp, event_type, detail) VALUES (?,?,?,?)`,
		strategyID, ts.UTC().Format(timeLayout), eventType, detail)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// AppendEvent records one append-only audit entry for a strategy, outside
// of any strategy-mutating transaction (e.g. a scheduler decision note).
func (s *Store) AppendEvent(ctx context.Context, strategyID, eventType, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strategy_events (strategy_id, timestamp, event_type, detail) VALUES (?,?,?,?)`,
		strategyID, time.Now().UTC().Format(timeLayout), eventType, detail)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns a strategy's events in insertion order.
func (s *Store) ListEvents(ctx context.Context, strategyID string, limit int) ([]*model.StrategyEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, strategy_id, timestamp, event_type, detail
		FROM strategy_events WHERE strategy_id = ? ORDER BY id ASC LIMIT ?`, strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return scanEvents(rows)
}

// GlobalEvents returns the most recent events across all strategies, newest
// first, for the engine-wide event stream.
func (s *Store) GlobalEvents(ctx context.Context, since time.Time, limit int) ([]*model.StrategyEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, strategy_id, timestamp, event_type, detail
		FROM strategy_events WHERE timestamp > ? ORDER BY id DESC LIMIT ?`,
		since.UTC().Format(timeLayout), limit)
	if err != nil {
		return nil, fmt.Errorf("query global events: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*model.StrategyEvent, error) {
	defer rows.Close()
	var out []*model.StrategyEvent
	for rows.Next() {
		var ev model.StrategyEvent
		var ts string
		if err := rows.Scan(&ev.ID, &ev.StrategyID, &ts, &ev.EventType, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		t, err := time.Parse(timeLayout, ts)
		if err != nil {
			return nil, err
		}
		ev.Timestamp = t
		out = append(out, &ev)
	}
	return out, rows.Err()
}
