package store

import (
	"context"
	"fmt"
	"time"

	"github.com/atlas-desktop/trading-engine/pkg/model"
)

// RecordVerification appends one VerificationEvent audit row.
func (s *Store) RecordVerification(ctx context.Context, ev *model.VerificationEvent) error {
	ev.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verification_events (strategy_id, trade_id, rule_id, rule_version, passed, reason, snapshot, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		ev.StrategyID, ev.TradeID, ev.RuleID, ev.RuleVersion, boolToInt(ev.Passed), ev.Reason, ev.Snapshot, ev.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record verification event: %w", err)
	}
	return nil
}

// ListVerification returns every rule evaluation recorded for a trade_id,
// in evaluation order.
func (s *Store) ListVerification(ctx context.Context, tradeID string) ([]*model.VerificationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, strategy_id, trade_id, rule_id, rule_version, passed, reason, snapshot, created_at
		FROM verification_events WHERE trade_id = ? ORDER BY id ASC`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("query verification events: %w", err)
	}
	defer rows.Close()

	var out []*model.VerificationEvent
	for rows.Next() {
		var ev model.VerificationEvent
		var passed int
		var createdAt string
		if err := rows.Scan(&ev.ID, &ev.StrategyID, &ev.TradeID, &ev.RuleID, &ev.RuleVersion, &passed, &ev.Reason, &ev.Snapshot, &createdAt); err != nil {
			return nil, fmt.Errorf("scan verification event: %w", err)
		}
		ev.Passed = passed != 0
		t, err := time.Parse(timeLayout, createdAt)
		if err != nil {
			return nil, err
		}
		ev.CreatedAt = t
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// AppendTradeLog appends one merged chronological record of verification
// and execution stages for a trade.
func (s *Store) AppendTradeLog(ctx context.Context, log *model.TradeLog) error {
	log.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trade_logs (strategy_id, trade_id, stage, message, created_at) VALUES (?,?,?,?,?)`,
		log.StrategyID, log.TradeID, log.Stage, log.Message, log.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("append trade log: %w", err)
	}
	return nil
}

// ListTradeLogs returns a trade's log entries in chronological order.
func (s *Store) ListTradeLogs(ctx context.Context, tradeID string) ([]*model.TradeLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, strategy_id, trade_id, stage, message, created_at
		FROM trade_logs WHERE trade_id = ? ORDER BY id ASC`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("query trade logs: %w", err)
	}
	defer rows.Close()

	var out []*model.TradeLog
	for rows.Next() {
		var log model.TradeLog
		var createdAt string
		if err := rows.Scan(&log.ID, &log.StrategyID, &log.TradeID, &log.Stage, &log.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scan trade log: %w", err)
		}
		t, err := time.Parse(timeLayout, createdAt)
		if err != nil {
			return nil, err
		}
		log.CreatedAt = t
		out = append(out, &log)
	}
	return out, rows.Err()
}
