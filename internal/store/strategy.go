package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atlas-desktop/trading-engine/internal/engineerrors"
	"github.com/atlas-desktop/trading-engine/pkg/model"
)

// admissible encodes the lifecycle's legal transition table. A from/to
// pair absent here is forbidden.
var admissible = map[model.Status]map[model.Status]bool{
	model.StatusPendingActivation: {model.StatusVerifying: true, model.StatusCancelled: true, model.StatusExpired: true, model.StatusFailed: true},
	model.StatusVerifying:         {model.StatusActive: true, model.StatusVerifyFailed: true, model.StatusFailed: true},
	model.StatusVerifyFailed:      {model.StatusPendingActivation: true, model.StatusExpired: true, model.StatusFailed: true},
	model.StatusActive: {
		model.StatusPaused: true, model.StatusTriggered: true,
		model.StatusCancelled: true, model.StatusExpired: true, model.StatusFailed: true,
	},
	model.StatusPaused: {
		model.StatusActive: true, model.StatusCancelled: true,
		model.StatusExpired: true, model.StatusFailed: true,
	},
	model.StatusTriggered: {
		model.StatusOrderSubmitted: true, model.StatusFilled: true,
		model.StatusExpired: true, model.StatusFailed: true,
	},
	model.StatusOrderSubmitted: {
		model.StatusFilled: true, model.StatusCancelled: true, model.StatusFailed: true,
	},
}

// Admissible reports whether from -> to is a legal lifecycle transition.
func Admissible(from, to model.Status) bool {
	if from == to {
		return false
	}
	next, ok := admissible[from]
	if !ok {
		return false
	}
	return next[to]
}

// Create inserts a new strategy. If idempotencyKey is set and a row already
// carries it, Create returns the existing record unchanged.
func (s *Store) Create(ctx context.Context, st *model.Strategy) (*model.Strategy, error) {
	if st.IdempotencyKey != "" {
		existing, err := s.findByIdempotencyKey(ctx, st.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.Status == "" {
		st.Status = model.StatusPendingActivation
	}
	now := time.Now().UTC()
	st.CreatedAt = now
	st.UpdatedAt = now
	st.Version = 1

	if err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertStrategy(ctx, tx, st); err != nil {
			return err
		}
		if err := replaceSymbols(ctx, tx, st.ID, st.Symbols); err != nil {
			return err
		}
		return appendEventTx(ctx, tx, st.ID, now, "created", "strategy created")
	}); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) findByIdempotencyKey(ctx context.Context, key string) (*model.Strategy, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id FROM strategies WHERE idempotency_key = ?`, key)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return s.Get(ctx, id)
}

func insertStrategy(ctx context.Context, tx *sql.Tx, st *model.Strategy) error {
	conditionsJSON, err := json.Marshal(st.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	var tradeActionJSON sql.NullString
	if st.TradeAction != nil {
		b, err := json.Marshal(st.TradeAction)
		if err != nil {
			return fmt.Errorf("marshal trade_action: %w", err)
		}
		tradeActionJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO strategies (
			id, idempotency_key, market, sec_type, exchange, currency, trade_type,
			condition_logic, conditions_json, trade_action_json, next_strategy_id,
			upstream_only_activation, upstream_strategy_id, expire_mode,
			expire_in_seconds, expire_at, activated_at, logical_activated_at,
			status, version, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		st.ID, nullableString(st.IdempotencyKey), st.Market, string(st.SecType), st.Exchange, st.Currency,
		string(st.TradeType), string(st.ConditionLogic), string(conditionsJSON), tradeActionJSON,
		nullableString(st.NextStrategyID), boolToInt(st.UpstreamOnlyActivation), nullableString(st.UpstreamStrategyID),
		string(st.ExpireMode), nullableInt(st.ExpireInSeconds), formatTimePtr(st.ExpireAt),
		formatTimePtr(st.ActivatedAt), formatTimePtr(st.LogicalActivatedAt),
		string(st.Status), st.Version, st.CreatedAt.Format(timeLayout), st.UpdatedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert strategy: %w", err)
	}
	return nil
}

func replaceSymbols(ctx context.Context, tx *sql.Tx, strategyID string, symbols []model.StrategySymbol) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM strategy_symbols WHERE strategy_id = ?`, strategyID); err != nil {
		return fmt.Errorf("clear symbols: %w", err)
	}
	for _, sym := range symbols {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO strategy_symbols (strategy_id, position, symbol, sec_type, exchange, trade_type)
			VALUES (?,?,?,?,?,?)`,
			strategyID, sym.Position, sym.Symbol, string(sym.SecType), sym.Exchange, string(sym.TradeType),
		); err != nil {
			return fmt.Errorf("insert symbol: %w", err)
		}
	}
	return nil
}

// Get loads one strategy (including symbols), or a NOT_FOUND error.
func (s *Store) Get(ctx context.Context, id string) (*model.Strategy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, idempotency_key, market, sec_type, exchange, currency, trade_type,
			condition_logic, conditions_json, trade_action_json, next_strategy_id,
			upstream_only_activation, upstream_strategy_id, expire_mode,
			expire_in_seconds, expire_at, activated_at, logical_activated_at,
			status, version, created_at, updated_at, deleted_at
		FROM strategies WHERE id = ? AND deleted_at IS NULL`, id)

	st, err := scanStrategy(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, engineerrors.NotFound("strategy", id)
		}
		return nil, err
	}

	symbols, err := s.loadSymbols(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	st.Symbols = symbols
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStrategy(row rowScanner) (*model.Strategy, error) {
	var (
		st                                                      model.Strategy
		idempotencyKey, nextStrategyID, upstreamStrategyID      sql.NullString
		tradeActionJSON                                         sql.NullString
		conditionsJSON                                          string
		expireInSeconds                                         sql.NullInt64
		expireAt, activatedAt, logicalActivatedAt, deletedAt    sql.NullString
		createdAt, updatedAt                                    string
		upstreamOnly                                            int
	)
	if err := row.Scan(
		&st.ID, &idempotencyKey, &st.Market, &st.SecType, &st.Exchange, &st.Currency, &st.TradeType,
		&st.ConditionLogic, &conditionsJSON, &tradeActionJSON, &nextStrategyID,
		&upstreamOnly, &upstreamStrategyID, &st.ExpireMode,
		&expireInSeconds, &expireAt, &activatedAt, &logicalActivatedAt,
		&st.Status, &st.Version, &createdAt, &updatedAt, &deletedAt,
	); err != nil {
		return nil, err
	}

	st.IdempotencyKey = idempotencyKey.String
	st.NextStrategyID = nextStrategyID.String
	st.UpstreamStrategyID = upstreamStrategyID.String
	st.UpstreamOnlyActivation = upstreamOnly != 0
	st.ExpireInSeconds = int(expireInSeconds.Int64)

	if err := json.Unmarshal([]byte(conditionsJSON), &st.Conditions); err != nil {
		return nil, fmt.Errorf("unmarshal conditions: %w", err)
	}
	if tradeActionJSON.Valid {
		var ta model.TradeAction
		if err := json.Unmarshal([]byte(tradeActionJSON.String), &ta); err != nil {
			return nil, fmt.Errorf("unmarshal trade_action: %w", err)
		}
		st.TradeAction = &ta
	}

	var err error
	if st.ExpireAt, err = parseTimePtr(expireAt); err != nil {
		return nil, err
	}
	if st.ActivatedAt, err = parseTimePtr(activatedAt); err != nil {
		return nil, err
	}
	if st.LogicalActivatedAt, err = parseTimePtr(logicalActivatedAt); err != nil {
		return nil, err
	}
	if st.DeletedAt, err = parseTimePtr(deletedAt); err != nil {
		return nil, err
	}
	if st.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if st.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &st, nil
}

func (s *Store) loadSymbols(ctx context.Context, q querier, strategyID string) ([]model.StrategySymbol, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT position, symbol, sec_type, exchange, trade_type
		FROM strategy_symbols WHERE strategy_id = ? ORDER BY position`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("query symbols: %w", err)
	}
	defer rows.Close()

	var out []model.StrategySymbol
	for rows.Next() {
		var sym model.StrategySymbol
		if err := rows.Scan(&sym.Position, &sym.Symbol, &sym.SecType, &sym.Exchange, &sym.TradeType); err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

// ListFilter narrows List to a status and/or market subset.
type ListFilter struct {
	Status model.Status
	Market string
}

// List returns non-deleted strategies matching filter, newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*model.Strategy, error) {
	query := `SELECT id FROM strategies WHERE deleted_at IS NULL`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Market != "" {
		query += ` AND market = ?`
		args = append(args, filter.Market)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
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

// DueForScan returns ACTIVE strategies eligible for a worker-pool pass:
// status ACTIVE and not currently leased. The scanner enqueues these.
func (s *Store) DueForScan(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id FROM strategies s
		LEFT JOIN strategy_locks l ON l.strategy_id = s.id
		WHERE s.status = ? AND s.deleted_at IS NULL
		  AND (l.lock_until IS NULL OR l.lock_until < ?)
		ORDER BY s.updated_at ASC
		LIMIT ?`, string(model.StatusActive), now.Format(timeLayout), limit)
	if err != nil {
		return nil, fmt.Errorf("query due strategies: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PatchBasic updates the non-rule fields of a strategy (market/exchange/
// expiry/chain linkage/etc). Allowed only from PENDING_ACTIVATION,
// VERIFY_FAILED or PAUSED; always resets status to PENDING_ACTIVATION and bumps
// version.
func (s *Store) PatchBasic(ctx context.Context, id string, mutate func(*model.Strategy) error) (*model.Strategy, error) {
	return s.editable(ctx, id, "basic edit", mutate)
}

// PutConditions replaces a strategy's condition set under the same edit
// rules as PatchBasic.
func (s *Store) PutConditions(ctx context.Context, id string, conditions []model.Condition) (*model.Strategy, error) {
	return s.editable(ctx, id, "conditions edit", func(st *model.Strategy) error {
		st.Conditions = conditions
		return nil
	})
}

// PutActions replaces a strategy's trade action under the same edit rules
// as PatchBasic.
func (s *Store) PutActions(ctx context.Context, id string, action *model.TradeAction) (*model.Strategy, error) {
	return s.editable(ctx, id, "actions edit", func(st *model.Strategy) error {
		st.TradeAction = action
		return nil
	})
}

func (s *Store) editable(ctx context.Context, id, reason string, mutate func(*model.Strategy) error) (*model.Strategy, error) {
	var result *model.Strategy
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, idempotency_key, market, sec_type, exchange, currency, trade_type,
				condition_logic, conditions_json, trade_action_json, next_strategy_id,
				upstream_only_activation, upstream_strategy_id, expire_mode,
				expire_in_seconds, expire_at, activated_at, logical_activated_at,
				status, version, created_at, updated_at, deleted_at
			FROM strategies WHERE id = ? AND deleted_at IS NULL`, id)
		st, err := scanStrategy(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return engineerrors.NotFound("strategy", id)
			}
			return err
		}
		if st.Status != model.StatusPendingActivation && st.Status != model.StatusVerifyFailed && st.Status != model.StatusPaused {
			return engineerrors.New(engineerrors.CodeInadmissible, fmt.Sprintf("cannot edit strategy in status %s", st.Status))
		}
		if symbols, err := s.loadSymbols(ctx, tx, id); err != nil {
			return err
		} else {
			st.Symbols = symbols
		}

		if err := mutate(st); err != nil {
			return err
		}

		st.Status = model.StatusPendingActivation
		st.Version++
		st.UpdatedAt = time.Now().UTC()

		if err := updateStrategy(ctx, tx, st); err != nil {
			return err
		}
		if err := replaceSymbols(ctx, tx, id, st.Symbols); err != nil {
			return err
		}
		if err := appendEventTx(ctx, tx, id, st.UpdatedAt, "edited", reason); err != nil {
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

func updateStrategy(ctx context.Context, tx *sql.Tx, st *model.Strategy) error {
	conditionsJSON, err := json.Marshal(st.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	var tradeActionJSON sql.NullString
	if st.TradeAction != nil {
		b, err := json.Marshal(st.TradeAction)
		if err != nil {
			return fmt.Errorf("marshal trade_action: %w", err)
		}
		tradeActionJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE strategies SET
			market = ?, sec_type = ?, exchange = ?, currency = ?, trade_type = ?,
			condition_logic = ?, conditions_json = ?, trade_action_json = ?,
			next_strategy_id = ?, upstream_only_activation = ?, upstream_strategy_id = ?,
			expire_mode = ?, expire_in_seconds = ?, expire_at = ?,
			activated_at = ?, logical_activated_at = ?,
			status = ?, version = ?, updated_at = ?
		WHERE id = ?`,
		st.Market, string(st.SecType), st.Exchange, st.Currency, string(st.TradeType),
		string(st.ConditionLogic), string(conditionsJSON), tradeActionJSON,
		nullableString(st.NextStrategyID), boolToInt(st.UpstreamOnlyActivation), nullableString(st.UpstreamStrategyID),
		string(st.ExpireMode), nullableInt(st.ExpireInSeconds), formatTimePtr(st.ExpireAt),
		formatTimePtr(st.ActivatedAt), formatTimePtr(st.LogicalActivatedAt),
		string(st.Status), st.Version, st.UpdatedAt.Format(timeLayout),
		st.ID,
	)
	if err != nil {
		return fmt.Errorf("update strategy: %w", err)
	}
	return nil
}

// Mutation lets a transition apply field changes (activation bookkeeping,
// runtime-state seeding) atomically with the status change.
type Mutation func(*model.Strategy) error

// Transition is the only path that changes status. It rejects inadmissible
// transitions and optimistic-concurrency conflicts with typed errors and
// never performs a partial mutation.
func (s *Store) Transition(ctx context.Context, id string, from, to model.Status, expectedVersion int64, mutate Mutation) (*model.Strategy, error) {
	if !Admissible(from, to) {
		return nil, engineerrors.Inadmissible(string(from), string(to))
	}
	var result *model.Strategy
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, idempotency_key, market, sec_type, exchange, currency, trade_type,
				condition_logic, conditions_json, trade_action_json, next_strategy_id,
				upstream_only_activation, upstream_strategy_id, expire_mode,
				expire_in_seconds, expire_at, activated_at, logical_activated_at,
				status, version, created_at, updated_at, deleted_at
			FROM strategies WHERE id = ? AND deleted_at IS NULL`, id)
		st, err := scanStrategy(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return engineerrors.NotFound("strategy", id)
			}
			return err
		}
		if st.Status != from {
			return engineerrors.Inadmissible(string(st.Status), string(to))
		}
		if st.Version != expectedVersion {
			return engineerrors.New(engineerrors.CodeInadmissible, "version conflict: strategy was mutated concurrently")
		}
		if symbols, err := s.loadSymbols(ctx, tx, id); err != nil {
			return err
		} else {
			st.Symbols = symbols
		}

		st.Status = to
		if mutate != nil {
			if err := mutate(st); err != nil {
				return err
			}
		}
		st.Version++
		st.UpdatedAt = time.Now().UTC()

		if err := updateStrategy(ctx, tx, st); err != nil {
			return err
		}
		if err := appendEventTx(ctx, tx, id, st.UpdatedAt, "transition", fmt.Sprintf("%s -> %s", from, to)); err != nil {
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

// SoftDelete marks a strategy deleted; cascade-owned rows remain for audit
// but the strategy is excluded from Get/List/DueForScan.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `UPDATE strategies SET deleted_at = ?, next_strategy_id = NULL WHERE id = ? AND deleted_at IS NULL`, now.Format(timeLayout), id)
		if err != nil {
			return fmt.Errorf("soft delete: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return engineerrors.NotFound("strategy", id)
		}
		// Upstream->downstream is a named relation, not ownership: deletion
		// of the upstream nulls the reference rather than cascading.
		if _, err := tx.ExecContext(ctx, `UPDATE strategies SET next_strategy_id = NULL WHERE next_strategy_id = ?`, id); err != nil {
			return fmt.Errorf("null downstream references: %w", err)
		}
		return appendEventTx(ctx, tx, id, now, "deleted", "strategy soft-deleted")
	})
}

func nullableString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullableInt(v int) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(v), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func parseTimePtr(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, v.String)
	if err != nil {
		return nil, fmt.Errorf("parse time %q: %w", v.String, err)
	}
	return &t, nil
}
