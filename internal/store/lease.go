package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/atlas-desktop/trading-engine/internal/engineerrors"
)

// AcquireLease attempts to take the exclusive execution lease for strategy
// id, held until lockUntil. Fails with STRATEGY_LOCKED if another owner
// holds an unexpired lease.
func (s *Store) AcquireLease(ctx context.Context, strategyID, owner string, lockUntil time.Time) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT owner, lock_until FROM strategy_locks WHERE strategy_id = ?`, strategyID)
		var existingOwner, existingUntil string
		err := row.Scan(&existingOwner, &existingUntil)
		switch {
		case err == sql.ErrNoRows:
			_, err := tx.ExecContext(ctx, `INSERT INTO strategy_locks (strategy_id, owner, lock_until) VALUES (?,?,?)`,
				strategyID, owner, lockUntil.UTC().Format(timeLayout))
			if err != nil {
				return fmt.Errorf("insert lease: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("query lease: %w", err)
		}

		until, perr := time.Parse(timeLayout, existingUntil)
		if perr != nil {
			return fmt.Errorf("parse lock_until: %w", perr)
		}
		if until.After(now) && existingOwner != owner {
			return engineerrors.Locked(strategyID, until)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE strategy_locks SET owner = ?, lock_until = ? WHERE strategy_id = ?`,
			owner, lockUntil.UTC().Format(timeLayout), strategyID); err != nil {
			return fmt.Errorf("update lease: %w", err)
		}
		return nil
	})
}

// ReleaseLease drops the lease for strategyID if owned by owner.
func (s *Store) ReleaseLease(ctx context.Context, strategyID, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM strategy_locks WHERE strategy_id = ? AND owner = ?`, strategyID, owner)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// LeaseUntil returns the current lock_until for strategyID, or zero if unleased.
func (s *Store) LeaseUntil(ctx context.Context, strategyID string) (time.Time, error) {
	row := s.db.QueryRowContext(ctx, `SELECT lock_until FROM strategy_locks WHERE strategy_id = ?`, strategyID)
	var until string
	if err := row.Scan(&until); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("query lock_until: %w", err)
	}
	return time.Parse(timeLayout, until)
}

// ClearStaleLeases deletes every lease whose lock_until is before now
// (boot-time recovery, run once).
func (s *Store) ClearStaleLeases(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM strategy_locks WHERE lock_until < ?`, now.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("clear stale leases: %w", err)
	}
	return res.RowsAffected()
}
