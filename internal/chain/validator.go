package chain

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/trading-engine/internal/engineerrors"
	"github.com/atlas-desktop/trading-engine/internal/store"
)

// ValidateNoCycle performs a forward walk from candidateNext, the proposed
// next_strategy_id for strategyID, rejecting with CYCLE_DETECTED if the
// walk revisits strategyID or loops. Walk depth is bounded
// by total strategies to guarantee termination even on a corrupt graph.
func ValidateNoCycle(ctx context.Context, st *store.Store, strategyID, candidateNext string) error {
	if candidateNext == "" {
		return nil
	}
	if candidateNext == strategyID {
		return engineerrors.New(engineerrors.CodeCycleDetected, "next_strategy_id must not be self")
	}

	visited := map[string]bool{strategyID: true}
	cursor := candidateNext
	for i := 0; i < maxWalkDepth(ctx, st); i++ {
		if visited[cursor] {
			return engineerrors.New(engineerrors.CodeCycleDetected, fmt.Sprintf("cycle detected at %s", cursor))
		}
		visited[cursor] = true

		next, err := st.Downstream(ctx, cursor)
		if err != nil {
			return fmt.Errorf("walk downstream from %s: %w", cursor, err)
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
	return engineerrors.New(engineerrors.CodeCycleDetected, "walk exceeded total strategy count, cycle assumed")
}

func maxWalkDepth(ctx context.Context, st *store.Store) int {
	all, err := st.List(ctx, store.ListFilter{})
	if err != nil {
		return 10000
	}
	n := len(all) + 1
	if n < 1 {
		n = 1
	}
	return n
}
