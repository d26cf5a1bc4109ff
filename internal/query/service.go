package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"SpinLedger/internal/queue"
	"SpinLedger/internal/spin"
)

// QueryService provides read-only access to persisted queue state and
// the stats projection. Queries are served over HTTP/JSON from
// PostgreSQL, not from the engine's in-memory state: reads never
// contend with the single-writer loop.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetQueueState returns the persisted queue for a wallet. A wallet
// with no persisted record gets an empty state, not an error.
func (qs *QueryService) GetQueueState(ctx context.Context, address string) (*QueueStateResponse, error) {
	state, err := qs.loadState(ctx, address)
	if err != nil {
		return nil, err
	}
	return &QueueStateResponse{
		Address:              address,
		Spins:                state.Spins,
		TotalPendingValue:    state.TotalPendingValue,
		TotalReservedBalance: state.TotalReservedBalance,
		LastUpdated:          state.LastUpdated,
	}, nil
}

// GetPendingSpins returns the in-flight (non-terminal) spins, oldest first.
func (qs *QueryService) GetPendingSpins(ctx context.Context, address string) (*SpinsResponse, error) {
	state, err := qs.loadState(ctx, address)
	if err != nil {
		return nil, err
	}
	var out []spin.QueuedSpin
	for _, s := range state.Spins {
		if !s.Status.Terminal() {
			out = append(out, s)
		}
	}
	return &SpinsResponse{Address: address, Spins: out, Count: len(out), LastUpdated: state.LastUpdated}, nil
}

// GetReadyToClaim returns spins whose payout awaits a claim transaction.
func (qs *QueryService) GetReadyToClaim(ctx context.Context, address string) (*SpinsResponse, error) {
	state, err := qs.loadState(ctx, address)
	if err != nil {
		return nil, err
	}
	var out []spin.QueuedSpin
	for _, s := range state.Spins {
		if s.Status == spin.StatusReadyToClaim {
			out = append(out, s)
		}
	}
	return &SpinsResponse{Address: address, Spins: out, Count: len(out), LastUpdated: state.LastUpdated}, nil
}

// GetRecentSpins returns terminal spins newest-first, paginated.
func (qs *QueryService) GetRecentSpins(ctx context.Context, address string, limit, offset int) (*SpinsResponse, error) {
	state, err := qs.loadState(ctx, address)
	if err != nil {
		return nil, err
	}

	var terminal []spin.QueuedSpin
	for _, s := range state.Spins {
		if s.Status.Terminal() {
			terminal = append(terminal, s)
		}
	}
	sort.SliceStable(terminal, func(i, j int) bool {
		return terminal[i].Timestamp > terminal[j].Timestamp
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(terminal) {
		terminal = nil
	} else {
		terminal = terminal[offset:]
		if limit > 0 && limit < len(terminal) {
			terminal = terminal[:limit]
		}
	}

	return &SpinsResponse{Address: address, Spins: terminal, Count: len(terminal), LastUpdated: state.LastUpdated}, nil
}

// GetStats returns the aggregate wallet stats. Served from the stats
// projection when fresh; falls back to computing from the state record
// when the projection has no row yet.
func (qs *QueryService) GetStats(ctx context.Context, address string) (*StatsResponse, error) {
	var st queue.Stats
	var lastUpdated int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT total_spins, pending_spins, completed_spins, failed_spins,
		       total_wagered, total_winnings, net_profit, reserved_balance, last_updated
		FROM spin_queue.wallet_stats
		WHERE address = $1
	`, address).Scan(
		&st.TotalSpins, &st.PendingSpins, &st.CompletedSpins, &st.FailedSpins,
		&st.TotalWagered, &st.TotalWinnings, &st.NetProfit, &st.ReservedBalance, &lastUpdated,
	)
	if err == sql.ErrNoRows {
		state, loadErr := qs.loadState(ctx, address)
		if loadErr != nil {
			return nil, loadErr
		}
		st = queue.StatsOf(state.Spins, state.TotalReservedBalance)
		lastUpdated = state.LastUpdated
	} else if err != nil {
		return nil, fmt.Errorf("stats query: %w", err)
	}

	return &StatsResponse{Address: address, Stats: st, LastUpdated: lastUpdated}, nil
}

// GetStuckSpins returns non-terminal spins older than the threshold.
// These are surfaced for the external watchdog; this service never
// resolves them itself.
func (qs *QueryService) GetStuckSpins(ctx context.Context, address string, threshold time.Duration) (*SpinsResponse, error) {
	state, err := qs.loadState(ctx, address)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().UnixMilli() - threshold.Milliseconds()
	var out []spin.QueuedSpin
	for _, s := range state.Spins {
		if !s.Status.Terminal() && s.Timestamp < cutoff {
			out = append(out, s)
		}
	}
	return &SpinsResponse{Address: address, Spins: out, Count: len(out), LastUpdated: state.LastUpdated}, nil
}

// GetAvailability applies the availability calculation to the persisted
// reservation for a wallet given a confirmed balance observation.
func (qs *QueryService) GetAvailability(ctx context.Context, address string, confirmed int64) (*AvailabilityResponse, error) {
	state, err := qs.loadState(ctx, address)
	if err != nil {
		return nil, err
	}
	return &AvailabilityResponse{
		Address:          address,
		ConfirmedBalance: confirmed,
		ReservedBalance:  state.TotalReservedBalance,
		AvailableBalance: queue.AvailableBalance(confirmed, state.TotalReservedBalance),
		LastUpdated:      state.LastUpdated,
	}, nil
}

// loadState reads and decodes one wallet's record. Missing rows decode
// to an empty state; corrupt rows are an error here (the recovery path
// in persistence fails open instead — queries should surface problems).
func (qs *QueryService) loadState(ctx context.Context, address string) (*spin.PersistedState, error) {
	var data []byte
	err := qs.db.QueryRowContext(ctx, `
		SELECT data FROM spin_queue.states WHERE address = $1
	`, address).Scan(&data)
	if err == sql.ErrNoRows {
		return &spin.PersistedState{Address: address}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state query for %s: %w", address, err)
	}

	var state spin.PersistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode state for %s: %w", address, err)
	}
	if state.Address == "" {
		state.Address = address
	}
	return &state, nil
}
