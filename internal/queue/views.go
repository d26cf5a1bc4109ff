package queue

import (
	"sort"

	"SpinLedger/internal/spin"
)

// Stats aggregates a queue's history for display. Failed and expired
// spins never wagered successfully, so they are excluded from the
// wagered/winnings totals.
type Stats struct {
	TotalSpins      int64 `json:"total_spins"`
	PendingSpins    int64 `json:"pending_spins"`
	CompletedSpins  int64 `json:"completed_spins"`
	FailedSpins     int64 `json:"failed_spins"`
	TotalWagered    int64 `json:"total_wagered"`
	TotalWinnings   int64 `json:"total_winnings"`
	NetProfit       int64 `json:"net_profit"`
	ReservedBalance int64 `json:"reserved_balance"`
}

// Get returns a copy of the spin with the given id.
func (q *SpinQueue) Get(spinID string) (spin.QueuedSpin, bool) {
	if s := q.find(spinID); s != nil {
		return *s, true
	}
	return spin.QueuedSpin{}, false
}

// Len returns the number of spins currently held.
func (q *SpinQueue) Len() int {
	return len(q.spins)
}

// ReservedBalance returns the reservation ledger's running total.
func (q *SpinQueue) ReservedBalance() int64 {
	return q.totalReservedBalance
}

// PendingValue returns the sum of bets still at the admission status.
func (q *SpinQueue) PendingValue() int64 {
	return q.totalPendingValue
}

// LastUpdated returns the epoch-ms timestamp of the last mutation.
func (q *SpinQueue) LastUpdated() int64 {
	return q.lastUpdated
}

// PendingSpins returns the in-flight (non-terminal) spins, oldest first.
func (q *SpinQueue) PendingSpins() []spin.QueuedSpin {
	var out []spin.QueuedSpin
	for i := range q.spins {
		if !q.spins[i].Status.Terminal() {
			out = append(out, q.spins[i])
		}
	}
	return out
}

// ReadyToClaim returns spins whose payout awaits a claim transaction.
func (q *SpinQueue) ReadyToClaim() []spin.QueuedSpin {
	var out []spin.QueuedSpin
	for i := range q.spins {
		if q.spins[i].Status == spin.StatusReadyToClaim {
			out = append(out, q.spins[i])
		}
	}
	return out
}

// Recent returns terminal spins newest-first, paginated by limit and
// offset. A non-positive limit returns the whole remaining page.
func (q *SpinQueue) Recent(limit, offset int) []spin.QueuedSpin {
	var terminal []spin.QueuedSpin
	for i := range q.spins {
		if q.spins[i].Status.Terminal() {
			terminal = append(terminal, q.spins[i])
		}
	}
	sort.SliceStable(terminal, func(i, j int) bool {
		return terminal[i].Timestamp > terminal[j].Timestamp
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(terminal) {
		return nil
	}
	terminal = terminal[offset:]
	if limit > 0 && limit < len(terminal) {
		terminal = terminal[:limit]
	}
	return terminal
}

// Stats computes the aggregate counters over the current spin list.
func (q *SpinQueue) Stats() Stats {
	return StatsOf(q.spins, q.totalReservedBalance)
}

// StatsOf computes the aggregate counters for a spin list, used both by
// live queues and by consumers of persisted state.
func StatsOf(spins []spin.QueuedSpin, reservedBalance int64) Stats {
	st := Stats{
		TotalSpins:      int64(len(spins)),
		ReservedBalance: reservedBalance,
	}
	for i := range spins {
		s := &spins[i]
		switch {
		case s.Status == spin.StatusCompleted:
			st.CompletedSpins++
		case s.Status == spin.StatusFailed || s.Status == spin.StatusExpired:
			st.FailedSpins++
		default:
			st.PendingSpins++
		}
		if s.Status == spin.StatusFailed || s.Status == spin.StatusExpired {
			continue
		}
		st.TotalWagered += s.TotalBet
		st.TotalWinnings += s.Winnings
	}
	st.NetProfit = st.TotalWinnings - st.TotalWagered
	return st
}

// AvailableBalance derives the amount a wallet may wager right now from
// a confirmed balance observation and the current reservation. Pure;
// floor at zero since a reservation can briefly exceed a stale balance.
func AvailableBalance(confirmedBalance, reservedBalance int64) int64 {
	avail := confirmedBalance - reservedBalance
	if avail < 0 {
		return 0
	}
	return avail
}

// AvailableBalance applies the availability calculation to this queue.
func (q *SpinQueue) AvailableBalance(confirmedBalance int64) int64 {
	return AvailableBalance(confirmedBalance, q.totalReservedBalance)
}
