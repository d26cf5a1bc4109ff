package queue

import (
	"sort"
	"time"

	"SpinLedger/internal/spin"
)

// Default bounds, matching the persisted-state contract.
const (
	DefaultMaxSpins       = 100
	DefaultStuckThreshold = 5 * time.Minute
)

// Options configures a SpinQueue instance.
type Options struct {
	MaxSpins   int
	MaxRetries int64

	// Clock is injectable for tests; defaults to time.Now.
	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxSpins <= 0 {
		o.MaxSpins = DefaultMaxSpins
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = spin.MaxRetries
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// AdmitParams carries the immutable fields of a new spin.
type AdmitParams struct {
	BetPerLine         int64
	SelectedPaylines   int64
	TotalBet           int64
	EstimatedTotalCost int64
	ContractID         string
}

// SpinQueue holds one wallet's in-flight and recent spins together with
// the reservation ledger that counts funds-at-risk bets against the
// wallet's spendable balance.
//
// Not goroutine-safe: all mutation happens on the engine's single writer
// goroutine, so each operation runs to completion before the next begins.
type SpinQueue struct {
	address string
	spins   []spin.QueuedSpin

	totalPendingValue    int64
	totalReservedBalance int64
	lastUpdated          int64

	// Transient UI flag, never persisted
	isProcessing bool

	opts      Options
	notifiers []chan<- Change
}

// New creates an empty queue for a wallet address.
func New(address string, opts Options) *SpinQueue {
	return &SpinQueue{
		address: address,
		opts:    opts.withDefaults(),
	}
}

// Restore rebuilds a queue from its persisted form, applying the
// load-time normalization:
//  1. truncate to the most recent MaxSpins entries by timestamp
//  2. complete-and-reveal every non-terminal spin — a spin that was
//     mid-flight when the process died cannot be trusted to still be
//     outstanding, and completing it avoids permanently stuck state
//  3. recompute the reservation ledger from scratch, which self-heals
//     any drift introduced by step 2
func Restore(state *spin.PersistedState, opts Options) *SpinQueue {
	q := New(state.Address, opts)

	spins := make([]spin.QueuedSpin, len(state.Spins))
	copy(spins, state.Spins)

	// Newest first, then keep the head
	sort.Slice(spins, func(i, j int) bool {
		return spins[i].Timestamp > spins[j].Timestamp
	})
	if len(spins) > q.opts.MaxSpins {
		spins = spins[:q.opts.MaxSpins]
	}

	// Oldest first for the working order
	sort.Slice(spins, func(i, j int) bool {
		return spins[i].Timestamp < spins[j].Timestamp
	})

	for i := range spins {
		if !spins[i].Status.Terminal() {
			spins[i].Status = spin.StatusCompleted
			spins[i].Revealed = true
			spins[i].Error = ""
		}
	}

	q.spins = spins
	q.lastUpdated = state.LastUpdated
	q.recomputeLedger()
	return q
}

// Address returns the wallet this queue belongs to.
func (q *SpinQueue) Address() string {
	return q.address
}

// Admit creates a new spin at PENDING and reserves its bet. Admission
// never rejects; bet validation belongs to external collaborators. When
// the queue is at capacity the single oldest spin by timestamp is evicted
// first, releasing its reservation if it was still funds-at-risk.
func (q *SpinQueue) Admit(p AdmitParams) string {
	if len(q.spins) >= q.opts.MaxSpins {
		q.evictOldest()
	}

	now := q.opts.Clock()
	s := spin.QueuedSpin{
		ID:                 spin.NewID(now),
		Timestamp:          now.UnixMilli(),
		Status:             spin.StatusPending,
		BetPerLine:         p.BetPerLine,
		SelectedPaylines:   p.SelectedPaylines,
		TotalBet:           p.TotalBet,
		EstimatedTotalCost: p.EstimatedTotalCost,
		ContractID:         p.ContractID,
	}

	q.reserve(&s)
	q.totalPendingValue += s.TotalBet
	q.spins = append(q.spins, s)
	q.touch()
	q.notify(ChangeAdmitted, s.ID)
	return s.ID
}

// Update advances a spin through the lifecycle and applies the
// reservation side effects of the transition. Unknown ids are a no-op:
// late and duplicate callbacks are expected, not errors.
//
// Release on exit from funds-at-risk happens only when the destination
// is terminal. Exits into WAITING/PROCESSING/READY_TO_CLAIM keep the
// reservation in place — the on-chain debit may already exist, and the
// balance reconciler force-releases once the real balance reflects it.
func (q *SpinQueue) Update(spinID string, newStatus spin.Status, patch *spin.Patch) bool {
	s := q.find(spinID)
	if s == nil {
		return false
	}

	oldStatus := s.Status
	wasReserved := oldStatus.FundsAtRisk()
	shouldBeReserved := newStatus.FundsAtRisk()

	if shouldBeReserved && !wasReserved {
		q.reserve(s)
	}
	if wasReserved && !shouldBeReserved && newStatus.Terminal() {
		q.release(s)
	}

	if oldStatus == spin.StatusPending && newStatus != spin.StatusPending {
		q.totalPendingValue -= s.TotalBet
	} else if oldStatus != spin.StatusPending && newStatus == spin.StatusPending {
		q.totalPendingValue += s.TotalBet
	}

	patch.Apply(s)
	s.Status = newStatus
	if newStatus == spin.StatusCompleted {
		s.Revealed = true
	}

	q.touch()
	q.notify(ChangeUpdated, spinID)
	return true
}

// Remove deletes a spin, releasing its reservation if still held.
func (q *SpinQueue) Remove(spinID string) bool {
	for i := range q.spins {
		if q.spins[i].ID != spinID {
			continue
		}
		s := &q.spins[i]
		if s.Status.FundsAtRisk() {
			q.release(s)
		}
		if s.Status == spin.StatusPending {
			q.totalPendingValue -= s.TotalBet
		}
		q.spins = append(q.spins[:i], q.spins[i+1:]...)
		q.touch()
		q.notify(ChangeRemoved, spinID)
		return true
	}
	return false
}

// Retry re-queues a spin at PENDING. No-op once the retry budget is
// spent. The bet is re-reserved only if the reservation was actually
// released, which under the deferred-release policy means the spin had
// reached a terminal status; every non-terminal spin still holds its
// reservation.
func (q *SpinQueue) Retry(spinID string) bool {
	s := q.find(spinID)
	if s == nil {
		return false
	}
	if s.RetryCount >= q.opts.MaxRetries {
		return false
	}

	if s.Status.Terminal() {
		q.reserve(s)
	}
	if s.Status != spin.StatusPending {
		q.totalPendingValue += s.TotalBet
	}

	s.Status = spin.StatusPending
	s.RetryCount++
	s.LastRetry = q.opts.Clock().UnixMilli()
	s.Error = ""
	s.Revealed = false

	q.touch()
	q.notify(ChangeRetried, spinID)
	return true
}

// ForceReleaseReservedFunds is the escape hatch for the balance
// reconciler: once the real balance shows the debit has settled (or
// definitively never happened), the reservation is released and the spin
// completed. Idempotent — terminal spins are a no-op, which is what
// prevents a double release.
func (q *SpinQueue) ForceReleaseReservedFunds(spinID string) bool {
	s := q.find(spinID)
	if s == nil {
		return false
	}
	if s.Status.Terminal() {
		return false
	}

	q.release(s)
	if s.Status == spin.StatusPending {
		q.totalPendingValue -= s.TotalBet
	}
	s.Status = spin.StatusCompleted
	s.Revealed = true

	q.touch()
	q.notify(ChangeForceReleased, spinID)
	return true
}

// ValidateReservedBalance recomputes the expected reservation from the
// funds-at-risk set and self-corrects the running counter, returning the
// applied correction (0 when the ledger was consistent). Diagnostic and
// self-healing: the steady-state update path never needs it. Note this
// treats the funds-at-risk set as the source of truth, so a sweep also
// releases reservations a deferred exit left behind.
func (q *SpinQueue) ValidateReservedBalance() int64 {
	var expected int64
	for i := range q.spins {
		if q.spins[i].Status.FundsAtRisk() {
			expected += q.spins[i].TotalBet
		}
	}
	drift := expected - q.totalReservedBalance
	if drift != 0 {
		q.totalReservedBalance = expected
		q.touch()
	}
	return drift
}

// ClearOldSpins removes terminal spins older than maxAge. Non-terminal
// spins are never age-evicted regardless of how old they are.
func (q *SpinQueue) ClearOldSpins(maxAge time.Duration) int {
	cutoff := q.opts.Clock().Add(-maxAge).UnixMilli()

	kept := q.spins[:0]
	removed := 0
	for i := range q.spins {
		s := q.spins[i]
		if s.Status.Terminal() && s.Timestamp < cutoff {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	q.spins = kept

	if removed > 0 {
		q.touch()
		q.notify(ChangeCleared, "")
	}
	return removed
}

// StuckSpins returns non-terminal spins older than the freshness
// threshold. The queue only surfaces them; the external watchdog decides
// whether to retry, expire, or force-release.
func (q *SpinQueue) StuckSpins(threshold time.Duration) []spin.QueuedSpin {
	cutoff := q.opts.Clock().Add(-threshold).UnixMilli()

	var stuck []spin.QueuedSpin
	for i := range q.spins {
		s := q.spins[i]
		if !s.Status.Terminal() && s.Timestamp < cutoff {
			stuck = append(stuck, s)
		}
	}
	return stuck
}

// SetProcessing flips the transient UI flag. Not persisted.
func (q *SpinQueue) SetProcessing(v bool) {
	q.isProcessing = v
}

// Processing reports the transient UI flag.
func (q *SpinQueue) Processing() bool {
	return q.isProcessing
}

// Persisted returns the serializable form of the queue state.
func (q *SpinQueue) Persisted() *spin.PersistedState {
	spins := make([]spin.QueuedSpin, len(q.spins))
	copy(spins, q.spins)
	return &spin.PersistedState{
		Address:              q.address,
		Spins:                spins,
		TotalPendingValue:    q.totalPendingValue,
		TotalReservedBalance: q.totalReservedBalance,
		LastUpdated:          q.lastUpdated,
	}
}

// --- internals ---

func (q *SpinQueue) find(spinID string) *spin.QueuedSpin {
	for i := range q.spins {
		if q.spins[i].ID == spinID {
			return &q.spins[i]
		}
	}
	return nil
}

// evictOldest drops the single oldest spin by timestamp. The slice is
// explicitly re-sorted first: retries and restores can perturb order, so
// insertion order is not trusted.
func (q *SpinQueue) evictOldest() {
	if len(q.spins) == 0 {
		return
	}
	sort.SliceStable(q.spins, func(i, j int) bool {
		return q.spins[i].Timestamp < q.spins[j].Timestamp
	})

	victim := &q.spins[0]
	if victim.Status.FundsAtRisk() {
		q.release(victim)
	}
	if victim.Status == spin.StatusPending {
		q.totalPendingValue -= victim.TotalBet
	}
	id := victim.ID
	q.spins = q.spins[1:]
	q.notify(ChangeEvicted, id)
}

func (q *SpinQueue) reserve(s *spin.QueuedSpin) {
	q.totalReservedBalance += s.TotalBet
}

// release subtracts the spin's bet from the reservation counter, clamped
// at zero so a stray late callback can never drive it negative.
func (q *SpinQueue) release(s *spin.QueuedSpin) {
	q.totalReservedBalance -= s.TotalBet
	if q.totalReservedBalance < 0 {
		q.totalReservedBalance = 0
	}
}

func (q *SpinQueue) touch() {
	q.lastUpdated = q.opts.Clock().UnixMilli()
}

// recomputeLedger rebuilds both aggregate counters from the spin list.
func (q *SpinQueue) recomputeLedger() {
	q.totalPendingValue = 0
	q.totalReservedBalance = 0
	for i := range q.spins {
		s := &q.spins[i]
		if s.Status == spin.StatusPending {
			q.totalPendingValue += s.TotalBet
		}
		if s.Status.FundsAtRisk() {
			q.totalReservedBalance += s.TotalBet
		}
	}
}
