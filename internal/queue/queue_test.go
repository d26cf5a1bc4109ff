package queue_test

import (
	"testing"
	"time"

	"SpinLedger/internal/queue"
	"SpinLedger/internal/spin"
)

// fakeClock advances one millisecond per reading so every admitted spin
// gets a distinct timestamp.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestQueue() (*queue.SpinQueue, *fakeClock) {
	clock := newFakeClock()
	q := queue.New("WALLETADDR", queue.Options{Clock: clock.Now})
	return q, clock
}

func admit(q *queue.SpinQueue, totalBet int64) string {
	return q.Admit(queue.AdmitParams{
		BetPerLine:       totalBet / 20,
		SelectedPaylines: 20,
		TotalBet:         totalBet,
	})
}

// ============================================================================
// Test: Admit
// ============================================================================

func TestAdmit_ReservesBet(t *testing.T) {
	q, _ := newTestQueue()

	id := admit(q, 1_000_000)
	if id == "" {
		t.Fatal("admit should return a spin id")
	}

	s, ok := q.Get(id)
	if !ok {
		t.Fatal("admitted spin should be retrievable")
	}
	if s.Status != spin.StatusPending {
		t.Errorf("status = %v, want Pending", s.Status)
	}
	if q.ReservedBalance() != 1_000_000 {
		t.Errorf("reserved = %d, want 1000000", q.ReservedBalance())
	}
	if q.PendingValue() != 1_000_000 {
		t.Errorf("pending value = %d, want 1000000", q.PendingValue())
	}
}

func TestAdmit_NeverRejects(t *testing.T) {
	q, _ := newTestQueue()

	for i := 0; i < 150; i++ {
		if id := admit(q, 10); id == "" {
			t.Fatalf("admit %d returned empty id", i)
		}
	}
	if q.Len() != queue.DefaultMaxSpins {
		t.Errorf("len = %d, want %d", q.Len(), queue.DefaultMaxSpins)
	}
}

func TestAdmit_EvictsOldestAtCapacity(t *testing.T) {
	q, _ := newTestQueue()

	oldest := admit(q, 100)
	for i := 1; i < queue.DefaultMaxSpins; i++ {
		admit(q, 100)
	}
	if q.Len() != queue.DefaultMaxSpins {
		t.Fatalf("len = %d, want %d", q.Len(), queue.DefaultMaxSpins)
	}

	newest := admit(q, 100)

	if q.Len() != queue.DefaultMaxSpins {
		t.Errorf("len after overflow = %d, want %d", q.Len(), queue.DefaultMaxSpins)
	}
	if _, ok := q.Get(oldest); ok {
		t.Error("oldest spin should have been evicted")
	}
	if _, ok := q.Get(newest); !ok {
		t.Error("newest spin should be present")
	}
	// Eviction released the evicted PENDING reservation: still 100 bets
	want := int64(100 * queue.DefaultMaxSpins)
	if q.ReservedBalance() != want {
		t.Errorf("reserved = %d, want %d", q.ReservedBalance(), want)
	}
}

func TestAdmit_EvictionReleasesOnlyAtRiskFunds(t *testing.T) {
	q, _ := newTestQueue()

	first := admit(q, 500)
	q.Update(first, spin.StatusCompleted, &spin.Patch{})

	for i := 1; i < queue.DefaultMaxSpins; i++ {
		admit(q, 100)
	}
	reservedBefore := q.ReservedBalance()

	// The completed spin is oldest; evicting it must not touch the ledger
	admit(q, 100)
	want := reservedBefore + 100
	if q.ReservedBalance() != want {
		t.Errorf("reserved = %d, want %d", q.ReservedBalance(), want)
	}
}

// ============================================================================
// Test: Update
// ============================================================================

func TestUpdate_UnknownIDIsNoOp(t *testing.T) {
	q, _ := newTestQueue()
	admit(q, 1_000)

	if q.Update("spin_nonexistent", spin.StatusCompleted, &spin.Patch{}) {
		t.Error("update of unknown id should report false")
	}
	if q.ReservedBalance() != 1_000 {
		t.Errorf("reserved = %d, want 1000", q.ReservedBalance())
	}
}

func TestUpdate_KeepsReservationWithinAtRiskStatuses(t *testing.T) {
	q, _ := newTestQueue()
	id := admit(q, 1_000_000)

	q.Update(id, spin.StatusSubmitting, &spin.Patch{})
	if q.ReservedBalance() != 1_000_000 {
		t.Errorf("reserved after Submitting = %d, want 1000000", q.ReservedBalance())
	}
	if q.PendingValue() != 0 {
		t.Errorf("pending value after Submitting = %d, want 0", q.PendingValue())
	}
}

func TestUpdate_TerminalExitReleases(t *testing.T) {
	q, _ := newTestQueue()
	id := admit(q, 1_000_000)

	q.Update(id, spin.StatusFailed, &spin.Patch{})
	if q.ReservedBalance() != 0 {
		t.Errorf("reserved after Failed = %d, want 0", q.ReservedBalance())
	}
}

func TestUpdate_DeferredReleaseOnWaitingExit(t *testing.T) {
	q, _ := newTestQueue()
	id := admit(q, 1_000_000)

	// SUBMITTING→WAITING leaves funds-at-risk but the debit may already
	// be on-chain: the reservation must survive the exit.
	q.Update(id, spin.StatusSubmitting, &spin.Patch{})
	q.Update(id, spin.StatusWaiting, &spin.Patch{})
	if q.ReservedBalance() != 1_000_000 {
		t.Errorf("reserved after Waiting = %d, want 1000000", q.ReservedBalance())
	}

	// Reaching terminal from outside the at-risk set does not release
	// either; that is the reconciler's job.
	q.Update(id, spin.StatusProcessing, &spin.Patch{})
	q.Update(id, spin.StatusCompleted, &spin.Patch{})
	if q.ReservedBalance() != 1_000_000 {
		t.Errorf("reserved after Completed-from-Processing = %d, want 1000000", q.ReservedBalance())
	}
}

func TestUpdate_CompletedSetsRevealed(t *testing.T) {
	q, _ := newTestQueue()
	id := admit(q, 1_000)

	winnings := int64(5_000)
	q.Update(id, spin.StatusCompleted, &spin.Patch{Winnings: &winnings})

	s, _ := q.Get(id)
	if !s.Revealed {
		t.Error("completed spin should be revealed")
	}
	if s.Winnings != 5_000 {
		t.Errorf("winnings = %d, want 5000", s.Winnings)
	}
}

func TestUpdate_DoubleTerminalIsIdempotent(t *testing.T) {
	q, _ := newTestQueue()
	id := admit(q, 1_000_000)

	q.Update(id, spin.StatusCompleted, &spin.Patch{})
	reservedAfterFirst := q.ReservedBalance()

	q.Update(id, spin.StatusCompleted, &spin.Patch{})
	if q.ReservedBalance() != reservedAfterFirst {
		t.Errorf("reserved after double terminal = %d, want %d", q.ReservedBalance(), reservedAfterFirst)
	}
	if q.ReservedBalance() != 0 {
		t.Errorf("reserved = %d, want 0", q.ReservedBalance())
	}
}

func TestUpdate_ReenteringPendingReReserves(t *testing.T) {
	q, _ := newTestQueue()
	id := admit(q, 1_000)
	q.Update(id, spin.StatusFailed, &spin.Patch{})

	q.Update(id, spin.StatusPending, &spin.Patch{})
	if q.ReservedBalance() != 1_000 {
		t.Errorf("reserved after re-entry = %d, want 1000", q.ReservedBalance())
	}
	if q.PendingValue() != 1_000 {
		t.Errorf("pending value after re-entry = %d, want 1000", q.PendingValue())
	}
}

// ============================================================================
// Test: Remove
// ============================================================================

func TestRemove_ReleasesAtRiskReservation(t *testing.T) {
	q, _ := newTestQueue()
	id := admit(q, 2_000)

	if !q.Remove(id) {
		t.Fatal("remove should report true")
	}
	if q.ReservedBalance() != 0 {
		t.Errorf("reserved = %d, want 0", q.ReservedBalance())
	}
	if q.Len() != 0 {
		t.Errorf("len = %d, want 0", q.Len())
	}
}

func TestRemove_TerminalSpinDoesNotTouchLedger(t *testing.T) {
	q, _ := newTestQueue()
	keep := admit(q, 3_000)
	id := admit(q, 2_000)
	q.Update(id, spin.StatusExpired, &spin.Patch{})

	q.Remove(id)
	if q.ReservedBalance() != 3_000 {
		t.Errorf("reserved = %d, want 3000", q.ReservedBalance())
	}
	if _, ok := q.Get(keep); !ok {
		t.Error("unrelated spin should survive")
	}
}

func TestRemove_UnknownIDIsNoOp(t *testing.T) {
	q, _ := newTestQueue()
	if q.Remove("spin_nonexistent") {
		t.Error("remove of unknown id should report false")
	}
}

// ============================================================================
// Test: Retry
// ============================================================================

func TestRetry_ResetsSpin(t *testing.T) {
	q, _ := newTestQueue()
	id := admit(q, 1_000)
	errMsg := "submit timeout"
	q.Update(id, spin.StatusFailed, &spin.Patch{Error: &errMsg})

	if !q.Retry(id) {
		t.Fatal("retry should report true")
	}

	s, _ := q.Get(id)
	if s.Status != spin.StatusPending {
		t.Errorf("status = %v, want Pending", s.Status)
	}
	if s.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", s.RetryCount)
	}
	if s.Error != "" {
		t.Errorf("error = %q, want empty", s.Error)
	}
	if s.LastRetry == 0 {
		t.Error("last retry timestamp should be stamped")
	}
	if q.ReservedBalance() != 1_000 {
		t.Errorf("reserved = %d, want 1000", q.ReservedBalance())
	}
}

func TestRetry_BoundedByMaxRetries(t *testing.T) {
	q, _ := newTestQueue()
	id := admit(q, 1_000)

	for i := 0; i < 3; i++ {
		q.Update(id, spin.StatusFailed, &spin.Patch{})
		if !q.Retry(id) {
			t.Fatalf("retry %d should succeed", i+1)
		}
	}

	q.Update(id, spin.StatusFailed, &spin.Patch{})
	if q.Retry(id) {
		t.Error("retry past the budget should be a no-op")
	}

	s, _ := q.Get(id)
	if s.RetryCount != 3 {
		t.Errorf("retry count = %d, want 3", s.RetryCount)
	}
	if s.Status != spin.StatusFailed {
		t.Errorf("status = %v, want Failed", s.Status)
	}
}

func TestRetry_DoesNotDoubleReserve(t *testing.T) {
	q, _ := newTestQueue()
	id := admit(q, 1_000)
	q.Update(id, spin.StatusSubmitting, &spin.Patch{})

	// Still funds-at-risk: the reservation is live and must not grow.
	q.Retry(id)
	if q.ReservedBalance() != 1_000 {
		t.Errorf("reserved = %d, want 1000", q.ReservedBalance())
	}
}

func TestRetry_ReReservesAfterTerminal(t *testing.T) {
	q, _ := newTestQueue()
	id := admit(q, 1_000)
	q.Update(id, spin.StatusFailed, &spin.Patch{})
	if q.ReservedBalance() != 0 {
		t.Fatalf("reserved = %d, want 0", q.ReservedBalance())
	}

	q.Retry(id)
	if q.ReservedBalance() != 1_000 {
		t.Errorf("reserved after retry = %d, want 1000", q.ReservedBalance())
	}
}

// ============================================================================
// Test: ForceReleaseReservedFunds
// ============================================================================

func TestForceRelease_ReleasesAndCompletes(t *testing.T) {
	q, _ := newTestQueue()
	id := admit(q, 1_000_000)
	q.Update(id, spin.StatusSubmitting, &spin.Patch{})
	q.Update(id, spin.StatusWaiting, &spin.Patch{})

	if !q.ForceReleaseReservedFunds(id) {
		t.Fatal("force release should report true")
	}
	if q.ReservedBalance() != 0 {
		t.Errorf("reserved = %d, want 0", q.ReservedBalance())
	}

	s, _ := q.Get(id)
	if s.Status != spin.StatusCompleted {
		t.Errorf("status = %v, want Completed", s.Status)
	}
	if !s.Revealed {
		t.Error("force-released spin should be revealed")
	}
}

func TestForceRelease_IdempotentOnTerminal(t *testing.T) {
	q, _ := newTestQueue()
	id := admit(q, 1_000_000)

	q.ForceReleaseReservedFunds(id)
	if q.ForceReleaseReservedFunds(id) {
		t.Error("second force release should be a no-op")
	}
	if q.ReservedBalance() != 0 {
		t.Errorf("reserved = %d, want 0", q.ReservedBalance())
	}
}

func TestForceRelease_NeverDrivesLedgerNegative(t *testing.T) {
	q, _ := newTestQueue()
	id := admit(q, 1_000)

	// A deferred exit already dropped the counter to zero via validate;
	// the force release must clamp instead of going negative.
	q.Update(id, spin.StatusWaiting, &spin.Patch{})
	q.ValidateReservedBalance()
	if q.ReservedBalance() != 0 {
		t.Fatalf("reserved = %d, want 0", q.ReservedBalance())
	}

	q.ForceReleaseReservedFunds(id)
	if q.ReservedBalance() < 0 {
		t.Errorf("reserved = %d, must never be negative", q.ReservedBalance())
	}
}

// ============================================================================
// Test: ValidateReservedBalance
// ============================================================================

func TestValidate_NoDriftOnAtRiskSet(t *testing.T) {
	q, _ := newTestQueue()
	admit(q, 1_000)
	admit(q, 2_000)

	if drift := q.ValidateReservedBalance(); drift != 0 {
		t.Errorf("drift = %d, want 0", drift)
	}
	if q.ReservedBalance() != 3_000 {
		t.Errorf("reserved = %d, want 3000", q.ReservedBalance())
	}
}

func TestValidate_ReleasesDeferredLeftovers(t *testing.T) {
	q, _ := newTestQueue()
	id := admit(q, 1_000)
	q.Update(id, spin.StatusWaiting, &spin.Patch{})

	// The deferred exit kept 1000 reserved; a sweep recomputes from the
	// at-risk set and strips it.
	if drift := q.ValidateReservedBalance(); drift != -1_000 {
		t.Errorf("drift = %d, want -1000", drift)
	}
	if q.ReservedBalance() != 0 {
		t.Errorf("reserved = %d, want 0", q.ReservedBalance())
	}
}

// ============================================================================
// Test: ClearOldSpins / StuckSpins
// ============================================================================

func TestClearOldSpins_OnlyOldTerminal(t *testing.T) {
	q, clock := newTestQueue()

	done := admit(q, 100)
	stuck := admit(q, 100)
	q.Update(done, spin.StatusCompleted, &spin.Patch{})

	clock.Advance(time.Hour)
	fresh := admit(q, 100)
	q.Update(fresh, spin.StatusCompleted, &spin.Patch{})

	removed := q.ClearOldSpins(30 * time.Minute)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := q.Get(done); ok {
		t.Error("old terminal spin should be cleared")
	}
	if _, ok := q.Get(stuck); !ok {
		t.Error("old non-terminal spin must never be age-cleared")
	}
	if _, ok := q.Get(fresh); !ok {
		t.Error("fresh terminal spin should be kept")
	}
}

func TestStuckSpins_SurfacesOldNonTerminal(t *testing.T) {
	q, clock := newTestQueue()

	stale := admit(q, 100)
	terminal := admit(q, 100)
	q.Update(terminal, spin.StatusFailed, &spin.Patch{})

	clock.Advance(10 * time.Minute)
	admit(q, 100)

	stuck := q.StuckSpins(5 * time.Minute)
	if len(stuck) != 1 {
		t.Fatalf("stuck = %d, want 1", len(stuck))
	}
	if stuck[0].ID != stale {
		t.Errorf("stuck id = %q, want %q", stuck[0].ID, stale)
	}
}

// ============================================================================
// Test: Restore
// ============================================================================

func TestRestore_NormalizesNonTerminal(t *testing.T) {
	state := &spin.PersistedState{
		Address: "WALLETADDR",
		Spins: []spin.QueuedSpin{
			{ID: "spin_a", Timestamp: 1, Status: spin.StatusProcessing, TotalBet: 1_000},
			{ID: "spin_b", Timestamp: 2, Status: spin.StatusCompleted, TotalBet: 2_000, Revealed: true},
		},
		TotalReservedBalance: 1_000,
	}

	q := queue.Restore(state, queue.Options{})

	s, ok := q.Get("spin_a")
	if !ok {
		t.Fatal("spin_a should survive restore")
	}
	if s.Status != spin.StatusCompleted {
		t.Errorf("status = %v, want Completed", s.Status)
	}
	if !s.Revealed {
		t.Error("normalized spin should be revealed")
	}
	if q.ReservedBalance() != 0 {
		t.Errorf("reserved after restore = %d, want 0", q.ReservedBalance())
	}
}

func TestRestore_TruncatesToNewest(t *testing.T) {
	state := &spin.PersistedState{Address: "WALLETADDR"}
	for i := 0; i < 120; i++ {
		state.Spins = append(state.Spins, spin.QueuedSpin{
			ID:        spin.NewID(time.UnixMilli(int64(i))),
			Timestamp: int64(i),
			Status:    spin.StatusCompleted,
		})
	}

	q := queue.Restore(state, queue.Options{})
	if q.Len() != queue.DefaultMaxSpins {
		t.Fatalf("len = %d, want %d", q.Len(), queue.DefaultMaxSpins)
	}

	// The 20 oldest (timestamps 0..19) must be the ones dropped
	persisted := q.Persisted()
	for _, s := range persisted.Spins {
		if s.Timestamp < 20 {
			t.Errorf("spin with timestamp %d should have been truncated", s.Timestamp)
		}
	}
}

func TestRestore_EmptyState(t *testing.T) {
	q := queue.Restore(&spin.PersistedState{Address: "WALLETADDR"}, queue.Options{})
	if q.Len() != 0 {
		t.Errorf("len = %d, want 0", q.Len())
	}
	if q.ReservedBalance() != 0 {
		t.Errorf("reserved = %d, want 0", q.ReservedBalance())
	}
}

// ============================================================================
// Test: end-to-end wagering flows
// ============================================================================

func TestFlow_AdmitReservesAndReducesAvailability(t *testing.T) {
	q, _ := newTestQueue()
	admit(q, 1_000_000)

	if q.ReservedBalance() != 1_000_000 {
		t.Errorf("reserved = %d, want 1000000", q.ReservedBalance())
	}
	if got := q.AvailableBalance(5_000_000); got != 4_000_000 {
		t.Errorf("available = %d, want 4000000", got)
	}
}

func TestFlow_WinningSpinSettles(t *testing.T) {
	q, _ := newTestQueue()
	id := admit(q, 1_000_000)

	q.Update(id, spin.StatusSubmitting, &spin.Patch{})
	winnings := int64(2_000_000)
	q.Update(id, spin.StatusCompleted, &spin.Patch{Winnings: &winnings})

	if q.ReservedBalance() != 0 {
		t.Errorf("reserved = %d, want 0", q.ReservedBalance())
	}
	st := q.Stats()
	if st.TotalWinnings != 2_000_000 {
		t.Errorf("total winnings = %d, want 2000000", st.TotalWinnings)
	}
	if st.CompletedSpins != 1 {
		t.Errorf("completed = %d, want 1", st.CompletedSpins)
	}
}

func TestFlow_FailedSpinExcludedFromWagered(t *testing.T) {
	q, _ := newTestQueue()
	id := admit(q, 1_000_000)
	q.Update(id, spin.StatusFailed, &spin.Patch{})

	if q.ReservedBalance() != 0 {
		t.Errorf("reserved = %d, want 0", q.ReservedBalance())
	}
	st := q.Stats()
	if st.FailedSpins != 1 {
		t.Errorf("failed = %d, want 1", st.FailedSpins)
	}
	if st.TotalWagered != 0 {
		t.Errorf("total wagered = %d, want 0", st.TotalWagered)
	}
}

func TestFlow_CapacityOverflowEvictsExactlyOne(t *testing.T) {
	q, _ := newTestQueue()

	evictions := 0
	changes := make(chan queue.Change, 256)
	q.Subscribe(changes)

	for i := 0; i < queue.DefaultMaxSpins; i++ {
		admit(q, 1_000)
	}
	admit(q, 1_000)

	close(changes)
	for c := range changes {
		if c.Kind == queue.ChangeEvicted {
			evictions++
		}
	}

	if evictions != 1 {
		t.Errorf("evictions = %d, want 1", evictions)
	}
	want := int64(1_000 * queue.DefaultMaxSpins)
	if q.ReservedBalance() != want {
		t.Errorf("reserved = %d, want %d", q.ReservedBalance(), want)
	}
}

func TestFlow_RecoveryCompletesStuckWaitingSpin(t *testing.T) {
	q, _ := newTestQueue()
	id := admit(q, 1_000_000)
	q.Update(id, spin.StatusSubmitting, &spin.Patch{})
	q.Update(id, spin.StatusWaiting, &spin.Patch{})

	restored := queue.Restore(q.Persisted(), queue.Options{})

	s, ok := restored.Get(id)
	if !ok {
		t.Fatal("spin should survive the reload")
	}
	if s.Status != spin.StatusCompleted {
		t.Errorf("status = %v, want Completed", s.Status)
	}
	if !s.Revealed {
		t.Error("recovered spin should be revealed")
	}
	if restored.ReservedBalance() != 0 {
		t.Errorf("reserved = %d, want 0", restored.ReservedBalance())
	}
}
