package core

import (
	"SpinLedger/internal/event"
	"SpinLedger/internal/observability"
	"SpinLedger/internal/queue"
	"SpinLedger/internal/spin"
	"fmt"
	"time"
)

// changeBuffer sizes the internal channel that collects per-mutation
// notifications from the queues. One event touches at most two spins
// (eviction + admission), so this never fills in practice.
const changeBuffer = 16

// QueueEngine is the single-threaded event processor. It owns every
// wallet's SpinQueue; all mutation flows through ProcessEvent on one
// goroutine, so the queues themselves need no locking.
type QueueEngine struct {
	queues    map[string]*queue.SpinQueue
	balances  map[string]int64 // Last confirmed balance observation per wallet
	queueOpts queue.Options
	metrics   *observability.Metrics

	changes chan queue.Change

	persistChan chan<- CoreOutput
	notifyChan  chan<- CoreOutput
}

// CoreOutput is what the engine emits after each applied event: the full
// persisted form of the mutated queue plus the change notifications that
// produced it.
type CoreOutput struct {
	State   *spin.PersistedState
	Changes []queue.Change
}

func NewQueueEngine(
	queueOpts queue.Options,
	persistChan, notifyChan chan<- CoreOutput,
	metrics *observability.Metrics,
) *QueueEngine {
	return &QueueEngine{
		queues:      make(map[string]*queue.SpinQueue),
		balances:    make(map[string]int64),
		queueOpts:   queueOpts,
		metrics:     metrics,
		changes:     make(chan queue.Change, changeBuffer),
		persistChan: persistChan,
		notifyChan:  notifyChan,
	}
}

// ProcessEvent is the main processing pipeline: dispatch the event to
// its queue, collect the resulting change notifications, then emit the
// mutated state. Persistence uses a BLOCKING send (no mutation may be
// lost); notifications use a NON-BLOCKING send with drop (subscribers
// are advisory and can re-read state).
func (e *QueueEngine) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()

	mutated, err := e.dispatchEvent(evt)
	if err != nil {
		if e.metrics != nil {
			e.metrics.CoreEventsRejected.WithLabelValues(eventType, "dispatch").Inc()
		}
		return fmt.Errorf("dispatch failed: %w", err)
	}

	changes := e.drainChanges()

	if e.metrics != nil {
		for _, c := range changes {
			if c.Kind == queue.ChangeEvicted {
				e.metrics.SpinsEvicted.Inc()
			}
		}
	}

	for _, q := range mutated {
		output := CoreOutput{
			State:   q.Persisted(),
			Changes: filterChanges(changes, q.Address()),
		}

		// Blocking: the engine stalls until the persistence worker
		// drains, guaranteeing no state change is dropped.
		e.persistChan <- output

		select {
		case e.notifyChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.NotificationsDropped.Inc()
			}
		}
	}

	if e.metrics != nil {
		e.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		e.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		e.metrics.ReservedBalance.Set(float64(e.totalReserved()))
		e.metrics.QueueCount.Set(float64(len(e.queues)))
	}

	return nil
}

func (e *QueueEngine) dispatchEvent(evt event.Event) ([]*queue.SpinQueue, error) {
	switch ev := evt.(type) {
	case *event.SpinRequested:
		return e.handleSpinRequested(ev), nil
	case *event.SpinStatusReported:
		return e.handleStatusReported(ev), nil
	case *event.SpinRemoveRequested:
		q := e.getQueue(ev.Wallet)
		if q == nil || !q.Remove(ev.SpinID) {
			return nil, nil
		}
		return []*queue.SpinQueue{q}, nil
	case *event.SpinRetryRequested:
		q := e.getQueue(ev.Wallet)
		if q == nil || !q.Retry(ev.SpinID) {
			return nil, nil
		}
		if e.metrics != nil {
			e.metrics.SpinsRetried.Inc()
		}
		return []*queue.SpinQueue{q}, nil
	case *event.ForceReleaseRequested:
		q := e.getQueue(ev.Wallet)
		if q == nil || !q.ForceReleaseReservedFunds(ev.SpinID) {
			return nil, nil
		}
		if e.metrics != nil {
			e.metrics.ForceReleases.Inc()
		}
		return []*queue.SpinQueue{q}, nil
	case *event.BalanceObserved:
		e.balances[ev.Wallet] = ev.Confirmed
		return nil, nil
	case *event.ClearOldRequested:
		q := e.getQueue(ev.Wallet)
		if q == nil || q.ClearOldSpins(time.Duration(ev.MaxAgeMs)*time.Millisecond) == 0 {
			return nil, nil
		}
		return []*queue.SpinQueue{q}, nil
	case *event.ValidateRequested:
		return e.handleValidate(ev), nil
	default:
		return nil, fmt.Errorf("unknown event type: %T", evt)
	}
}

func (e *QueueEngine) handleSpinRequested(ev *event.SpinRequested) []*queue.SpinQueue {
	q := e.getOrCreateQueue(ev.Wallet)
	spinID := q.Admit(queue.AdmitParams{
		BetPerLine:         ev.BetPerLine,
		SelectedPaylines:   ev.SelectedPaylines,
		TotalBet:           ev.TotalBet,
		EstimatedTotalCost: ev.EstimatedTotalCost,
		ContractID:         ev.ContractID,
	})
	if ev.ReplyTo != nil {
		select {
		case ev.ReplyTo <- spinID:
		default:
		}
	}
	if e.metrics != nil {
		e.metrics.SpinsAdmitted.Inc()
	}
	return []*queue.SpinQueue{q}
}

func (e *QueueEngine) handleStatusReported(ev *event.SpinStatusReported) []*queue.SpinQueue {
	q := e.getQueue(ev.Wallet)
	if q == nil {
		// Unknown wallet — late callback for an evicted queue, not an error
		return nil
	}
	if !q.Update(ev.SpinID, ev.NewStatus, &ev.Patch) {
		return nil
	}
	return []*queue.SpinQueue{q}
}

// handleValidate sweeps the reservation ledger. An empty wallet means
// every queue; only queues whose counter actually drifted are emitted.
func (e *QueueEngine) handleValidate(ev *event.ValidateRequested) []*queue.SpinQueue {
	var targets []*queue.SpinQueue
	if ev.Wallet == "" {
		for _, q := range e.queues {
			targets = append(targets, q)
		}
	} else if q := e.getQueue(ev.Wallet); q != nil {
		targets = append(targets, q)
	}

	var mutated []*queue.SpinQueue
	for _, q := range targets {
		if drift := q.ValidateReservedBalance(); drift != 0 {
			if e.metrics != nil {
				e.metrics.DriftCorrections.Inc()
			}
			mutated = append(mutated, q)
		}
	}
	return mutated
}

// RestoreQueue rebuilds one wallet's queue from persisted state at
// startup, applying the load-time normalization. Must run before the
// event loop starts.
func (e *QueueEngine) RestoreQueue(state *spin.PersistedState) {
	q := queue.Restore(state, e.queueOpts)
	q.Subscribe(e.changes)
	e.queues[state.Address] = q
}

// ConfirmedBalance returns the last observed confirmed balance for a
// wallet and whether one has been observed.
func (e *QueueEngine) ConfirmedBalance(address string) (int64, bool) {
	bal, ok := e.balances[address]
	return bal, ok
}

// StuckSpins reports non-terminal spins older than the threshold across
// all queues, keyed by wallet, for the external watchdog.
func (e *QueueEngine) StuckSpins(threshold time.Duration) map[string][]spin.QueuedSpin {
	out := make(map[string][]spin.QueuedSpin)
	for addr, q := range e.queues {
		if stuck := q.StuckSpins(threshold); len(stuck) > 0 {
			out[addr] = stuck
		}
	}
	return out
}

// QueueCount returns the number of wallet queues currently held.
func (e *QueueEngine) QueueCount() int {
	return len(e.queues)
}

func (e *QueueEngine) getQueue(address string) *queue.SpinQueue {
	return e.queues[address]
}

func (e *QueueEngine) getOrCreateQueue(address string) *queue.SpinQueue {
	if q, ok := e.queues[address]; ok {
		return q
	}
	q := queue.New(address, e.queueOpts)
	q.Subscribe(e.changes)
	e.queues[address] = q
	return q
}

func (e *QueueEngine) drainChanges() []queue.Change {
	var out []queue.Change
	for {
		select {
		case c := <-e.changes:
			out = append(out, c)
		default:
			return out
		}
	}
}

func (e *QueueEngine) totalReserved() int64 {
	var total int64
	for _, q := range e.queues {
		total += q.ReservedBalance()
	}
	return total
}

func filterChanges(changes []queue.Change, address string) []queue.Change {
	var out []queue.Change
	for _, c := range changes {
		if c.Address == address {
			out = append(out, c)
		}
	}
	return out
}
