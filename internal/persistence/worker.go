package persistence

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"SpinLedger/internal/observability"
	"SpinLedger/internal/spin"
)

// writeAttempts bounds retries per state write. Persistence is
// fire-and-forget: the in-memory queue is authoritative for the process
// lifetime, so after exhausting attempts the write is logged and
// dropped rather than stalling the engine forever. A later mutation of
// the same wallet re-writes the full state anyway.
const writeAttempts = 3

// PersistenceWorker drains the persist channel and writes queue states
// to Postgres. It runs on its own goroutine; the engine's sends are
// blocking, so if this worker falls behind, the engine stalls rather
// than dropping a state change.
type PersistenceWorker struct {
	store     *QueueStateStore
	inputChan <-chan *spin.PersistedState
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewPersistenceWorker(
	store *QueueStateStore,
	inputChan <-chan *spin.PersistedState,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		store:     store,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the worker loop. Consecutive writes for the same wallet
// are coalesced: only the newest pending state per wallet is written.
// Blocks until ctx is cancelled or the input channel closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			pw.drainAndFlush()
			return ctx.Err()

		case state, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			pending := map[string]*spin.PersistedState{state.Address: state}
			// Coalesce whatever else is already queued
			pw.drainInto(pending)
			for _, st := range pending {
				pw.write(ctx, st)
			}
		}
	}
}

func (pw *PersistenceWorker) drainInto(pending map[string]*spin.PersistedState) {
	for {
		select {
		case st, ok := <-pw.inputChan:
			if !ok {
				return
			}
			pending[st.Address] = st
		default:
			return
		}
	}
}

// drainAndFlush makes a final best-effort pass on shutdown.
func (pw *PersistenceWorker) drainAndFlush() {
	pending := make(map[string]*spin.PersistedState)
	pw.drainInto(pending)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, st := range pending {
		pw.write(ctx, st)
	}
}

func (pw *PersistenceWorker) write(ctx context.Context, state *spin.PersistedState) {
	start := time.Now()

	var err error
	for attempt := 0; attempt < writeAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
		if err = pw.store.Save(ctx, state); err == nil {
			break
		}
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("save").Inc()
		}
	}

	if err != nil {
		// Dropped — the next mutation re-persists the full state
		pw.logger.Error().Err(err).
			Str("address", state.Address).
			Int("attempts", writeAttempts).
			Msg("queue state write dropped")
		if pw.metrics != nil {
			pw.metrics.PersistDropped.Inc()
		}
		return
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistStatesWritten.Inc()
	}
}
