package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"SpinLedger/internal/observability"
	"SpinLedger/internal/queue"
)

// ProjectionOutput mirrors the data needed by the stats projection.
// The orchestrator bridges between core.CoreOutput and this.
type ProjectionOutput struct {
	Address     string
	Stats       queue.Stats
	LastUpdated int64
}

// ProjectionWorker maintains the per-wallet stats table from engine
// outputs. Its input channel is non-blocking with drop on the sending
// side: the projection is a derived view and can always be rebuilt
// from spin_queue.states.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan ProjectionOutput,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				// Continue — the projection is eventually consistent
				// and rebuildable from the state table
				pw.logger.Warn().Err(err).Str("address", output.Address).Msg("projection update failed")
				continue
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues("wallet_stats").Observe(time.Since(start).Seconds())
			}
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	st := output.Stats
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO spin_queue.wallet_stats
			(address, total_spins, pending_spins, completed_spins, failed_spins,
			 total_wagered, total_winnings, net_profit, reserved_balance, last_updated, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (address) DO UPDATE SET
			total_spins = $2, pending_spins = $3, completed_spins = $4, failed_spins = $5,
			total_wagered = $6, total_winnings = $7, net_profit = $8, reserved_balance = $9,
			last_updated = $10, updated_at = NOW()
	`, output.Address, st.TotalSpins, st.PendingSpins, st.CompletedSpins, st.FailedSpins,
		st.TotalWagered, st.TotalWinnings, st.NetProfit, st.ReservedBalance, output.LastUpdated,
	); err != nil {
		return fmt.Errorf("wallet stats upsert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO spin_queue.projection_watermarks (projection, last_updated, updated_at)
		VALUES ('wallet_stats', $1, NOW())
		ON CONFLICT (projection) DO UPDATE SET last_updated = $1, updated_at = NOW()
	`, output.LastUpdated); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// RebuildProjections rebuilds the stats table from the persisted queue
// states. Amounts are recomputed by the caller from decoded states, so
// this only clears; the steady-state worker repopulates on next write.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	statements := []string{
		`TRUNCATE spin_queue.wallet_stats`,
		`DELETE FROM spin_queue.projection_watermarks WHERE projection = 'wallet_stats'`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}
	logger.Info().Msg("projection rebuild: wallet_stats cleared")
	return nil
}
