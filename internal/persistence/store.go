package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"SpinLedger/internal/spin"
)

// QueueStateStore persists one serialized queue record per wallet in
// Postgres. Reads fail open: a missing or corrupt row is "no persisted
// state", never a fatal error — a broken record must not stop play.
type QueueStateStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewQueueStateStore(db *sql.DB, logger zerolog.Logger) *QueueStateStore {
	return &QueueStateStore{db: db, logger: logger}
}

// Save upserts the full persisted form for a wallet.
func (s *QueueStateStore) Save(ctx context.Context, state *spin.PersistedState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal queue state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO spin_queue.states (address, data, last_updated, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (address) DO UPDATE SET
			data = EXCLUDED.data,
			last_updated = EXCLUDED.last_updated,
			updated_at = EXCLUDED.updated_at
	`, state.Address, data, state.LastUpdated, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save queue state for %s: %w", state.Address, err)
	}
	return nil
}

// Load returns the persisted state for a wallet, or nil when none
// exists or the row cannot be decoded.
func (s *QueueStateStore) Load(ctx context.Context, address string) (*spin.PersistedState, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM spin_queue.states WHERE address = $1
	`, address).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		s.logger.Error().Err(err).Str("address", address).Msg("queue state read failed, treating as empty")
		return nil, nil
	}

	var state spin.PersistedState
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Error().Err(err).Str("address", address).Msg("queue state corrupt, treating as empty")
		return nil, nil
	}
	if state.Address == "" {
		state.Address = address
	}
	return &state, nil
}

// LoadAll returns every decodable persisted state for startup recovery.
// Corrupt rows are logged and skipped.
func (s *QueueStateStore) LoadAll(ctx context.Context) ([]*spin.PersistedState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address, data FROM spin_queue.states`)
	if err != nil {
		return nil, fmt.Errorf("load queue states: %w", err)
	}
	defer rows.Close()

	var states []*spin.PersistedState
	for rows.Next() {
		var address string
		var data []byte
		if err := rows.Scan(&address, &data); err != nil {
			return nil, err
		}

		var state spin.PersistedState
		if err := json.Unmarshal(data, &state); err != nil {
			s.logger.Error().Err(err).Str("address", address).Msg("skipping corrupt queue state")
			continue
		}
		if state.Address == "" {
			state.Address = address
		}
		states = append(states, &state)
	}
	return states, rows.Err()
}

// Delete removes a wallet's persisted record.
func (s *QueueStateStore) Delete(ctx context.Context, address string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM spin_queue.states WHERE address = $1`, address)
	return err
}
