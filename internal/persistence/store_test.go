package persistence_test

import (
	"context"
	"testing"

	"SpinLedger/internal/observability"
	"SpinLedger/internal/persistence"
	"SpinLedger/internal/spin"
	"SpinLedger/internal/testutil"
)

func setupStore(t *testing.T) (*persistence.QueueStateStore, func()) {
	t.Helper()
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)
	migrator := persistence.NewMigrator(db, "../../migrations", observability.NewLogger("test"))
	if err := migrator.Up(context.Background()); err != nil {
		cleanup()
		t.Fatalf("migrate: %v", err)
	}
	return persistence.NewQueueStateStore(db, observability.NewLogger("test")), cleanup
}

func TestQueueStateStore_SaveAndLoad(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	state := &spin.PersistedState{
		Address: "WALLET_STORE_A",
		Spins: []spin.QueuedSpin{
			{ID: "spin_1", Timestamp: 100, Status: spin.StatusPending, TotalBet: 1_000},
		},
		TotalPendingValue:    1_000,
		TotalReservedBalance: 1_000,
		LastUpdated:          100,
	}
	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Load(ctx, "WALLET_STORE_A")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil {
		t.Fatal("load returned nil for a saved state")
	}
	if got.TotalReservedBalance != 1_000 || len(got.Spins) != 1 {
		t.Errorf("loaded state mismatch: reserved=%d spins=%d", got.TotalReservedBalance, len(got.Spins))
	}

	// Upsert overwrites
	state.TotalReservedBalance = 0
	state.LastUpdated = 200
	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("second save: %v", err)
	}
	got, _ = store.Load(ctx, "WALLET_STORE_A")
	if got.TotalReservedBalance != 0 || got.LastUpdated != 200 {
		t.Errorf("upsert did not overwrite: reserved=%d last=%d", got.TotalReservedBalance, got.LastUpdated)
	}
}

func TestQueueStateStore_LoadMissingFailsOpen(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	got, err := store.Load(context.Background(), "WALLET_NEVER_SAVED")
	if err != nil {
		t.Fatalf("missing row should not error: %v", err)
	}
	if got != nil {
		t.Error("missing row should load as nil state")
	}
}

func TestQueueStateStore_LoadAllAndDelete(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	for _, addr := range []string{"WALLET_ALL_A", "WALLET_ALL_B"} {
		if err := store.Save(ctx, &spin.PersistedState{Address: addr}); err != nil {
			t.Fatalf("save %s: %v", addr, err)
		}
	}

	states, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(states) != 2 {
		t.Errorf("states = %d, want 2", len(states))
	}

	if err := store.Delete(ctx, "WALLET_ALL_A"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	states, _ = store.LoadAll(ctx)
	if len(states) != 1 || states[0].Address != "WALLET_ALL_B" {
		t.Error("delete should remove exactly the targeted wallet")
	}
}
