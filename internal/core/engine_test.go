package core_test

import (
	"testing"

	"SpinLedger/internal/core"
	"SpinLedger/internal/event"
	"SpinLedger/internal/queue"
	"SpinLedger/internal/spin"
)

func newTestEngine() (*core.QueueEngine, chan core.CoreOutput, chan core.CoreOutput) {
	persistChan := make(chan core.CoreOutput, 64)
	notifyChan := make(chan core.CoreOutput, 64)
	engine := core.NewQueueEngine(queue.Options{}, persistChan, notifyChan, nil)
	return engine, persistChan, notifyChan
}

func admitSpin(t *testing.T, engine *core.QueueEngine, wallet string, totalBet int64) string {
	t.Helper()
	replyTo := make(chan string, 1)
	err := engine.ProcessEvent(&event.SpinRequested{
		Wallet:           wallet,
		BetPerLine:       totalBet / 20,
		SelectedPaylines: 20,
		TotalBet:         totalBet,
		ReplyTo:          replyTo,
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	select {
	case id := <-replyTo:
		return id
	default:
		t.Fatal("engine did not reply with a spin id")
		return ""
	}
}

func drain(ch chan core.CoreOutput) []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-ch:
			out = append(out, o)
		default:
			return out
		}
	}
}

func TestEngine_AdmitEmitsPersistedState(t *testing.T) {
	engine, persistChan, notifyChan := newTestEngine()

	id := admitSpin(t, engine, "WALLET_A", 1_000_000)

	outputs := drain(persistChan)
	if len(outputs) != 1 {
		t.Fatalf("persist outputs = %d, want 1", len(outputs))
	}
	state := outputs[0].State
	if state.Address != "WALLET_A" {
		t.Errorf("address = %q, want WALLET_A", state.Address)
	}
	if len(state.Spins) != 1 || state.Spins[0].ID != id {
		t.Fatalf("persisted spins should contain the admitted spin")
	}
	if state.TotalReservedBalance != 1_000_000 {
		t.Errorf("reserved = %d, want 1000000", state.TotalReservedBalance)
	}

	notes := drain(notifyChan)
	if len(notes) != 1 || len(notes[0].Changes) != 1 || notes[0].Changes[0].Kind != queue.ChangeAdmitted {
		t.Error("notify output should carry one admitted change")
	}
}

func TestEngine_StatusCallbackUnknownWalletIsNoOp(t *testing.T) {
	engine, persistChan, _ := newTestEngine()

	err := engine.ProcessEvent(&event.SpinStatusReported{
		Wallet:    "NOBODY",
		SpinID:    "spin_x",
		NewStatus: spin.StatusCompleted,
	})
	if err != nil {
		t.Fatalf("late callback should not error: %v", err)
	}
	if outputs := drain(persistChan); len(outputs) != 0 {
		t.Errorf("no-op should persist nothing, got %d outputs", len(outputs))
	}
}

func TestEngine_StatusCallbackSettlesSpin(t *testing.T) {
	engine, persistChan, _ := newTestEngine()
	id := admitSpin(t, engine, "WALLET_A", 1_000_000)
	drain(persistChan)

	winnings := int64(2_000_000)
	err := engine.ProcessEvent(&event.SpinStatusReported{
		Wallet:    "WALLET_A",
		SpinID:    id,
		NewStatus: spin.StatusCompleted,
		Patch:     spin.Patch{Winnings: &winnings},
	})
	if err != nil {
		t.Fatalf("status callback: %v", err)
	}

	outputs := drain(persistChan)
	if len(outputs) != 1 {
		t.Fatalf("persist outputs = %d, want 1", len(outputs))
	}
	state := outputs[0].State
	if state.TotalReservedBalance != 0 {
		t.Errorf("reserved = %d, want 0", state.TotalReservedBalance)
	}
	if state.Spins[0].Winnings != 2_000_000 || !state.Spins[0].Revealed {
		t.Error("settled spin should carry winnings and be revealed")
	}
}

func TestEngine_RemoveAndRetry(t *testing.T) {
	engine, persistChan, _ := newTestEngine()
	id := admitSpin(t, engine, "WALLET_A", 1_000)
	engine.ProcessEvent(&event.SpinStatusReported{Wallet: "WALLET_A", SpinID: id, NewStatus: spin.StatusFailed})
	drain(persistChan)

	if err := engine.ProcessEvent(&event.SpinRetryRequested{Wallet: "WALLET_A", SpinID: id}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	outputs := drain(persistChan)
	if len(outputs) != 1 {
		t.Fatalf("retry should persist once, got %d", len(outputs))
	}
	if outputs[0].State.Spins[0].Status != spin.StatusPending {
		t.Errorf("status = %v, want Pending", outputs[0].State.Spins[0].Status)
	}

	if err := engine.ProcessEvent(&event.SpinRemoveRequested{Wallet: "WALLET_A", SpinID: id}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	outputs = drain(persistChan)
	if len(outputs) != 1 || len(outputs[0].State.Spins) != 0 {
		t.Error("remove should persist an empty queue")
	}
	if outputs[0].State.TotalReservedBalance != 0 {
		t.Errorf("reserved = %d, want 0", outputs[0].State.TotalReservedBalance)
	}
}

func TestEngine_ForceRelease(t *testing.T) {
	engine, persistChan, _ := newTestEngine()
	id := admitSpin(t, engine, "WALLET_A", 1_000_000)
	engine.ProcessEvent(&event.SpinStatusReported{Wallet: "WALLET_A", SpinID: id, NewStatus: spin.StatusWaiting})
	drain(persistChan)

	if err := engine.ProcessEvent(&event.ForceReleaseRequested{Wallet: "WALLET_A", SpinID: id}); err != nil {
		t.Fatalf("force release: %v", err)
	}
	outputs := drain(persistChan)
	if len(outputs) != 1 {
		t.Fatalf("persist outputs = %d, want 1", len(outputs))
	}
	if outputs[0].State.TotalReservedBalance != 0 {
		t.Errorf("reserved = %d, want 0", outputs[0].State.TotalReservedBalance)
	}

	// Second release is idempotent: nothing persisted
	engine.ProcessEvent(&event.ForceReleaseRequested{Wallet: "WALLET_A", SpinID: id})
	if outputs := drain(persistChan); len(outputs) != 0 {
		t.Errorf("idempotent release should persist nothing, got %d", len(outputs))
	}
}

func TestEngine_BalanceObserved(t *testing.T) {
	engine, persistChan, _ := newTestEngine()

	if err := engine.ProcessEvent(&event.BalanceObserved{Wallet: "WALLET_A", Confirmed: 5_000_000}); err != nil {
		t.Fatalf("balance observed: %v", err)
	}
	if outputs := drain(persistChan); len(outputs) != 0 {
		t.Error("balance observations should not persist queue state")
	}

	bal, ok := engine.ConfirmedBalance("WALLET_A")
	if !ok || bal != 5_000_000 {
		t.Errorf("confirmed = %d (ok=%v), want 5000000", bal, ok)
	}
	if _, ok := engine.ConfirmedBalance("NOBODY"); ok {
		t.Error("unobserved wallet should report ok=false")
	}
}

func TestEngine_ValidateSweepEmitsOnlyDriftedQueues(t *testing.T) {
	engine, persistChan, _ := newTestEngine()

	// WALLET_A ends consistent; WALLET_B carries a deferred leftover
	admitSpin(t, engine, "WALLET_A", 1_000)
	idB := admitSpin(t, engine, "WALLET_B", 2_000)
	engine.ProcessEvent(&event.SpinStatusReported{Wallet: "WALLET_B", SpinID: idB, NewStatus: spin.StatusWaiting})
	drain(persistChan)

	if err := engine.ProcessEvent(&event.ValidateRequested{}); err != nil {
		t.Fatalf("validate sweep: %v", err)
	}

	outputs := drain(persistChan)
	if len(outputs) != 1 {
		t.Fatalf("persist outputs = %d, want 1 (only the drifted queue)", len(outputs))
	}
	if outputs[0].State.Address != "WALLET_B" {
		t.Errorf("drifted wallet = %q, want WALLET_B", outputs[0].State.Address)
	}
	if outputs[0].State.TotalReservedBalance != 0 {
		t.Errorf("reserved = %d, want 0", outputs[0].State.TotalReservedBalance)
	}
}

func TestEngine_RestoreQueueNormalizes(t *testing.T) {
	engine, persistChan, _ := newTestEngine()

	engine.RestoreQueue(&spin.PersistedState{
		Address: "WALLET_A",
		Spins: []spin.QueuedSpin{
			{ID: "spin_a", Timestamp: 1, Status: spin.StatusProcessing, TotalBet: 1_000},
		},
		TotalReservedBalance: 1_000,
	})

	if engine.QueueCount() != 1 {
		t.Fatalf("queue count = %d, want 1", engine.QueueCount())
	}

	// The restored queue is wired into the engine: a late terminal
	// callback for the normalized spin is an idempotent no-op.
	engine.ProcessEvent(&event.SpinStatusReported{
		Wallet: "WALLET_A", SpinID: "spin_a", NewStatus: spin.StatusCompleted,
	})
	outputs := drain(persistChan)
	if len(outputs) != 1 {
		t.Fatalf("persist outputs = %d, want 1", len(outputs))
	}
	if outputs[0].State.TotalReservedBalance != 0 {
		t.Errorf("reserved = %d, want 0", outputs[0].State.TotalReservedBalance)
	}
}

func TestEngine_UnknownEventType(t *testing.T) {
	engine, _, _ := newTestEngine()
	if err := engine.ProcessEvent(badEvent{}); err == nil {
		t.Error("unknown event types should be rejected")
	}
}

type badEvent struct{}

func (badEvent) Address() string            { return "x" }
func (badEvent) EventType() event.EventType { return event.EventType(99) }
