package event

import "SpinLedger/internal/spin"

// SpinRequested admits a new spin into a wallet's queue.
type SpinRequested struct {
	Wallet             string
	BetPerLine         int64 // Smallest currency unit
	SelectedPaylines   int64
	TotalBet           int64
	EstimatedTotalCost int64
	ContractID         string

	// ReplyTo receives the assigned spin id; nil for fire-and-forget
	// callers. Buffered by the sender so the engine never blocks on it.
	ReplyTo chan<- string
}

func (e *SpinRequested) Address() string {
	return e.Wallet
}

func (e *SpinRequested) EventType() EventType {
	return EventTypeSpinRequested
}

// SpinStatusReported carries a lifecycle callback from the transaction
// submitter/confirmer.
type SpinStatusReported struct {
	Wallet    string
	SpinID    string
	NewStatus spin.Status
	Patch     spin.Patch
}

func (e *SpinStatusReported) Address() string {
	return e.Wallet
}

func (e *SpinStatusReported) EventType() EventType {
	return EventTypeSpinStatusReported
}

// SpinRemoveRequested deletes a spin from its queue.
type SpinRemoveRequested struct {
	Wallet string
	SpinID string
}

func (e *SpinRemoveRequested) Address() string {
	return e.Wallet
}

func (e *SpinRemoveRequested) EventType() EventType {
	return EventTypeSpinRemoveRequested
}

// SpinRetryRequested re-queues a failed spin, bounded by the retry cap.
type SpinRetryRequested struct {
	Wallet string
	SpinID string
}

func (e *SpinRetryRequested) Address() string {
	return e.Wallet
}

func (e *SpinRetryRequested) EventType() EventType {
	return EventTypeSpinRetryRequested
}
