package event

// ForceReleaseRequested is the balance reconciler's signal that a
// reservation is no longer at risk and must be released.
type ForceReleaseRequested struct {
	Wallet string
	SpinID string
}

func (e *ForceReleaseRequested) Address() string {
	return e.Wallet
}

func (e *ForceReleaseRequested) EventType() EventType {
	return EventTypeForceReleaseRequested
}

// BalanceObserved carries a confirmed wallet balance observation. The
// engine records it so availability queries reflect the freshest value.
type BalanceObserved struct {
	Wallet    string
	Confirmed int64 // Smallest currency unit
	Timestamp int64 // Observation time, epoch ms
}

func (e *BalanceObserved) Address() string {
	return e.Wallet
}

func (e *BalanceObserved) EventType() EventType {
	return EventTypeBalanceObserved
}

// ClearOldRequested prunes terminal spins older than MaxAgeMs.
type ClearOldRequested struct {
	Wallet   string
	MaxAgeMs int64
}

func (e *ClearOldRequested) Address() string {
	return e.Wallet
}

func (e *ClearOldRequested) EventType() EventType {
	return EventTypeClearOldRequested
}

// ValidateRequested triggers a reservation-ledger recomputation. An
// empty wallet sweeps every queue.
type ValidateRequested struct {
	Wallet string
}

func (e *ValidateRequested) Address() string {
	return e.Wallet
}

func (e *ValidateRequested) EventType() EventType {
	return EventTypeValidateRequested
}
