package event

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeSpinRequested
	EventTypeSpinStatusReported
	EventTypeSpinRemoveRequested
	EventTypeSpinRetryRequested
	EventTypeForceReleaseRequested
	EventTypeBalanceObserved
	EventTypeClearOldRequested
	EventTypeValidateRequested
)

// Event is the interface all inbound command/observation payloads
// implement. Every event targets exactly one wallet's queue.
type Event interface {
	// Address returns the wallet whose queue the event applies to
	Address() string

	// EventType returns the discriminator
	EventType() EventType
}

func (et EventType) String() string {
	switch et {
	case EventTypeSpinRequested:
		return "SpinRequested"
	case EventTypeSpinStatusReported:
		return "SpinStatusReported"
	case EventTypeSpinRemoveRequested:
		return "SpinRemoveRequested"
	case EventTypeSpinRetryRequested:
		return "SpinRetryRequested"
	case EventTypeForceReleaseRequested:
		return "ForceReleaseRequested"
	case EventTypeBalanceObserved:
		return "BalanceObserved"
	case EventTypeClearOldRequested:
		return "ClearOldRequested"
	case EventTypeValidateRequested:
		return "ValidateRequested"
	default:
		return "Unknown"
	}
}
