package spin

// Status tracks a spin's progress from admission to settlement
type Status int32

const (
	StatusPending Status = iota
	StatusSubmitting
	StatusWaiting
	StatusProcessing
	StatusReadyToClaim
	StatusCompleted
	StatusFailed
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusSubmitting:
		return "Submitting"
	case StatusWaiting:
		return "Waiting"
	case StatusProcessing:
		return "Processing"
	case StatusReadyToClaim:
		return "ReadyToClaim"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	case StatusExpired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// FundsAtRisk reports whether the spin's bet is counted against the
// wallet's available balance via the reservation ledger. Only PENDING and
// SUBMITTING are at risk: past submission the debit may already exist
// on-chain, and release is deferred to balance reconciliation.
func (s Status) FundsAtRisk() bool {
	return s == StatusPending || s == StatusSubmitting
}

// Terminal reports whether no further automatic transition occurs.
// A terminal spin's reservation has already been released; only an
// explicit retry re-enters the lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// ParseStatus maps the wire name of a status back to its value.
// Unknown names report ok=false so callers can drop malformed callbacks.
func ParseStatus(name string) (Status, bool) {
	switch name {
	case "Pending", "pending":
		return StatusPending, true
	case "Submitting", "submitting":
		return StatusSubmitting, true
	case "Waiting", "waiting":
		return StatusWaiting, true
	case "Processing", "processing":
		return StatusProcessing, true
	case "ReadyToClaim", "ready_to_claim":
		return StatusReadyToClaim, true
	case "Completed", "completed":
		return StatusCompleted, true
	case "Failed", "failed":
		return StatusFailed, true
	case "Expired", "expired":
		return StatusExpired, true
	default:
		return StatusPending, false
	}
}
