package spin

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxRetries bounds how many times a failed spin may be re-queued.
const MaxRetries = 3

// QueuedSpin is one wagering attempt. Identity, timestamps, and bet
// amounts are immutable after admission; only status, retry bookkeeping,
// and outcome fields mutate, and only through the queue's update path.
type QueuedSpin struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"` // Creation time, epoch ms
	Status    Status `json:"status"`

	// Amounts in the smallest currency unit (no floating point)
	BetPerLine       int64 `json:"bet_per_line"`
	SelectedPaylines int64 `json:"selected_paylines"`
	TotalBet         int64 `json:"total_bet"`

	// Upper-bound cost (bet + network/contract fees) for collaborators
	// that gate bets on worst-case cost. Not used for reservation sizing.
	EstimatedTotalCost int64 `json:"estimated_total_cost,omitempty"`

	ContractID string `json:"contract_id,omitempty"`

	RetryCount int64  `json:"retry_count"`
	LastRetry  int64  `json:"last_retry,omitempty"` // epoch ms
	Winnings   int64  `json:"winnings,omitempty"`   // Set only on terminal success
	Error      string `json:"error,omitempty"`      // Last failure reason; cleared on retry

	// Submission and claim transaction references, reported via patches
	TxID      string `json:"tx_id,omitempty"`
	ClaimTxID string `json:"claim_tx_id,omitempty"`

	// Revealed marks the outcome as shown to the player. Set on
	// completion and on recovery normalization.
	Revealed bool `json:"revealed"`
}

// Patch carries the mutable fields a status callback may set. Nil
// pointers leave the corresponding field untouched.
type Patch struct {
	Winnings  *int64
	Error     *string
	TxID      *string
	ClaimTxID *string
	Revealed  *bool
}

// Apply merges the patch into the spin record.
func (p *Patch) Apply(s *QueuedSpin) {
	if p == nil {
		return
	}
	if p.Winnings != nil {
		s.Winnings = *p.Winnings
	}
	if p.Error != nil {
		s.Error = *p.Error
	}
	if p.TxID != nil {
		s.TxID = *p.TxID
	}
	if p.ClaimTxID != nil {
		s.ClaimTxID = *p.ClaimTxID
	}
	if p.Revealed != nil {
		s.Revealed = *p.Revealed
	}
}

// NewID returns a time-ordered spin identifier: millisecond timestamp
// prefix for ordering, uuid suffix for uniqueness within the millisecond.
func NewID(now time.Time) string {
	return fmt.Sprintf("spin_%013d_%s", now.UnixMilli(), uuid.NewString()[:8])
}

// PersistedState is the serializable record stored per wallet queue.
// The transient processing flag is deliberately absent.
type PersistedState struct {
	Address              string       `json:"address"`
	Spins                []QueuedSpin `json:"spins"`
	TotalPendingValue    int64        `json:"total_pending_value"`
	TotalReservedBalance int64        `json:"total_reserved_balance"`
	LastUpdated          int64        `json:"last_updated"` // epoch ms
}
