package ingestion

import (
	"encoding/json"
	"fmt"

	"SpinLedger/internal/event"
	"SpinLedger/internal/spin"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string)
// into a typed event.Event. The shell validates and converts here, so
// the engine only ever sees well-formed events.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "SpinStatusReported":
		return parseSpinStatusReported(raw.Data)
	case "ForceReleaseRequested":
		return parseForceReleaseRequested(raw.Data)
	case "BalanceObserved":
		return parseBalanceObserved(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Patch fields
// are pointers: absent means "leave unchanged".

type spinStatusJSON struct {
	Address   string  `json:"address"`
	SpinID    string  `json:"spin_id"`
	Status    string  `json:"status"`
	Winnings  *int64  `json:"winnings,omitempty"`
	Error     *string `json:"error,omitempty"`
	TxID      *string `json:"tx_id,omitempty"`
	ClaimTxID *string `json:"claim_tx_id,omitempty"`
	Revealed  *bool   `json:"revealed,omitempty"`
}

func parseSpinStatusReported(data []byte) (*event.SpinStatusReported, error) {
	var j spinStatusJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SpinStatusReported: %w", err)
	}
	if j.Address == "" {
		return nil, fmt.Errorf("parse SpinStatusReported: missing address")
	}
	if j.SpinID == "" {
		return nil, fmt.Errorf("parse SpinStatusReported: missing spin_id")
	}

	status, ok := spin.ParseStatus(j.Status)
	if !ok {
		return nil, fmt.Errorf("parse SpinStatusReported: unknown status %q", j.Status)
	}

	return &event.SpinStatusReported{
		Wallet:    j.Address,
		SpinID:    j.SpinID,
		NewStatus: status,
		Patch: spin.Patch{
			Winnings:  j.Winnings,
			Error:     j.Error,
			TxID:      j.TxID,
			ClaimTxID: j.ClaimTxID,
			Revealed:  j.Revealed,
		},
	}, nil
}

type forceReleaseJSON struct {
	Address string `json:"address"`
	SpinID  string `json:"spin_id"`
}

func parseForceReleaseRequested(data []byte) (*event.ForceReleaseRequested, error) {
	var j forceReleaseJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ForceReleaseRequested: %w", err)
	}
	if j.Address == "" || j.SpinID == "" {
		return nil, fmt.Errorf("parse ForceReleaseRequested: missing address or spin_id")
	}
	return &event.ForceReleaseRequested{
		Wallet: j.Address,
		SpinID: j.SpinID,
	}, nil
}

type balanceObservedJSON struct {
	Address     string `json:"address"`
	Confirmed   int64  `json:"confirmed"`
	TimestampMs int64  `json:"timestamp_ms"`
}

func parseBalanceObserved(data []byte) (*event.BalanceObserved, error) {
	var j balanceObservedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse BalanceObserved: %w", err)
	}
	if j.Address == "" {
		return nil, fmt.Errorf("parse BalanceObserved: missing address")
	}
	if j.Confirmed < 0 {
		return nil, fmt.Errorf("parse BalanceObserved: negative confirmed balance %d", j.Confirmed)
	}
	return &event.BalanceObserved{
		Wallet:    j.Address,
		Confirmed: j.Confirmed,
		Timestamp: j.TimestampMs,
	}, nil
}
