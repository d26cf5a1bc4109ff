package query

import (
	"SpinLedger/internal/queue"
	"SpinLedger/internal/spin"
)

// QueueStateResponse is the full persisted queue for API queries.
type QueueStateResponse struct {
	Address              string            `json:"address"`
	Spins                []spin.QueuedSpin `json:"spins"`
	TotalPendingValue    int64             `json:"total_pending_value"`
	TotalReservedBalance int64             `json:"total_reserved_balance"`
	LastUpdated          int64             `json:"last_updated"`
}

// SpinsResponse is a filtered spin list for API queries.
type SpinsResponse struct {
	Address     string            `json:"address"`
	Spins       []spin.QueuedSpin `json:"spins"`
	Count       int               `json:"count"`
	LastUpdated int64             `json:"last_updated"`
}

// StatsResponse wraps the aggregate wallet stats.
type StatsResponse struct {
	Address     string      `json:"address"`
	Stats       queue.Stats `json:"stats"`
	LastUpdated int64       `json:"last_updated"`
}

// AvailabilityResponse is the availability calculation result.
type AvailabilityResponse struct {
	Address          string `json:"address"`
	ConfirmedBalance int64  `json:"confirmed_balance"`
	ReservedBalance  int64  `json:"reserved_balance"`
	AvailableBalance int64  `json:"available_balance"`
	LastUpdated      int64  `json:"last_updated"`
}
