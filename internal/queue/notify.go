package queue

// ChangeKind classifies a queue mutation for subscribers.
type ChangeKind string

const (
	ChangeAdmitted      ChangeKind = "admitted"
	ChangeUpdated       ChangeKind = "updated"
	ChangeRemoved       ChangeKind = "removed"
	ChangeRetried       ChangeKind = "retried"
	ChangeForceReleased ChangeKind = "force_released"
	ChangeEvicted       ChangeKind = "evicted"
	ChangeCleared       ChangeKind = "cleared"
)

// Change is the notification emitted after each mutation. SpinID is
// empty for bulk operations.
type Change struct {
	Address         string     `json:"address"`
	Kind            ChangeKind `json:"kind"`
	SpinID          string     `json:"spin_id,omitempty"`
	ReservedBalance int64      `json:"reserved_balance"`
	LastUpdated     int64      `json:"last_updated"`
}

// Subscribe registers a channel to receive change notifications.
// Delivery is best-effort: a full channel drops the notification rather
// than stalling the mutation path.
func (q *SpinQueue) Subscribe(ch chan<- Change) {
	q.notifiers = append(q.notifiers, ch)
}

// Unsubscribe removes a previously registered channel.
func (q *SpinQueue) Unsubscribe(ch chan<- Change) {
	for i, c := range q.notifiers {
		if c == ch {
			q.notifiers = append(q.notifiers[:i], q.notifiers[i+1:]...)
			return
		}
	}
}

func (q *SpinQueue) notify(kind ChangeKind, spinID string) {
	if len(q.notifiers) == 0 {
		return
	}
	c := Change{
		Address:         q.address,
		Kind:            kind,
		SpinID:          spinID,
		ReservedBalance: q.totalReservedBalance,
		LastUpdated:     q.lastUpdated,
	}
	for _, ch := range q.notifiers {
		select {
		case ch <- c:
		default:
		}
	}
}
