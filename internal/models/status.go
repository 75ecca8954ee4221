package models

// DeliveryStatus tracks a message from the sender's optimistic copy to the
// receiver's read receipt.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

func (s DeliveryStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

// Valid reports whether s is a known status.
func (s DeliveryStatus) Valid() bool {
	return s == StatusFailed || s.rank() >= 0
}

// Persisted reports whether s is a status a stored message can carry.
func (s DeliveryStatus) Persisted() bool {
	return s == StatusSent || s == StatusDelivered || s == StatusRead
}

// CanTransition encodes pending -> sent -> delivered -> read, with failed
// reachable only from pending. Statuses never move backwards; skipping
// forward (sent -> read) is allowed.
func (s DeliveryStatus) CanTransition(to DeliveryStatus) bool {
	if to == StatusFailed {
		return s == StatusPending
	}
	if s == StatusFailed {
		// a failed send is retried by going back to pending
		return to == StatusPending
	}
	if s.rank() < 0 || to.rank() < 0 {
		return false
	}
	return to.rank() > s.rank()
}

// Max returns whichever of s and other is further along the receipt chain.
// Used when merging copies of the same message so receipts never regress.
func (s DeliveryStatus) Max(other DeliveryStatus) DeliveryStatus {
	if other.rank() > s.rank() {
		return other
	}
	return s
}
