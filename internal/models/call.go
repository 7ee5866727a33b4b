package models

import "time"

type WaiterCall struct {
	CallID         string     `json:"call_id"`
	TableID        string     `json:"table_id"`
	RestaurantID   string     `json:"restaurant_id,omitempty"`
	TableNumber    int        `json:"table_number,omitempty"`
	Message        string     `json:"message"`
	Priority       string     `json:"priority"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

const (
	StatusPending      = "pending"
	StatusAcknowledged = "acknowledged"
	StatusCompleted    = "completed"
	StatusCancelled    = "cancelled"
)

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// DefaultMessage is stored when a call arrives without a message.
const DefaultMessage = "Garson çağrısı"

// MaxMessageLen bounds the call message, counted in characters.
const MaxMessageLen = 500

func ValidStatus(status string) bool {
	switch status {
	case StatusPending, StatusAcknowledged, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// NormalizePriority coerces unknown priority values to medium rather
// than rejecting the call.
func NormalizePriority(priority string) string {
	switch priority {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return priority
	default:
		return PriorityMedium
	}
}

// PriorityRank orders priorities for display, highest first.
func PriorityRank(priority string) int {
	switch priority {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}
