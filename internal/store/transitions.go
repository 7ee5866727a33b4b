package store

import "qrmenu/call-service/internal/models"

// Allowed source statuses for each target status. Calls only move
// forward: pending → acknowledged → completed, with cancelled reachable
// while the call is still active. Completed and cancelled are terminal.
var transitionMap = map[string][]string{
	models.StatusAcknowledged: {models.StatusPending},
	models.StatusCompleted:    {models.StatusPending, models.StatusAcknowledged},
	models.StatusCancelled:    {models.StatusPending, models.StatusAcknowledged},
}

// ValidTransition reports whether a call may move from fromStatus to
// toStatus. Re-applying the current status is allowed and treated as an
// idempotent no-op by the store.
func ValidTransition(fromStatus, toStatus string) bool {
	if fromStatus == toStatus {
		return models.ValidStatus(toStatus)
	}
	allowed, ok := transitionMap[toStatus]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}
