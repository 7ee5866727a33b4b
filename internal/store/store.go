package store

import (
	"context"
	"encoding/json"
	"time"

	"qrmenu/call-service/internal/models"
)

type CreateCallInput struct {
	TableID   string
	QRCode    string
	Message   string
	Priority  string
	CreatedAt time.Time
}

type UpdateStatusInput struct {
	RestaurantID string
	CallID       string
	Status       string
	OccurredAt   time.Time
}

// CallStats summarises call volume for a restaurant's dashboard.
type CallStats struct {
	Pending      int `json:"pending"`
	Acknowledged int `json:"acknowledged"`
	Completed    int `json:"completed"`
	Cancelled    int `json:"cancelled"`
	Today        int `json:"today"`
}

type OutboxEvent struct {
	EventID      string          `json:"event_id"`
	RestaurantID string          `json:"restaurant_id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
}

// CallStore owns the waiter-call lifecycle: admission invariants on
// creation, and the status state machine afterwards.
type CallStore interface {
	CreateCall(ctx context.Context, input CreateCallInput) (models.WaiterCall, error)
	GetCall(ctx context.Context, restaurantID, callID string) (models.WaiterCall, error)
	ListPendingCalls(ctx context.Context, restaurantID string) ([]models.WaiterCall, error)
	ListCallHistory(ctx context.Context, restaurantID string, limit int) ([]models.WaiterCall, error)
	UpdateCallStatus(ctx context.Context, input UpdateStatusInput) (models.WaiterCall, error)
	CallStats(ctx context.Context, restaurantID string) (CallStats, error)
	ListTables(ctx context.Context, restaurantID string) ([]models.Table, error)
	GetTable(ctx context.Context, restaurantID, tableID string) (models.Table, error)
	ListOutboxEvents(ctx context.Context, restaurantID string, after time.Time, limit int) ([]OutboxEvent, error)
}
