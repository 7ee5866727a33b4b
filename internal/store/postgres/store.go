package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"qrmenu/call-service/internal/models"
	"qrmenu/call-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const callColumns = `
	wc.call_id, wc.table_id, wc.message, wc.priority, wc.status,
	wc.created_at, wc.acknowledged_at, wc.completed_at,
	t.restaurant_id, t.table_number
`

type Store struct {
	pool            *pgxpool.Pool
	duplicateWindow time.Duration
	historyLimit    int
}

type Options struct {
	DuplicateWindow time.Duration
	HistoryLimit    int
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	window := options.DuplicateWindow
	if window <= 0 {
		window = 5 * time.Minute
	}
	limit := options.HistoryLimit
	if limit <= 0 {
		limit = 50
	}
	return &Store{
		pool:            pool,
		duplicateWindow: window,
		historyLimit:    limit,
	}
}

func (s *Store) CreateCall(ctx context.Context, input store.CreateCallInput) (models.WaiterCall, error) {
	message := strings.TrimSpace(input.Message)
	if message == "" {
		message = models.DefaultMessage
	}
	if utf8.RuneCountInString(message) > models.MaxMessageLen {
		return models.WaiterCall{}, store.ErrMessageTooLong
	}
	priority := models.NormalizePriority(strings.TrimSpace(input.Priority))

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.WaiterCall{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	table, err := resolveTable(ctx, tx, input.TableID, input.QRCode)
	if err != nil {
		return models.WaiterCall{}, err
	}

	// Serialize creators for the same table so the duplicate check and
	// the insert form one unit under concurrent requests.
	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, table.TableID); err != nil {
		return models.WaiterCall{}, err
	}

	var duplicate bool
	row := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM waiter_calls
			WHERE table_id = $1
				AND status IN ('pending', 'acknowledged')
				AND created_at > $2
		)
	`, table.TableID, createdAt.Add(-s.duplicateWindow))
	if err = row.Scan(&duplicate); err != nil {
		return models.WaiterCall{}, err
	}
	if duplicate {
		err = store.ErrDuplicateCall
		return models.WaiterCall{}, err
	}

	call := models.WaiterCall{
		CallID:       uuid.NewString(),
		TableID:      table.TableID,
		RestaurantID: table.RestaurantID,
		TableNumber:  table.TableNumber,
		Message:      message,
		Priority:     priority,
		Status:       models.StatusPending,
		CreatedAt:    createdAt,
	}
	if _, err = tx.Exec(ctx, `
		INSERT INTO waiter_calls (call_id, table_id, message, priority, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, call.CallID, call.TableID, call.Message, call.Priority, call.Status, call.CreatedAt); err != nil {
		return models.WaiterCall{}, err
	}

	if err = insertOutboxEvent(ctx, tx, table.RestaurantID, "call.created", call); err != nil {
		return models.WaiterCall{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.WaiterCall{}, err
	}
	return call, nil
}

func (s *Store) GetCall(ctx context.Context, restaurantID, callID string) (models.WaiterCall, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+callColumns+`
		FROM waiter_calls wc
		JOIN tables t ON t.table_id = wc.table_id
		WHERE wc.call_id = $1 AND t.restaurant_id = $2
	`, callID, restaurantID)
	call, err := scanCall(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.WaiterCall{}, store.ErrCallNotFound
		}
		return models.WaiterCall{}, err
	}
	return call, nil
}

func (s *Store) ListPendingCalls(ctx context.Context, restaurantID string) ([]models.WaiterCall, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+callColumns+`
		FROM waiter_calls wc
		JOIN tables t ON t.table_id = wc.table_id
		WHERE t.restaurant_id = $1 AND wc.status = 'pending'
		ORDER BY
			CASE wc.priority WHEN 'high' THEN 3 WHEN 'medium' THEN 2 ELSE 1 END DESC,
			wc.created_at ASC
	`, restaurantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCalls(rows)
}

func (s *Store) ListCallHistory(ctx context.Context, restaurantID string, limit int) ([]models.WaiterCall, error) {
	if limit <= 0 {
		limit = s.historyLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+callColumns+`
		FROM waiter_calls wc
		JOIN tables t ON t.table_id = wc.table_id
		WHERE t.restaurant_id = $1
		ORDER BY wc.created_at DESC
		LIMIT $2
	`, restaurantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCalls(rows)
}

func (s *Store) UpdateCallStatus(ctx context.Context, input store.UpdateStatusInput) (models.WaiterCall, error) {
	if !models.ValidStatus(input.Status) {
		return models.WaiterCall{}, store.ErrInvalidStatus
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.WaiterCall{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	query := `
		SELECT ` + callColumns + `
		FROM waiter_calls wc
		JOIN tables t ON t.table_id = wc.table_id
		WHERE wc.call_id = $1
	`
	args := []interface{}{input.CallID}
	if input.RestaurantID != "" {
		query += " AND t.restaurant_id = $2"
		args = append(args, input.RestaurantID)
	}
	query += " FOR UPDATE OF wc"

	current, err := scanCall(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrCallNotFound
		}
		return models.WaiterCall{}, err
	}

	if !store.ValidTransition(current.Status, input.Status) {
		err = store.ErrInvalidTransition
		return models.WaiterCall{}, err
	}
	if current.Status == input.Status {
		// Idempotent re-application; timestamps stay as they are.
		if err = tx.Commit(ctx); err != nil {
			return models.WaiterCall{}, err
		}
		return current, nil
	}

	// acknowledged_at and completed_at are stamped once and never reset.
	row := tx.QueryRow(ctx, `
		UPDATE waiter_calls wc
		SET status = $2,
			acknowledged_at = CASE WHEN $2 = 'acknowledged' THEN COALESCE(wc.acknowledged_at, $3) ELSE wc.acknowledged_at END,
			completed_at = CASE WHEN $2 = 'completed' THEN COALESCE(wc.completed_at, $3) ELSE wc.completed_at END
		FROM tables t
		WHERE wc.call_id = $1 AND t.table_id = wc.table_id
		RETURNING `+callColumns+`
	`, input.CallID, input.Status, occurredAt)
	call, err := scanCall(row)
	if err != nil {
		return models.WaiterCall{}, err
	}

	if err = insertOutboxEvent(ctx, tx, call.RestaurantID, "call."+input.Status, call); err != nil {
		return models.WaiterCall{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.WaiterCall{}, err
	}
	return call, nil
}

func (s *Store) CallStats(ctx context.Context, restaurantID string) (store.CallStats, error) {
	var stats store.CallStats
	row := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE wc.status = 'pending'),
			COUNT(*) FILTER (WHERE wc.status = 'acknowledged'),
			COUNT(*) FILTER (WHERE wc.status = 'completed'),
			COUNT(*) FILTER (WHERE wc.status = 'cancelled'),
			COUNT(*) FILTER (WHERE wc.created_at >= date_trunc('day', now()))
		FROM waiter_calls wc
		JOIN tables t ON t.table_id = wc.table_id
		WHERE t.restaurant_id = $1
	`, restaurantID)
	if err := row.Scan(&stats.Pending, &stats.Acknowledged, &stats.Completed, &stats.Cancelled, &stats.Today); err != nil {
		return store.CallStats{}, err
	}
	return stats, nil
}

// AutoCancelStale cancels calls stuck in an active status past the
// grace period. Run periodically; batches are bounded and rows are
// skipped when another worker holds them.
func (s *Store) AutoCancelStale(ctx context.Context, grace time.Duration, batchSize int) (int, error) {
	if grace <= 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	cutoff := time.Now().UTC().Add(-grace)
	rows, err := tx.Query(ctx, `
		WITH stale AS (
			SELECT call_id
			FROM waiter_calls
			WHERE status IN ('pending', 'acknowledged') AND created_at <= $1
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE waiter_calls wc
		SET status = 'cancelled'
		FROM stale, tables t
		WHERE wc.call_id = stale.call_id AND t.table_id = wc.table_id
		RETURNING `+callColumns+`
	`, cutoff, batchSize)
	if err != nil {
		return 0, err
	}
	cancelled, err := collectCalls(rows)
	rows.Close()
	if err != nil {
		return 0, err
	}

	for _, call := range cancelled {
		if err = insertOutboxEvent(ctx, tx, call.RestaurantID, "call.cancelled", call); err != nil {
			return 0, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(cancelled), nil
}

func (s *Store) ListTables(ctx context.Context, restaurantID string) ([]models.Table, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT table_id, restaurant_id, table_number, qr_code
		FROM tables
		WHERE restaurant_id = $1
		ORDER BY table_number ASC
	`, restaurantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []models.Table
	for rows.Next() {
		var table models.Table
		if err := rows.Scan(&table.TableID, &table.RestaurantID, &table.TableNumber, &table.QRCode); err != nil {
			return nil, err
		}
		tables = append(tables, table)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tables, nil
}

func (s *Store) GetTable(ctx context.Context, restaurantID, tableID string) (models.Table, error) {
	var table models.Table
	row := s.pool.QueryRow(ctx, `
		SELECT table_id, restaurant_id, table_number, qr_code
		FROM tables
		WHERE table_id = $1 AND restaurant_id = $2
	`, tableID, restaurantID)
	if err := row.Scan(&table.TableID, &table.RestaurantID, &table.TableNumber, &table.QRCode); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Table{}, store.ErrTableNotFound
		}
		return models.Table{}, err
	}
	return table, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, restaurantID string, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT event_id, restaurant_id, type, payload_json, created_at
		FROM outbox_events
		WHERE restaurant_id = $1
	`
	args := []interface{}{restaurantID}
	if !after.IsZero() {
		query += " AND created_at > $2 ORDER BY created_at ASC LIMIT $3"
		args = append(args, after, limit)
	} else {
		query += " ORDER BY created_at ASC LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.RestaurantID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func resolveTable(ctx context.Context, tx pgx.Tx, tableID, qrCode string) (models.Table, error) {
	query := `
		SELECT table_id, restaurant_id, table_number, qr_code
		FROM tables
		WHERE table_id = $1
	`
	arg := tableID
	if tableID == "" {
		query = `
			SELECT table_id, restaurant_id, table_number, qr_code
			FROM tables
			WHERE qr_code = $1
		`
		arg = qrCode
	}

	var table models.Table
	row := tx.QueryRow(ctx, query, arg)
	if err := row.Scan(&table.TableID, &table.RestaurantID, &table.TableNumber, &table.QRCode); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Table{}, store.ErrTableNotFound
		}
		return models.Table{}, err
	}
	return table, nil
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, restaurantID, eventType string, call models.WaiterCall) error {
	payload := map[string]interface{}{
		"call_id":         call.CallID,
		"table_id":        call.TableID,
		"table_number":    call.TableNumber,
		"message":         call.Message,
		"priority":        call.Priority,
		"status":          call.Status,
		"created_at":      call.CreatedAt,
		"acknowledged_at": call.AcknowledgedAt,
		"completed_at":    call.CompletedAt,
		"restaurant_id":   call.RestaurantID,
	}

	payloadJSON, err := jsonBytes(payload)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, restaurant_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), restaurantID, eventType, payloadJSON, time.Now().UTC())
	return err
}

func jsonBytes(value interface{}) ([]byte, error) {
	return json.Marshal(value)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCall(row rowScanner) (models.WaiterCall, error) {
	var call models.WaiterCall
	var acknowledgedAtNull sql.NullTime
	var completedAtNull sql.NullTime
	if err := row.Scan(
		&call.CallID, &call.TableID, &call.Message, &call.Priority, &call.Status,
		&call.CreatedAt, &acknowledgedAtNull, &completedAtNull,
		&call.RestaurantID, &call.TableNumber,
	); err != nil {
		return models.WaiterCall{}, err
	}
	call.AcknowledgedAt = nullTimePtr(acknowledgedAtNull)
	call.CompletedAt = nullTimePtr(completedAtNull)
	return call, nil
}

func collectCalls(rows pgx.Rows) ([]models.WaiterCall, error) {
	var calls []models.WaiterCall
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return calls, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}
