package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"qrmenu/call-service/internal/models"
	"qrmenu/call-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestCreateCallDuplicateWindow(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	restaurantID := uuid.NewString()
	tableID := uuid.NewString()
	seedTable(t, ctx, pool, restaurantID, tableID, 1)

	first, err := st.CreateCall(ctx, store.CreateCallInput{TableID: tableID})
	if err != nil {
		t.Fatalf("create call: %v", err)
	}
	if first.Status != models.StatusPending || first.Message != models.DefaultMessage {
		t.Fatalf("unexpected call: %+v", first)
	}

	_, err = st.CreateCall(ctx, store.CreateCallInput{TableID: tableID})
	if !errors.Is(err, store.ErrDuplicateCall) {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	// Completing the open call lifts the suppression.
	if _, err := st.UpdateCallStatus(ctx, store.UpdateStatusInput{
		CallID: first.CallID,
		Status: models.StatusCompleted,
	}); err != nil {
		t.Fatalf("complete call: %v", err)
	}
	if _, err := st.CreateCall(ctx, store.CreateCallInput{TableID: tableID}); err != nil {
		t.Fatalf("create after completion: %v", err)
	}
}

func TestCreateCallByQRCode(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	restaurantID := uuid.NewString()
	tableID := uuid.NewString()
	seedTable(t, ctx, pool, restaurantID, tableID, 1)

	call, err := st.CreateCall(ctx, store.CreateCallInput{QRCode: "qr-" + tableID})
	if err != nil {
		t.Fatalf("create call by qr: %v", err)
	}
	if call.TableID != tableID || call.RestaurantID != restaurantID {
		t.Fatalf("qr resolved to wrong table: %+v", call)
	}

	_, err = st.CreateCall(ctx, store.CreateCallInput{QRCode: "qr-missing"})
	if !errors.Is(err, store.ErrTableNotFound) {
		t.Fatalf("expected table not found, got %v", err)
	}
}

func TestCreateCallConcurrent(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	restaurantID := uuid.NewString()
	tableID := uuid.NewString()
	seedTable(t, ctx, pool, restaurantID, tableID, 2)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.CreateCall(ctx, store.CreateCallInput{TableID: tableID})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var created, duplicates int
	for err := range results {
		switch {
		case err == nil:
			created++
		case errors.Is(err, store.ErrDuplicateCall):
			duplicates++
		default:
			t.Fatalf("create call: %v", err)
		}
	}
	if created != 1 || duplicates != 1 {
		t.Fatalf("expected 1 created and 1 duplicate, got %d/%d", created, duplicates)
	}

	var count int
	row := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_events WHERE type = 'call.created'`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count outbox events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 call.created event, got %d", count)
	}
}

func TestListPendingOrdering(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	restaurantID := uuid.NewString()
	tableLow := uuid.NewString()
	tableHigh := uuid.NewString()
	tableMedium := uuid.NewString()
	seedTable(t, ctx, pool, restaurantID, tableLow, 1)
	seedTable(t, ctx, pool, restaurantID, tableHigh, 2)
	seedTable(t, ctx, pool, restaurantID, tableMedium, 3)

	base := time.Now().UTC().Add(-time.Minute)
	inputs := []store.CreateCallInput{
		{TableID: tableLow, Priority: models.PriorityLow, CreatedAt: base},
		{TableID: tableHigh, Priority: models.PriorityHigh, CreatedAt: base.Add(time.Second)},
		{TableID: tableMedium, Priority: models.PriorityMedium, CreatedAt: base.Add(2 * time.Second)},
	}
	for _, input := range inputs {
		if _, err := st.CreateCall(ctx, input); err != nil {
			t.Fatalf("create call: %v", err)
		}
	}

	calls, err := st.ListPendingCalls(ctx, restaurantID)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(calls))
	}
	got := []string{calls[0].Priority, calls[1].Priority, calls[2].Priority}
	want := []string{models.PriorityHigh, models.PriorityMedium, models.PriorityLow}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected priority order %v, got %v", want, got)
		}
	}
}

func TestUpdateStatusLifecycle(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	restaurantID := uuid.NewString()
	tableID := uuid.NewString()
	seedTable(t, ctx, pool, restaurantID, tableID, 1)

	call, err := st.CreateCall(ctx, store.CreateCallInput{TableID: tableID})
	if err != nil {
		t.Fatalf("create call: %v", err)
	}

	acked, err := st.UpdateCallStatus(ctx, store.UpdateStatusInput{
		RestaurantID: restaurantID,
		CallID:       call.CallID,
		Status:       models.StatusAcknowledged,
	})
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if acked.AcknowledgedAt == nil {
		t.Fatalf("expected acknowledged_at to be set")
	}

	// Re-acknowledging is a no-op and keeps the original timestamp.
	again, err := st.UpdateCallStatus(ctx, store.UpdateStatusInput{
		RestaurantID: restaurantID,
		CallID:       call.CallID,
		Status:       models.StatusAcknowledged,
	})
	if err != nil {
		t.Fatalf("re-acknowledge: %v", err)
	}
	if again.AcknowledgedAt == nil || !again.AcknowledgedAt.Equal(*acked.AcknowledgedAt) {
		t.Fatalf("expected acknowledged_at unchanged, got %v", again.AcknowledgedAt)
	}

	done, err := st.UpdateCallStatus(ctx, store.UpdateStatusInput{
		RestaurantID: restaurantID,
		CallID:       call.CallID,
		Status:       models.StatusCompleted,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.CompletedAt == nil || done.AcknowledgedAt == nil {
		t.Fatalf("expected both timestamps set, got %+v", done)
	}

	_, err = st.UpdateCallStatus(ctx, store.UpdateStatusInput{
		RestaurantID: restaurantID,
		CallID:       call.CallID,
		Status:       models.StatusAcknowledged,
	})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	pending, err := st.ListPendingCalls(ctx, restaurantID)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending calls, got %d", len(pending))
	}
	history, err := st.ListCallHistory(ctx, restaurantID, 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(history) != 1 || history[0].Status != models.StatusCompleted {
		t.Fatalf("expected completed call in history, got %+v", history)
	}
}

func TestCreateCallMessageBounds(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	restaurantID := uuid.NewString()
	tableA := uuid.NewString()
	tableB := uuid.NewString()
	seedTable(t, ctx, pool, restaurantID, tableA, 1)
	seedTable(t, ctx, pool, restaurantID, tableB, 2)

	_, err := st.CreateCall(ctx, store.CreateCallInput{
		TableID: tableA,
		Message: strings.Repeat("ç", models.MaxMessageLen+1),
	})
	if !errors.Is(err, store.ErrMessageTooLong) {
		t.Fatalf("expected message too long, got %v", err)
	}

	call, err := st.CreateCall(ctx, store.CreateCallInput{
		TableID:  tableB,
		Message:  strings.Repeat("ç", models.MaxMessageLen),
		Priority: "urgent",
	})
	if err != nil {
		t.Fatalf("create call: %v", err)
	}
	if call.Priority != models.PriorityMedium {
		t.Fatalf("expected unknown priority coerced to medium, got %s", call.Priority)
	}
}

func TestUpdateStatusWrongRestaurant(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	restaurantID := uuid.NewString()
	tableID := uuid.NewString()
	seedTable(t, ctx, pool, restaurantID, tableID, 1)

	call, err := st.CreateCall(ctx, store.CreateCallInput{TableID: tableID})
	if err != nil {
		t.Fatalf("create call: %v", err)
	}

	_, err = st.UpdateCallStatus(ctx, store.UpdateStatusInput{
		RestaurantID: uuid.NewString(),
		CallID:       call.CallID,
		Status:       models.StatusAcknowledged,
	})
	if !errors.Is(err, store.ErrCallNotFound) {
		t.Fatalf("expected call not found, got %v", err)
	}
}

func TestAutoCancelStale(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	restaurantID := uuid.NewString()
	tableID := uuid.NewString()
	seedTable(t, ctx, pool, restaurantID, tableID, 1)

	call, err := st.CreateCall(ctx, store.CreateCallInput{
		TableID:   tableID,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("create call: %v", err)
	}

	count, err := st.AutoCancelStale(ctx, 30*time.Minute, 100)
	if err != nil {
		t.Fatalf("auto cancel: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 cancelled call, got %d", count)
	}

	got, err := st.GetCall(ctx, restaurantID, call.CallID)
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if got.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}

	events, err := st.ListOutboxEvents(ctx, restaurantID, time.Time{}, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var sawCancelled bool
	for _, event := range events {
		if event.Type == "call.cancelled" {
			sawCancelled = true
		}
	}
	if !sawCancelled {
		t.Fatalf("expected a call.cancelled event")
	}
}

func TestRateLimiterFixedWindow(t *testing.T) {
	ctx := context.Background()
	_, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	limiter := NewRateLimiter(pool, 3, time.Hour)
	clock := time.Date(2026, 3, 2, 12, 10, 0, 0, time.UTC)
	limiter.now = func() time.Time { return clock }

	key := "198.51.100.7"
	for i := 0; i < 3; i++ {
		allowed, err := limiter.Allow(ctx, key)
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		if !allowed {
			t.Fatalf("expected attempt %d to be allowed", i+1)
		}
	}
	allowed, err := limiter.Allow(ctx, key)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Fatalf("expected fourth attempt to be rejected")
	}

	clock = clock.Add(time.Hour)
	allowed, err = limiter.Allow(ctx, key)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !allowed {
		t.Fatalf("expected next window to be allowed")
	}
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool, Options{DuplicateWindow: 5 * time.Minute, HistoryLimit: 50})
	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func seedTable(t *testing.T, ctx context.Context, pool *pgxpool.Pool, restaurantID, tableID string, number int) {
	t.Helper()
	if _, err := pool.Exec(ctx, `
		INSERT INTO restaurants (restaurant_id, name)
		VALUES ($1, 'Restaurant')
		ON CONFLICT (restaurant_id) DO NOTHING
	`, restaurantID); err != nil {
		t.Fatalf("insert restaurant: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO tables (table_id, restaurant_id, table_number, qr_code)
		VALUES ($1, $2, $3, $4)
	`, tableID, restaurantID, number, "qr-"+tableID); err != nil {
		t.Fatalf("insert table: %v", err)
	}
}
