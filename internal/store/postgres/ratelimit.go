package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RateLimiter counts call-creation attempts per identity in fixed
// windows backed by the database, so the limit holds across server
// processes. The increment is a single atomic upsert.
type RateLimiter struct {
	pool   *pgxpool.Pool
	max    int
	window time.Duration
	now    func() time.Time
}

func NewRateLimiter(pool *pgxpool.Pool, max int, window time.Duration) *RateLimiter {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Hour
	}
	return &RateLimiter{
		pool:   pool,
		max:    max,
		window: window,
		now:    time.Now,
	}
}

func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	windowStart := l.now().UTC().Truncate(l.window)

	var count int
	row := l.pool.QueryRow(ctx, `
		INSERT INTO call_rate_limits (key, window_start, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (key, window_start)
		DO UPDATE SET count = call_rate_limits.count + 1
		RETURNING count
	`, key, windowStart)
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count <= l.max, nil
}

// PruneRateLimits drops windows that ended before the cutoff. Called
// from the background sweeper to keep the counter table small.
func (l *RateLimiter) PruneRateLimits(ctx context.Context) error {
	cutoff := l.now().UTC().Add(-2 * l.window)
	_, err := l.pool.Exec(ctx, `
		DELETE FROM call_rate_limits WHERE window_start < $1
	`, cutoff)
	return err
}
