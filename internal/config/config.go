package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        string
	DatabaseURL string
	MenuBaseURL string
	JWTSecret   string

	CallRateLimit   int
	CallRateWindow  time.Duration
	DuplicateWindow time.Duration
	HistoryLimit    int

	StaleCallGrace     time.Duration
	StaleCallInterval  time.Duration
	StaleCallBatchSize int

	RateLimitPerMinute int
	RateLimitBurst     int
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:        port,
		DatabaseURL: os.Getenv("DB_DSN"),
		MenuBaseURL: os.Getenv("MENU_BASE_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),

		CallRateLimit:   readInt("CALL_RATE_LIMIT", 10),
		CallRateWindow:  readDurationSeconds("CALL_RATE_WINDOW_SECONDS", 3600),
		DuplicateWindow: readDurationSeconds("DUPLICATE_WINDOW_SECONDS", 300),
		HistoryLimit:    readInt("HISTORY_LIMIT", 50),

		StaleCallGrace:     readDurationSeconds("STALE_CALL_GRACE_SECONDS", 1800),
		StaleCallInterval:  readDurationSeconds("STALE_CALL_SCAN_INTERVAL_SECONDS", 60),
		StaleCallBatchSize: readInt("STALE_CALL_BATCH_SIZE", 100),

		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 30),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
