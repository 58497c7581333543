package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// If true, /readyz returns 503 unless the database is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("STRIDE_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("STRIDE_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("STRIDE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("STRIDE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("STRIDE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("STRIDE_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("STRIDE_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("STRIDE_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("STRIDE_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("STRIDE_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("STRIDE_READINESS_REQUIRE_DB", false),
	}
}
