package infra

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jackc/pgx/v5/tracelog"
)

const (
	insecureJWTSecret      = "change-me-in-production"
	insecureFairnessSecret = "change-me-fairness-master-secret"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL"`
	PGHost      string `env:"PGHOST" envDefault:"localhost"`
	PGPort      int    `env:"PGPORT" envDefault:"5435"`
	PGUser      string `env:"PGUSER" envDefault:"wagerline"`
	PGPassword  string `env:"PGPASSWORD" envDefault:"wagerline"`
	PGDatabase  string `env:"PGDATABASE" envDefault:"wagerline"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"true"`

	MigrationsDir     string `env:"MIGRATIONS_DIR"`
	PGMaxConns        int32  `env:"PG_MAX_CONNS" envDefault:"20"`
	PGMinConns        int32  `env:"PG_MIN_CONNS" envDefault:"2"`
	PGApplicationName string `env:"PG_APPLICATION_NAME" envDefault:"wagerline"`
	PGLogLevel        string `env:"PG_LOG_LEVEL" envDefault:"warn"`

	// Storage selects the ledger/round backend: "postgres" or "memory".
	Storage string `env:"STORAGE" envDefault:"postgres"`

	// Redis
	RedisURL    string `env:"REDIS_URL" envDefault:"redis://localhost:6380"`
	RedisPrefix string `env:"REDIS_PREFIX" envDefault:"wagerline:"`

	// JWT
	JWTSecret       string        `env:"JWT_SECRET" envDefault:"change-me-in-production"`
	JWTPlayerExpiry time.Duration `env:"JWT_PLAYER_EXPIRY" envDefault:"24h"`
	JWTAdminExpiry  time.Duration `env:"JWT_ADMIN_EXPIRY" envDefault:"8h"`

	// Server
	APIPort int `env:"API_PORT" envDefault:"3100"`

	// Kafka
	KafkaBrokers       string        `env:"KAFKA_BROKERS" envDefault:"localhost:9092"`
	KafkaEnabled       bool          `env:"KAFKA_ENABLED" envDefault:"false"`
	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"500ms"`
	OutboxBatchSize    int           `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`

	// CORS
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*"`

	// Dev
	AllowInsecureDefaults bool `env:"ALLOW_INSECURE_DEFAULTS" envDefault:"false"`

	// Fairness. The drift parameters are published alongside every round.
	FairnessMasterSecret string  `env:"FAIRNESS_MASTER_SECRET" envDefault:"change-me-fairness-master-secret"`
	DriftGain            float64 `env:"DRIFT_GAIN" envDefault:"5"`
	DriftBound           float64 `env:"DRIFT_BOUND" envDefault:"0.10"`

	// Scheduler
	SchedulerInterval    time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"250ms"`
	SchedulerMaxAttempts int           `env:"SCHEDULER_MAX_ATTEMPTS" envDefault:"20"`

	// Coordinator
	PoolFloat      int64         `env:"POOL_FLOAT" envDefault:"1000000"`
	CountdownDelay time.Duration `env:"ROOM_COUNTDOWN" envDefault:"5s"`
	RoomRoundTTL   time.Duration `env:"ROOM_ROUND_TTL" envDefault:"15m"`
	RoomRetention  time.Duration `env:"ROOM_RETENTION" envDefault:"24h"`
	ActionLogLimit int           `env:"ROOM_ACTION_LOG_LIMIT" envDefault:"500"`

	Risk RiskConfig `envPrefix:"RISK_"`
}

// RiskConfig carries the responsible-gaming thresholds. Zero limits disable the check.
type RiskConfig struct {
	SingleStakeMax       int64         `env:"SINGLE_STAKE_MAX" envDefault:"10000"`
	HourlyStakeMax       int64         `env:"HOURLY_STAKE_MAX" envDefault:"50000"`
	DailyStakeMax        int64         `env:"DAILY_STAKE_MAX" envDefault:"200000"`
	HourlyLossMax        int64         `env:"HOURLY_LOSS_MAX" envDefault:"25000"`
	DailyLossMax         int64         `env:"DAILY_LOSS_MAX" envDefault:"100000"`
	RequireKYC           bool          `env:"REQUIRE_KYC" envDefault:"false"`
	MinAge               int           `env:"MIN_AGE" envDefault:"18"`
	MaxSession           time.Duration `env:"MAX_SESSION" envDefault:"4h"`
	SessionCooldown      time.Duration `env:"SESSION_COOLDOWN" envDefault:"30m"`
	RealityCheckInterval time.Duration `env:"REALITY_CHECK_INTERVAL" envDefault:"1h"`
	LossStreakThreshold  int           `env:"LOSS_STREAK_THRESHOLD" envDefault:"10"`
	LossStreakExclusion  time.Duration `env:"LOSS_STREAK_EXCLUSION" envDefault:"24h"`
	ReviewThreshold      int           `env:"REVIEW_THRESHOLD" envDefault:"75"`
}

// LoadConfig parses environment variables into a Config struct.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks for insecure or inconsistent configuration.
// Set ALLOW_INSECURE_DEFAULTS=true to bypass the secret checks (local dev only).
func (c *Config) Validate() error {
	if c.Storage != "postgres" && c.Storage != "memory" {
		return fmt.Errorf("STORAGE must be postgres or memory, got %q", c.Storage)
	}
	if c.DriftGain < 0 {
		return fmt.Errorf("DRIFT_GAIN must not be negative")
	}
	if c.DriftBound < 0 || c.DriftBound >= 1 {
		return fmt.Errorf("DRIFT_BOUND must be in [0,1), got %v", c.DriftBound)
	}
	if c.PGMaxConns < 1 {
		return fmt.Errorf("PG_MAX_CONNS must be at least 1")
	}
	if _, err := tracelog.LogLevelFromString(c.PGLogLevel); err != nil {
		return fmt.Errorf("PG_LOG_LEVEL: %w", err)
	}
	if c.PoolFloat < 0 {
		return fmt.Errorf("POOL_FLOAT must not be negative")
	}
	if c.AllowInsecureDefaults {
		return nil
	}
	if c.JWTSecret == insecureJWTSecret {
		return fmt.Errorf("JWT_SECRET is set to the insecure default; set a strong secret or set ALLOW_INSECURE_DEFAULTS=true for local dev")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET is too short (%d chars); minimum 32 characters required", len(c.JWTSecret))
	}
	if c.FairnessMasterSecret == insecureFairnessSecret {
		return fmt.Errorf("FAIRNESS_MASTER_SECRET is set to the insecure default")
	}
	if len(c.FairnessMasterSecret) < 32 {
		return fmt.Errorf("FAIRNESS_MASTER_SECRET is too short (%d chars); minimum 32 characters required", len(c.FairnessMasterSecret))
	}
	return nil
}

// DSN returns the PostgreSQL connection string, preferring DATABASE_URL if set.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.PGUser, c.PGPassword, c.PGHost, c.PGPort, c.PGDatabase)
}
