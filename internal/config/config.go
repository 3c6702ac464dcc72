package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for simcamp.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Log       LogConfig
	Reconcile ReconcileConfig
	Backend   BackendConfig
}

type ServerConfig struct {
	Port       int
	Env        string
	APIKeyHash string
	RateLimit  int
	SummaryTTL time.Duration
}

type DatabaseConfig struct {
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	RetryAttempts   int
	RetryDelay      time.Duration
}

// RedisConfig is optional. An empty URL disables the lease, the summary
// cache and rate limiting.
type RedisConfig struct {
	URL string
}

type LogConfig struct {
	Level string
}

type ReconcileConfig struct {
	StalenessThreshold time.Duration
	MaxAttempts        int
	BatchSize          int
	SubmitLimit        int
	LeaseTTL           time.Duration
}

type BackendConfig struct {
	ChunkSize      int
	MaxConcurrency int
	RetryAttempts  int
	RetryDelay     time.Duration
	RetryMaxDelay  time.Duration
	HTCondor       HTCondorConfig
	Slurm          SlurmConfig
	Boinc          BoincConfig
}

type HTCondorConfig struct {
	SubmitBin string
	QueueBin  string
	RemoveBin string
	Schedd    string
}

type SlurmConfig struct {
	BaseURL    string
	User       string
	Token      string
	APIVersion string
	Partition  string
	Timeout    time.Duration
}

type BoincConfig struct {
	SpoolDir string
	AppName  string
}

var validDrivers = map[string]bool{
	"postgres": true,
	"sqlite":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:       envInt("SIMCAMP_PORT", 8080),
			Env:        envString("SIMCAMP_ENV", "development"),
			APIKeyHash: os.Getenv("SIMCAMP_API_KEY_HASH"),
			RateLimit:  envInt("SIMCAMP_RATE_LIMIT", 60),
			SummaryTTL: envDuration("SIMCAMP_SUMMARY_TTL", 5*time.Second),
		},
		Database: DatabaseConfig{
			Driver:          envString("DATABASE_DRIVER", "sqlite"),
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			RetryAttempts:   envInt("DATABASE_RETRY_ATTEMPTS", 5),
			RetryDelay:      envDuration("DATABASE_RETRY_DELAY", 500*time.Millisecond),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Log: LogConfig{
			Level: strings.ToLower(envString("SIMCAMP_LOG_LEVEL", "info")),
		},
		Reconcile: ReconcileConfig{
			StalenessThreshold: envDuration("RECONCILE_STALENESS_THRESHOLD", 72*time.Hour),
			MaxAttempts:        envInt("RECONCILE_MAX_ATTEMPTS", 3),
			BatchSize:          envInt("RECONCILE_BATCH_SIZE", 500),
			SubmitLimit:        envInt("RECONCILE_SUBMIT_LIMIT", 15000),
			LeaseTTL:           envDuration("RECONCILE_LEASE_TTL", 10*time.Minute),
		},
		Backend: BackendConfig{
			ChunkSize:      envInt("BACKEND_CHUNK_SIZE", 100),
			MaxConcurrency: envInt("BACKEND_MAX_CONCURRENCY", 4),
			RetryAttempts:  envInt("BACKEND_RETRY_ATTEMPTS", 5),
			RetryDelay:     envDuration("BACKEND_RETRY_DELAY", time.Second),
			RetryMaxDelay:  envDuration("BACKEND_RETRY_MAX_DELAY", 30*time.Second),
			HTCondor: HTCondorConfig{
				SubmitBin: envString("HTCONDOR_SUBMIT_BIN", "condor_submit"),
				QueueBin:  envString("HTCONDOR_Q_BIN", "condor_q"),
				RemoveBin: envString("HTCONDOR_RM_BIN", "condor_rm"),
				Schedd:    os.Getenv("HTCONDOR_SCHEDD"),
			},
			Slurm: SlurmConfig{
				BaseURL:    os.Getenv("SLURM_BASE_URL"),
				User:       os.Getenv("SLURM_USER"),
				Token:      os.Getenv("SLURM_TOKEN"),
				APIVersion: envString("SLURM_API_VERSION", "v0.0.40"),
				Partition:  os.Getenv("SLURM_PARTITION"),
				Timeout:    envDuration("SLURM_TIMEOUT", 30*time.Second),
			},
			Boinc: BoincConfig{
				SpoolDir: os.Getenv("BOINC_SPOOL_DIR"),
				AppName:  envString("BOINC_APP_NAME", "sixtrack"),
			},
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("DATABASE_DRIVER must be one of postgres, sqlite; got %q", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Database.Driver == "postgres" &&
		!strings.HasPrefix(c.Database.URL, "postgres://") && !strings.HasPrefix(c.Database.URL, "postgresql://") {
		return fmt.Errorf("DATABASE_URL must start with postgres:// when DATABASE_DRIVER is postgres")
	}

	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("SIMCAMP_LOG_LEVEL must be one of debug, info, warn, error; got %q", c.Log.Level)
	}

	if c.Reconcile.StalenessThreshold <= 0 {
		return fmt.Errorf("RECONCILE_STALENESS_THRESHOLD must be positive")
	}
	if c.Reconcile.MaxAttempts < 1 {
		return fmt.Errorf("RECONCILE_MAX_ATTEMPTS must be at least 1, got %d", c.Reconcile.MaxAttempts)
	}
	if c.Reconcile.BatchSize < 1 {
		return fmt.Errorf("RECONCILE_BATCH_SIZE must be at least 1, got %d", c.Reconcile.BatchSize)
	}
	if c.Reconcile.SubmitLimit < 1 {
		return fmt.Errorf("RECONCILE_SUBMIT_LIMIT must be at least 1, got %d", c.Reconcile.SubmitLimit)
	}

	if c.Backend.ChunkSize < 1 {
		return fmt.Errorf("BACKEND_CHUNK_SIZE must be at least 1, got %d", c.Backend.ChunkSize)
	}
	if c.Backend.MaxConcurrency < 1 {
		return fmt.Errorf("BACKEND_MAX_CONCURRENCY must be at least 1, got %d", c.Backend.MaxConcurrency)
	}
	if c.Backend.RetryAttempts < 1 {
		return fmt.Errorf("BACKEND_RETRY_ATTEMPTS must be at least 1, got %d", c.Backend.RetryAttempts)
	}

	if u := c.Backend.Slurm.BaseURL; u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return fmt.Errorf("SLURM_BASE_URL must start with http:// or https://, got %q", u)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
