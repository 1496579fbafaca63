// Package config holds the engine's typed configuration.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable of the engine process. Load it from viper
// and call Validate before wiring services.
type Config struct {
	LogLevel     string
	KafkaBrokers string
	RedisAddr    string
	PostgresDSN  string

	SimAPIURL        string
	SimPollInterval  time.Duration
	SubmitRateLimit  int
	SubmitRateWindow time.Duration

	PoolSize             int
	JobSlots             int
	FetchSize            int
	LowPriorityThreshold int
	WorkerTimeout        time.Duration
	IdleWait             time.Duration
	DryRun               bool

	JanitorSchedule string
	JanitorStale    time.Duration

	APIAddr      string
	MetricsAddr  string
	OTelEndpoint string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		RedisAddr:    v.GetString("redis_addr"),
		PostgresDSN:  v.GetString("postgres_dsn"),

		SimAPIURL:        v.GetString("sim_api_url"),
		SimPollInterval:  v.GetDuration("sim_poll_interval"),
		SubmitRateLimit:  v.GetInt("submit_rate_limit"),
		SubmitRateWindow: v.GetDuration("submit_rate_window"),

		PoolSize:             v.GetInt("pool_size"),
		JobSlots:             v.GetInt("job_slots"),
		FetchSize:            v.GetInt("fetch_size"),
		LowPriorityThreshold: v.GetInt("low_priority_threshold"),
		WorkerTimeout:        v.GetDuration("worker_timeout"),
		IdleWait:             v.GetDuration("idle_wait"),
		DryRun:               v.GetBool("dry_run"),

		JanitorSchedule: v.GetString("janitor_schedule"),
		JanitorStale:    v.GetDuration("janitor_stale"),

		APIAddr:      v.GetString("api_addr"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),
	}
}

// Validate rejects configurations that cannot run. Services assume a
// validated Config and do not re-check these invariants.
func (c Config) Validate() error {
	if c.PostgresDSN == "" {
		return errors.New("postgres_dsn is required")
	}
	if !c.DryRun && c.SimAPIURL == "" {
		return errors.New("sim_api_url is required unless dry_run is set")
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	if c.JobSlots <= 0 {
		return fmt.Errorf("job_slots must be positive, got %d", c.JobSlots)
	}
	if c.FetchSize < c.JobSlots {
		return fmt.Errorf("fetch_size (%d) must be at least job_slots (%d)", c.FetchSize, c.JobSlots)
	}
	if c.LowPriorityThreshold <= 0 {
		return fmt.Errorf("low_priority_threshold must be positive, got %d", c.LowPriorityThreshold)
	}
	if c.WorkerTimeout <= 0 {
		return errors.New("worker_timeout must be positive")
	}
	if c.SubmitRateLimit < 0 {
		return fmt.Errorf("submit_rate_limit must not be negative, got %d", c.SubmitRateLimit)
	}
	if c.SubmitRateLimit > 0 && c.SubmitRateWindow <= 0 {
		return errors.New("submit_rate_window must be positive when submit_rate_limit is set")
	}
	return nil
}
