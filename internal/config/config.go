// Package config holds the runtime settings shared by every oceantemp
// subcommand. Fields carry kong tags; values bind from flags, then
// environment variables, then an optional .env file.
package config

import (
	"fmt"
	"time"

	"github.com/bluesphere/oceantemp/internal/ingest"
	"github.com/bluesphere/oceantemp/internal/jobs"
	"github.com/bluesphere/oceantemp/internal/models"
)

type Config struct {
	DB       string `help:"Path to the SQLite database." default:"data/oceantemp.db" env:"OCEANTEMP_DB"`
	Port     string `help:"HTTP listen port." default:"8080" env:"OCEANTEMP_PORT"`
	Baseline string `help:"Default baseline period for anomaly and heatwave queries (YYYY-YYYY)." default:"1991-2020" env:"OCEANTEMP_BASELINE"`

	Kafka    Kafka    `embed:"" prefix:"kafka-"`
	Schedule Schedule `embed:"" prefix:"schedule-"`
}

// Kafka configures the streaming consumer. No brokers disables it; the
// API and the batch jobs run fine on imported data alone.
type Kafka struct {
	Brokers []string      `help:"Kafka bootstrap brokers. Empty disables the consumer." env:"OCEANTEMP_KAFKA_BROKERS"`
	Topic   string        `help:"Observation tuple topic." default:"ocean.observations" env:"OCEANTEMP_KAFKA_TOPIC"`
	Group   string        `help:"Consumer group ID." default:"oceantemp" env:"OCEANTEMP_KAFKA_GROUP"`
	MaxWait time.Duration `help:"Longest time the reader blocks waiting for a batch." default:"500ms" env:"OCEANTEMP_KAFKA_MAX_WAIT"`
}

func (k Kafka) Enabled() bool { return len(k.Brokers) > 0 }

// Consumer maps the settings onto the ingest transport config.
func (k Kafka) Consumer() ingest.ConsumerConfig {
	return ingest.ConsumerConfig{
		Brokers: k.Brokers,
		Topic:   k.Topic,
		GroupID: k.Group,
		MaxWait: k.MaxWait,
	}
}

// Schedule carries the cron expressions (standard five-field specs) for
// the recurring jobs. Defaults match jobs.DefaultSchedule.
type Schedule struct {
	Aggregate string `help:"Cron spec for the aggregation sweep." default:"10 * * * *" env:"OCEANTEMP_SCHEDULE_AGGREGATE"`
	Anomalies string `help:"Cron spec for the nightly anomaly and heatwave refresh." default:"30 2 * * *" env:"OCEANTEMP_SCHEDULE_ANOMALIES"`
	Baselines string `help:"Cron spec for the monthly baseline rebuild." default:"0 4 1 * *" env:"OCEANTEMP_SCHEDULE_BASELINES"`
	Validate  string `help:"Cron spec for the weekly model validation." default:"0 5 * * 1" env:"OCEANTEMP_SCHEDULE_VALIDATE"`
}

func (s Schedule) Jobs() jobs.Schedule {
	return jobs.Schedule{
		Aggregate: s.Aggregate,
		Anomalies: s.Anomalies,
		Baselines: s.Baselines,
		Validate:  s.Validate,
	}
}

// BaselinePeriod parses the configured default baseline.
func (c *Config) BaselinePeriod() (models.BaselinePeriod, error) {
	return models.ParseBaselinePeriod(c.Baseline)
}

// Validate runs after kong binds the flags.
func (c *Config) Validate() error {
	if _, err := models.ParseBaselinePeriod(c.Baseline); err != nil {
		return fmt.Errorf("--baseline: %w", err)
	}
	if c.Kafka.Enabled() && c.Kafka.Topic == "" {
		return fmt.Errorf("--kafka-topic is required when brokers are configured")
	}
	return nil
}
