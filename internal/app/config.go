package app

import (
	"time"

	"github.com/rob634/rmhgeoapi/internal/core/janitor"
	"github.com/rob634/rmhgeoapi/internal/platform/envutil"
)

// Config is every env-driven knob App.New needs to wire the orchestrator.
// Connection details for Postgres live in internal/data/db; these are the
// orchestration-level settings SPEC_FULL.md calls out by name.
type Config struct {
	Port string

	GCSBucket        string
	RedisAddr        string
	BusBatchThreshold int

	Janitor janitor.Config

	OtelServiceName string
	OtelEnvironment string
	OtelVersion     string
}

func LoadConfig() Config {
	return Config{
		Port:              envutil.String("PORT", "8080"),
		GCSBucket:         envutil.String("GCS_BUCKET", "rmhgeoapi-artifacts"),
		RedisAddr:         envutil.String("REDIS_ADDR", "localhost:6379"),
		BusBatchThreshold: envutil.Int("BUS_BATCH_THRESHOLD", 50),
		Janitor: janitor.Config{
			SweepInterval:        envutil.Duration("JANITOR_SWEEP_INTERVAL", 30*time.Second),
			TaskHeartbeatTimeout: envutil.Duration("JANITOR_TASK_HEARTBEAT_TIMEOUT", 2*time.Minute),
			JobStallTimeout:      envutil.Duration("JANITOR_JOB_STALL_TIMEOUT", 10*time.Minute),
		},
		OtelServiceName: envutil.String("OTEL_SERVICE_NAME", "rmhgeoapi"),
		OtelEnvironment: envutil.String("OTEL_ENVIRONMENT", "development"),
		OtelVersion:     envutil.String("OTEL_SERVICE_VERSION", "dev"),
	}
}
