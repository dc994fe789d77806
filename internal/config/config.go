package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the exorun server.
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Engine       EngineConfig
	Orchestrator OrchestratorConfig
	Artifacts    ArtifactConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	RateLimitPerMinute int
}

type DatabaseConfig struct {
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// EngineConfig describes how the external analysis engine is launched.
type EngineConfig struct {
	Path      string
	ExtraArgs []string
	Timeout   time.Duration
	KillGrace time.Duration
	Outputs   []string
}

// OrchestratorConfig bounds scheduling and admission.
type OrchestratorConfig struct {
	Concurrency        int
	MaxActive          int
	PollInterval       time.Duration
	RequeueInterrupted bool
}

type ArtifactConfig struct {
	Root           string
	UploadMaxBytes int64
}

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

var validDrivers = map[string]bool{
	DriverPostgres: true,
	DriverMemory:   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("EXORUN_PORT", 8080),
			Env:                envString("EXORUN_ENV", "development"),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
		Database: DatabaseConfig{
			Driver:          envString("STORE_DRIVER", DriverPostgres),
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Engine: EngineConfig{
			Path:      os.Getenv("ENGINE_PATH"),
			ExtraArgs: envList("ENGINE_ARGS", nil),
			Timeout:   envDuration("ENGINE_TIMEOUT", 6*time.Hour),
			KillGrace: envDuration("ENGINE_KILL_GRACE", 10*time.Second),
			Outputs:   envList("ENGINE_OUTPUTS", []string{"output.html", "output.tsv", "output.vcf"}),
		},
		Orchestrator: OrchestratorConfig{
			Concurrency:        envInt("ORCHESTRATOR_CONCURRENCY", 2),
			MaxActive:          envInt("ORCHESTRATOR_MAX_ACTIVE", 20),
			PollInterval:       envDuration("ORCHESTRATOR_POLL_INTERVAL", 2*time.Second),
			RequeueInterrupted: envBool("ORCHESTRATOR_REQUEUE_INTERRUPTED", true),
		},
		Artifacts: ArtifactConfig{
			Root:           envString("ARTIFACT_ROOT", "/var/lib/exorun/jobs"),
			UploadMaxBytes: int64(envInt("UPLOAD_MAX_BYTES", 2<<30)),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("STORE_DRIVER must be one of postgres, memory; got %q", c.Database.Driver)
	}
	if c.Database.Driver == DriverPostgres && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is postgres")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Engine.Path == "" {
		return fmt.Errorf("ENGINE_PATH is required")
	}
	if c.Engine.Timeout <= 0 {
		return fmt.Errorf("ENGINE_TIMEOUT must be positive, got %s", c.Engine.Timeout)
	}
	if c.Engine.KillGrace < 0 {
		return fmt.Errorf("ENGINE_KILL_GRACE must not be negative, got %s", c.Engine.KillGrace)
	}
	if len(c.Engine.Outputs) == 0 {
		return fmt.Errorf("ENGINE_OUTPUTS must name at least one expected output file")
	}
	for _, name := range c.Engine.Outputs {
		if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
			return fmt.Errorf("ENGINE_OUTPUTS entries must be plain file names, got %q", name)
		}
	}

	if c.Orchestrator.Concurrency < 1 || c.Orchestrator.Concurrency > 64 {
		return fmt.Errorf("ORCHESTRATOR_CONCURRENCY must be between 1 and 64, got %d", c.Orchestrator.Concurrency)
	}
	if c.Orchestrator.MaxActive < c.Orchestrator.Concurrency {
		return fmt.Errorf("ORCHESTRATOR_MAX_ACTIVE (%d) must be at least ORCHESTRATOR_CONCURRENCY (%d)",
			c.Orchestrator.MaxActive, c.Orchestrator.Concurrency)
	}
	if c.Orchestrator.PollInterval <= 0 {
		return fmt.Errorf("ORCHESTRATOR_POLL_INTERVAL must be positive, got %s", c.Orchestrator.PollInterval)
	}

	if c.Artifacts.Root == "" {
		return fmt.Errorf("ARTIFACT_ROOT is required")
	}
	if c.Artifacts.UploadMaxBytes <= 0 {
		return fmt.Errorf("UPLOAD_MAX_BYTES must be positive, got %d", c.Artifacts.UploadMaxBytes)
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

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
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

// envList splits a comma-separated variable, dropping empty entries.
func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
