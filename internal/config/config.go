package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the process-level configuration for the harness and the
// reference cluster, read from the environment.
type Config struct {
	Env         string
	Cluster     ClusterConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Scenario    string
	FakeCluster FakeClusterConfig
}

type ClusterConfig struct {
	BaseURL        string
	Token          string
	Timeout        time.Duration
	RequestsPerSec float64
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

type FakeClusterConfig struct {
	Port int
	// TokenHash is a bcrypt hash of the accepted bearer token; empty disables auth.
	TokenHash      string
	RequestsPerSec float64
	// Files are the names every import reports.
	Files        []string
	Rows         int
	Columns      int
	RunningPolls int
}

// Load reads the harness configuration from environment variables and
// returns a validated Config. DATABASE_URL and REDIS_URL are optional; an
// empty value disables the run ledger or the status cache.
func Load() (*Config, error) {
	cfg := load()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFakeCluster reads the configuration the reference cluster needs. It
// does not require a cluster URL.
func LoadFakeCluster() (*Config, error) {
	cfg := load()
	if cfg.FakeCluster.Port <= 0 || cfg.FakeCluster.Port > 65535 {
		return nil, fmt.Errorf("FAKECLUSTER_PORT must be between 1 and 65535, got %d", cfg.FakeCluster.Port)
	}
	if cfg.FakeCluster.RequestsPerSec < 0 {
		return nil, fmt.Errorf("FAKECLUSTER_REQUESTS_PER_SEC must not be negative, got %v", cfg.FakeCluster.RequestsPerSec)
	}
	if len(cfg.FakeCluster.Files) == 0 {
		return nil, fmt.Errorf("FAKECLUSTER_FILES must name at least one file")
	}
	if cfg.FakeCluster.Columns < 2 {
		return nil, fmt.Errorf("FAKECLUSTER_COLUMNS must be at least 2, got %d", cfg.FakeCluster.Columns)
	}
	return cfg, nil
}

func load() *Config {
	return &Config{
		Env: envString("HARNESS_ENV", "development"),
		Cluster: ClusterConfig{
			BaseURL:        strings.TrimRight(os.Getenv("CLUSTER_BASE_URL"), "/"),
			Token:          os.Getenv("CLUSTER_API_TOKEN"),
			Timeout:        envDuration("CLUSTER_HTTP_TIMEOUT", 30*time.Second),
			RequestsPerSec: envFloat("CLUSTER_REQUESTS_PER_SEC", 0),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("DATABASE_MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Scenario: os.Getenv("HARNESS_SCENARIO"),
		FakeCluster: FakeClusterConfig{
			Port:           envInt("FAKECLUSTER_PORT", 8080),
			TokenHash:      os.Getenv("FAKECLUSTER_TOKEN_HASH"),
			RequestsPerSec: envFloat("FAKECLUSTER_REQUESTS_PER_SEC", 0),
			Files:          envList("FAKECLUSTER_FILES", []string{"mnist_training.csv.gz", "mnist_testing.csv.gz"}),
			Rows:           envInt("FAKECLUSTER_ROWS", 60000),
			Columns:        envInt("FAKECLUSTER_COLUMNS", 785),
			RunningPolls:   envInt("FAKECLUSTER_RUNNING_POLLS", 2),
		},
	}
}

func (c *Config) validate() error {
	if c.Cluster.BaseURL == "" {
		return fmt.Errorf("CLUSTER_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Cluster.BaseURL, "http://") && !strings.HasPrefix(c.Cluster.BaseURL, "https://") {
		return fmt.Errorf("CLUSTER_BASE_URL must start with http:// or https://, got %q", c.Cluster.BaseURL)
	}
	if c.Cluster.Timeout <= 0 {
		return fmt.Errorf("CLUSTER_HTTP_TIMEOUT must be positive, got %s", c.Cluster.Timeout)
	}
	if c.Cluster.RequestsPerSec < 0 {
		return fmt.Errorf("CLUSTER_REQUESTS_PER_SEC must not be negative, got %v", c.Cluster.RequestsPerSec)
	}
	if c.Database.URL != "" && c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("DATABASE_MAX_OPEN_CONNS must be positive, got %d", c.Database.MaxOpenConns)
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envList splits a comma-separated value, dropping empty entries.
func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
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

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
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
