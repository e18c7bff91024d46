package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	LocalStore LocalStoreConfig `yaml:"local_store"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	GitHub     GitHubConfig     `yaml:"github"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Arcade     ArcadeConfig     `yaml:"arcade"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// LocalStoreConfig holds the record-store directory layout
type LocalStoreConfig struct {
	Dir    string `yaml:"dir"`
	Prefix string `yaml:"prefix"`
}

// SQLiteConfig holds embedded database configuration
type SQLiteConfig struct {
	// WorkDir is where the live database file lives; the durable form is
	// the serialized image written into the local record store.
	WorkDir     string        `yaml:"work_dir"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// GitHubConfig holds remote database sync configuration
type GitHubConfig struct {
	Enabled bool          `yaml:"enabled"`
	Owner   string        `yaml:"owner"`
	Repo    string        `yaml:"repo"`
	Path    string        `yaml:"path"`
	Branch  string        `yaml:"branch"`
	Token   string        `yaml:"token"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`

	// AutoSync enables periodic pushes of the serialized database.
	AutoSync     bool          `yaml:"auto_sync"`
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// TelemetryConfig holds the fire-and-forget score reporting endpoint
type TelemetryConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// KafkaConfig holds bulk score ingestion configuration
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	GroupID      string        `yaml:"group_id"`
	Enabled      bool          `yaml:"enabled"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// AccountConfig describes a user seeded at first start
type AccountConfig struct {
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	DisplayName string `yaml:"display_name"`
	Email       string `yaml:"email"`
}

// ArcadeConfig holds arcade-specific configuration
type ArcadeConfig struct {
	AppName          string        `yaml:"app_name"`
	Version          string        `yaml:"version"`
	SiteID           string        `yaml:"site_id"`
	DefaultLimit     int           `yaml:"default_limit"`
	MaxLimit         int           `yaml:"max_limit"`
	MaxScoresPerGame int           `yaml:"max_scores_per_game"`
	DefaultAdmin     AccountConfig `yaml:"default_admin"`
	DefaultDemo      AccountConfig `yaml:"default_demo"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply defaults
	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}

	// Local store defaults
	if c.LocalStore.Dir == "" {
		c.LocalStore.Dir = "data"
	}
	if c.LocalStore.Prefix == "" {
		c.LocalStore.Prefix = "gameatica"
	}

	// SQLite defaults
	if c.SQLite.WorkDir == "" {
		c.SQLite.WorkDir = "data/sqlite"
	}
	if c.SQLite.BusyTimeout == 0 {
		c.SQLite.BusyTimeout = 5 * time.Second
	}

	// GitHub sync defaults
	if c.GitHub.Owner == "" {
		c.GitHub.Owner = "AIUNITES"
	}
	if c.GitHub.Repo == "" {
		c.GitHub.Repo = "AIUNITES-database-sync"
	}
	if c.GitHub.Path == "" {
		c.GitHub.Path = "data/app.db"
	}
	if c.GitHub.Branch == "" {
		c.GitHub.Branch = "main"
	}
	if c.GitHub.BaseURL == "" {
		c.GitHub.BaseURL = "https://api.github.com"
	}
	if c.GitHub.Timeout == 0 {
		c.GitHub.Timeout = 15 * time.Second
	}
	if c.GitHub.SyncInterval == 0 {
		c.GitHub.SyncInterval = 30 * time.Minute
	}

	// Telemetry defaults
	if c.Telemetry.Timeout == 0 {
		c.Telemetry.Timeout = 5 * time.Second
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "arcade-scores"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "arcade-consumer"
	}
	if c.Kafka.BatchSize == 0 {
		c.Kafka.BatchSize = 100
	}
	if c.Kafka.BatchTimeout == 0 {
		c.Kafka.BatchTimeout = 1 * time.Second
	}

	// Arcade defaults
	if c.Arcade.AppName == "" {
		c.Arcade.AppName = "Gameatica"
	}
	if c.Arcade.Version == "" {
		c.Arcade.Version = "2.6.0"
	}
	if c.Arcade.SiteID == "" {
		c.Arcade.SiteID = "Gameatica"
	}
	if c.Arcade.DefaultLimit == 0 {
		c.Arcade.DefaultLimit = 10
	}
	if c.Arcade.MaxLimit == 0 {
		c.Arcade.MaxLimit = 100
	}
	if c.Arcade.MaxScoresPerGame == 0 {
		c.Arcade.MaxScoresPerGame = 100
	}
	if c.Arcade.DefaultAdmin.Username == "" {
		c.Arcade.DefaultAdmin = AccountConfig{
			Username:    "admin",
			Password:    "admin123",
			DisplayName: "Admin",
			Email:       "admin@gameatica.com",
		}
	}
	if c.Arcade.DefaultDemo.Username == "" {
		c.Arcade.DefaultDemo = AccountConfig{
			Username:    "demo",
			Password:    "demo123",
			DisplayName: "Demo Player",
			Email:       "demo@gameatica.com",
		}
	}
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
