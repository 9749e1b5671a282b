// Package config handles fleetd configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./fleetd.yaml, ~/.config/fleetd/fleetd.yaml, /etc/fleetd/fleetd.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"fleetd.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "fleetd", "fleetd.yaml"))
	}

	paths = append(paths, "/etc/fleetd/fleetd.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all fleetd configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	DataDir  string         `yaml:"data_dir" envconfig:"FLEETD_DATA_DIR"`
	LogLevel string         `yaml:"log_level" envconfig:"FLEETD_LOG_LEVEL"`
	Fleet    FleetConfig    `yaml:"fleet"`
	Model    ModelConfig    `yaml:"model"`
	Bus      BusConfig      `yaml:"bus"`
	Workflow WorkflowConfig `yaml:"workflow"`
}

// ListenConfig defines the HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address" envconfig:"FLEETD_LISTEN_ADDRESS"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port" envconfig:"FLEETD_LISTEN_PORT"`
}

// FleetConfig tunes per-agent behavior.
type FleetConfig struct {
	// DefaultTenant is loaded from configuration but not read by the
	// router; requests with no tenant marker go to fleet.DefaultTenant.
	DefaultTenant string `yaml:"default_tenant" envconfig:"FLEETD_DEFAULT_TENANT"`
	// DefaultAgentType is assigned to agents created without an explicit type.
	DefaultAgentType string `yaml:"default_agent_type" envconfig:"FLEETD_DEFAULT_AGENT_TYPE"`
	// MessageRingSize bounds the in-memory message ring per agent.
	MessageRingSize int `yaml:"message_ring_size" envconfig:"FLEETD_MESSAGE_RING_SIZE"`
	// MessageRetention is the purge age for stored messages.
	MessageRetention Duration `yaml:"message_retention" envconfig:"FLEETD_MESSAGE_RETENTION"`
	// PingInterval is how often the server pings an idle subscription.
	PingInterval Duration `yaml:"ping_interval" envconfig:"FLEETD_PING_INTERVAL"`
	// IdleMax terminates subscriptions with no traffic for this long.
	IdleMax Duration `yaml:"idle_max" envconfig:"FLEETD_IDLE_MAX"`
	// StateCacheTTL caches GET /state responses.
	StateCacheTTL Duration `yaml:"state_cache_ttl" envconfig:"FLEETD_STATE_CACHE_TTL"`
	// InventoryCacheTTL caches GET /inventory/stock responses.
	InventoryCacheTTL Duration `yaml:"inventory_cache_ttl" envconfig:"FLEETD_INVENTORY_CACHE_TTL"`
	// ApprovalAmountThreshold: reorders above this quantity need approval.
	ApprovalAmountThreshold int `yaml:"approval_amount_threshold" envconfig:"FLEETD_APPROVAL_AMOUNT_THRESHOLD"`
	// ApprovalWait bounds how long the default approver deliberates.
	ApprovalWait Duration `yaml:"approval_wait" envconfig:"FLEETD_APPROVAL_WAIT"`
}

// ModelConfig defines the optional model backend for analysis and chat.
type ModelConfig struct {
	// BaseURL of a chat-completions-style endpoint. Empty disables the
	// HTTP client; agents fall back to deterministic stub replies.
	BaseURL string `yaml:"base_url" envconfig:"FLEETD_MODEL_BASE_URL"`
	// Name of the model to request.
	Name string `yaml:"name" envconfig:"FLEETD_MODEL_NAME"`
	// Timeout per model call.
	Timeout Duration `yaml:"timeout" envconfig:"FLEETD_MODEL_TIMEOUT"`
}

// BusConfig selects the notification/audit message bus backend.
type BusConfig struct {
	// Kind is one of "none", "kafka", "mqtt".
	Kind string `yaml:"kind" envconfig:"FLEETD_BUS_KIND"`
	// Brokers for kafka (host:port list).
	Brokers []string `yaml:"brokers" envconfig:"FLEETD_BUS_BROKERS"`
	// URL for mqtt (tcp://host:1883).
	URL string `yaml:"url" envconfig:"FLEETD_BUS_URL"`
	// TopicPrefix is prepended to every published topic.
	TopicPrefix string `yaml:"topic_prefix" envconfig:"FLEETD_BUS_TOPIC_PREFIX"`
}

// WorkflowConfig tunes the in-process workflow dispatcher.
type WorkflowConfig struct {
	// QueueSize bounds pending jobs; dispatch drops when full.
	QueueSize int `yaml:"queue_size" envconfig:"FLEETD_WORKFLOW_QUEUE_SIZE"`
}

// Load reads configuration from a YAML file, then applies FLEETD_*
// environment overrides on top.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:  ListenConfig{Port: 8080},
		DataDir: "data",
		Fleet: FleetConfig{
			DefaultTenant:           "demo",
			DefaultAgentType:        "orchestrator",
			MessageRingSize:         100,
			MessageRetention:        Duration(30 * 24 * time.Hour),
			PingInterval:            Duration(10 * time.Second),
			IdleMax:                 Duration(120 * time.Second),
			StateCacheTTL:           Duration(30 * time.Second),
			InventoryCacheTTL:       Duration(60 * time.Second),
			ApprovalAmountThreshold: 1000,
			ApprovalWait:            Duration(2 * time.Second),
		},
		Model: ModelConfig{
			Timeout: Duration(30 * time.Second),
		},
		Bus: BusConfig{
			Kind: "none",
		},
		Workflow: WorkflowConfig{
			QueueSize: 64,
		},
	}
}
