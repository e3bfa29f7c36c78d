package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a yaml-friendly time.Duration ("1s", "500ms", "1h").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config models casework.yml. Every tunable a background worker needs is set
// here once, at construction; components never read ambient globals.
type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Messaging MessagingConfig `yaml:"messaging"`
	Events    []EventSpec     `yaml:"events"`
}

// EventSpec declares one event type handled by the standalone binary. Events
// declared here apply the submitted data as-is; embedding programs register
// richer handlers in code.
type EventSpec struct {
	CaseTypeID string   `yaml:"case_type_id"`
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	Publish    bool     `yaml:"publish"`
	PostStates []string `yaml:"post_states"`
	// Tasks lists outbox actions enqueued when the event commits:
	// initiate, complete, cancel or reconfigure.
	Tasks []string `yaml:"tasks"`
}

// OutboxConfig drives the task outbox poller.
type OutboxConfig struct {
	BaseURL           string      `yaml:"base_url"`
	PollInterval      Duration    `yaml:"poll_interval"`
	BatchSize         int         `yaml:"batch_size"`
	ProcessingTimeout Duration    `yaml:"processing_timeout"`
	Retry             RetryConfig `yaml:"retry"`
}

// RetryConfig is the exponential backoff policy for failed outbox rows.
type RetryConfig struct {
	MaxAttempts  int      `yaml:"max_attempts"`
	InitialDelay Duration `yaml:"initial_delay"`
	Multiplier   float64  `yaml:"multiplier"`
	MaxDelay     Duration `yaml:"max_delay"`
}

// MessagingConfig drives the case event publisher.
type MessagingConfig struct {
	Destination   string   `yaml:"destination"`
	MessageType   string   `yaml:"message_type"`
	BatchSize     int      `yaml:"batch_size"`
	Interval      Duration `yaml:"interval"`
	ClaimWindow   Duration `yaml:"claim_window"`
	RetentionDays int      `yaml:"retention_days"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("config.outbox.batch_size must be positive")
	}
	if c.Outbox.PollInterval <= 0 {
		return fmt.Errorf("config.outbox.poll_interval must be positive")
	}
	if c.Outbox.ProcessingTimeout <= 0 {
		return fmt.Errorf("config.outbox.processing_timeout must be positive")
	}
	if c.Outbox.Retry.MaxAttempts < 0 {
		return fmt.Errorf("config.outbox.retry.max_attempts must not be negative")
	}
	if c.Outbox.Retry.InitialDelay <= 0 {
		return fmt.Errorf("config.outbox.retry.initial_delay must be positive")
	}
	if c.Outbox.Retry.Multiplier < 1 {
		return fmt.Errorf("config.outbox.retry.multiplier must be at least 1")
	}
	if c.Messaging.BatchSize <= 0 {
		return fmt.Errorf("config.messaging.batch_size must be positive")
	}
	if c.Messaging.MessageType == "" {
		return fmt.Errorf("config.messaging.message_type is required")
	}
	if c.Messaging.Interval <= 0 {
		return fmt.Errorf("config.messaging.interval must be positive")
	}
	if c.Messaging.ClaimWindow <= 0 {
		return fmt.Errorf("config.messaging.claim_window must be positive")
	}
	if c.Messaging.RetentionDays < 0 {
		return fmt.Errorf("config.messaging.retention_days must not be negative")
	}
	for i, ev := range c.Events {
		if ev.CaseTypeID == "" || ev.ID == "" {
			return fmt.Errorf("config.events[%d] requires case_type_id and id", i)
		}
		for _, action := range ev.Tasks {
			switch action {
			case "initiate", "complete", "cancel", "reconfigure":
			default:
				return fmt.Errorf("config.events[%d]: unknown task action %q", i, action)
			}
		}
	}
	return nil
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Omitted sections
// fall back to defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// DefaultYAML returns the default config file content.
func DefaultYAML() string { return defaultTemplate }

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: ":8420"

outbox:
  base_url: ""
  poll_interval: 1s
  batch_size: 10
  processing_timeout: 5m
  retry:
    max_attempts: 5
    initial_delay: 1s
    multiplier: 2.0
    max_delay: 1h

messaging:
  destination: ""
  message_type: CASE_EVENT
  batch_size: 50
  interval: 5s
  claim_window: 1m
  retention_days: 7
`
