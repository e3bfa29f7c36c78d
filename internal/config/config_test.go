package config_test

import (
	"strings"
	"testing"
	"time"

	"casework/internal/config"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Messaging.MessageType != "CASE_EVENT" {
		t.Fatalf("unexpected default message type %q", cfg.Messaging.MessageType)
	}
	if cfg.Outbox.Retry.MaxAttempts != 5 {
		t.Fatalf("unexpected default max attempts %d", cfg.Outbox.Retry.MaxAttempts)
	}
	if cfg.Messaging.ClaimWindow.Std() != time.Minute {
		t.Fatalf("unexpected default claim window %v", cfg.Messaging.ClaimWindow.Std())
	}
}

func TestFromYAMLOverridesAndDurations(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
outbox:
  base_url: http://tasks.local
  poll_interval: 250ms
  retry:
    max_attempts: 2
    initial_delay: 3s
messaging:
  retention_days: 30
events:
  - case_type_id: Benefit
    id: create
    publish: true
    tasks: [initiate]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Outbox.PollInterval.Std() != 250*time.Millisecond {
		t.Fatalf("poll interval not parsed: %v", cfg.Outbox.PollInterval.Std())
	}
	if cfg.Outbox.Retry.InitialDelay.Std() != 3*time.Second || cfg.Outbox.Retry.MaxAttempts != 2 {
		t.Fatalf("retry overrides lost: %+v", cfg.Outbox.Retry)
	}
	// untouched sections keep their defaults
	if cfg.Messaging.BatchSize != 50 || cfg.Messaging.MessageType != "CASE_EVENT" {
		t.Fatalf("defaults lost under partial override: %+v", cfg.Messaging)
	}
	if len(cfg.Events) != 1 || cfg.Events[0].Tasks[0] != "initiate" {
		t.Fatalf("events not parsed: %+v", cfg.Events)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"bad duration", "outbox:\n  poll_interval: soon\n", "invalid duration"},
		{"zero batch", "outbox:\n  batch_size: 0\n", "batch_size"},
		{"multiplier below one", "outbox:\n  retry:\n    multiplier: 0.5\n", "multiplier"},
		{"negative retention", "messaging:\n  retention_days: -1\n", "retention_days"},
		{"zero claim window", "messaging:\n  claim_window: 0s\n", "claim_window"},
		{"event missing id", "events:\n  - case_type_id: Benefit\n", "case_type_id and id"},
		{"event bad action", "events:\n  - case_type_id: B\n    id: e\n    tasks: [explode]\n", "unknown task action"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error containing %q, got %v", tc.want, err)
			}
		})
	}
}
