// Package config loads the hub's typed configuration document, mirroring
// the recognized options the dispatcher and engines share.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LeaseDefaults are the fallback lease bounds (seconds) applied to a
// Topic that doesn't specify its own.
type LeaseDefaults struct {
	Preferred int64 `yaml:"preferred"`
	Min       int64 `yaml:"min"`
	Max       int64 `yaml:"max"`
}

// WorkerConfig tunes the polling worker pool.
type WorkerConfig struct {
	Concurrency     int  `yaml:"concurrency"`
	RecurrSleepMs   int  `yaml:"recurrSleepMs"`
	PollingEnabled  bool `yaml:"pollingEnabled"`
}

// CommunicationConfig tunes outbound retries and claim leases.
type CommunicationConfig struct {
	RetryBackoffSeconds []int `yaml:"retryBackoffSeconds"`
	ClaimTimeoutSeconds int   `yaml:"claimTimeoutSeconds"`
}

// Config is the hub's full recognized configuration document (spec §6).
type Config struct {
	SelfBaseURL        string `yaml:"selfBaseUrl"`
	PublicHub          bool   `yaml:"publicHub"`
	StrictTopicHubLink bool   `yaml:"strictTopicHubLink"`
	StrictSecrets      bool   `yaml:"strictSecrets"`
	ProcessImmediately bool   `yaml:"processImmediately"`

	TopicLeaseDefaults LeaseDefaults        `yaml:"topicLeaseDefaults"`
	Worker             WorkerConfig         `yaml:"worker"`
	Communication      CommunicationConfig  `yaml:"communication"`

	NodeID string `yaml:"nodeId"`

	DataDir        string `yaml:"dataDir"`
	DatabaseDriver string `yaml:"databaseDriver"` // "sqlite" or "postgres"
	DatabaseDSN    string `yaml:"databaseDsn"`

	HistoryRetentionDays int    `yaml:"historyRetentionDays"`
	HousekeepingSchedule string `yaml:"housekeepingSchedule"` // cron expression

	// ContentCacheSize bounds the optional process-local topic content
	// cache (spec §4.1.3). Only exercised when the backend implements
	// cache.Notifier (Postgres); ignored otherwise.
	ContentCacheSize int `yaml:"contentCacheSize"`
}

// recognizedKeys mirrors the yaml tags above; loading rejects any
// top-level key not in this set instead of silently ignoring it.
var recognizedKeys = map[string]bool{
	"selfBaseUrl": true, "publicHub": true, "strictTopicHubLink": true,
	"strictSecrets": true, "processImmediately": true,
	"topicLeaseDefaults": true, "worker": true, "communication": true,
	"nodeId": true, "dataDir": true, "databaseDriver": true, "databaseDsn": true,
	"historyRetentionDays": true, "housekeepingSchedule": true,
	"contentCacheSize": true,
}

// Default returns a Config populated with the hub's documented defaults.
func Default() Config {
	return Config{
		PublicHub:          false,
		StrictTopicHubLink: false,
		StrictSecrets:      true,
		ProcessImmediately: true,
		TopicLeaseDefaults: LeaseDefaults{Preferred: 86400, Min: 3600, Max: 864000},
		Worker: WorkerConfig{
			Concurrency:    10,
			RecurrSleepMs:  5000,
			PollingEnabled: true,
		},
		Communication: CommunicationConfig{
			RetryBackoffSeconds: []int{60, 300, 900, 3600, 14400},
			ClaimTimeoutSeconds: 300,
		},
		DatabaseDriver:       "sqlite",
		HistoryRetentionDays: 90,
		HousekeepingSchedule: "@every 10m",
		ContentCacheSize:     1024,
	}
}

// Load reads and validates a YAML configuration document, rejecting
// unrecognized top-level keys.
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var fields map[string]yaml.Node
	if err := yaml.Unmarshal(raw, &fields); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	for key := range fields {
		if !recognizedKeys[key] {
			return Config{}, fmt.Errorf("config: unrecognized key %q in %s", key, path)
		}
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants spec §3/§6 impose on configuration.
func (c Config) Validate() error {
	if c.SelfBaseURL == "" {
		return fmt.Errorf("config: selfBaseUrl is required")
	}
	ld := c.TopicLeaseDefaults
	if !(ld.Min > 0 && ld.Min <= ld.Preferred && ld.Preferred <= ld.Max) {
		return fmt.Errorf("config: topicLeaseDefaults must satisfy 0 < min <= preferred <= max")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("config: worker.concurrency must be > 0")
	}
	if c.Communication.ClaimTimeoutSeconds <= 0 {
		return fmt.Errorf("config: communication.claimTimeoutSeconds must be > 0")
	}
	if len(c.Communication.RetryBackoffSeconds) == 0 {
		return fmt.Errorf("config: communication.retryBackoffSeconds must be non-empty")
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: databaseDriver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	return nil
}
