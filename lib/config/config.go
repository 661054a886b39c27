// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the complete agent configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	Device   DeviceConfig   `yaml:"device"`
	Paths    PathsConfig    `yaml:"paths"`
	Sync     SyncConfig     `yaml:"sync"`
	Executor ExecutorConfig `yaml:"executor"`
	Queue    QueueConfig    `yaml:"queue"`
	Audit    AuditConfig    `yaml:"audit"`
	Tamper   TamperConfig   `yaml:"tamper"`
	Lock     LockConfig     `yaml:"lock"`
	Hooks    HooksConfig    `yaml:"hooks"`

	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides holds the per-environment sections. Only non-zero fields
// replace base values.
type Overrides struct {
	Paths *PathsConfig `yaml:"paths,omitempty"`
	Sync  *SyncConfig  `yaml:"sync,omitempty"`
}

// DeviceConfig identifies the device and its key material.
type DeviceConfig struct {
	// ID is the backend's identifier for this device.
	ID string `yaml:"id"`

	// MasterKeyFile holds the hex-encoded 32-byte device master key.
	MasterKeyFile string `yaml:"master_key_file"`

	// CommandPublicKeyFile is the backend's ECDSA P-256 command
	// signing key, PEM or DER.
	CommandPublicKeyFile string `yaml:"command_public_key_file"`

	// ArchiveRecipient is the backend's age recipient (age1...) for
	// audit archive bundles.
	ArchiveRecipient string `yaml:"archive_recipient"`
}

// PathsConfig configures file locations. Every path may reference
// ${WARDEN_ROOT}.
type PathsConfig struct {
	Root           string `yaml:"root"`
	QueueFile      string `yaml:"queue_file"`
	LockStateFile  string `yaml:"lock_state_file"`
	AuditDatabase  string `yaml:"audit_database"`
	Outbox         string `yaml:"outbox"`
	UIStateFile    string `yaml:"ui_state_file"`
	DetectorSocket string `yaml:"detector_socket"`

	// SysfsRoot is prefixed to /sys paths when probing battery level.
	// Empty means the real root.
	SysfsRoot string `yaml:"sysfs_root"`
}

// SyncConfig configures the backend link.
type SyncConfig struct {
	// Endpoint is the backend base URL; requests go to {Endpoint}/sync.
	Endpoint string `yaml:"endpoint"`

	// APIKeyFile holds the value of the X-Device-Api-Key header.
	APIKeyFile string `yaml:"api_key_file"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	FullInterval      time.Duration `yaml:"full_interval"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffCeiling    time.Duration `yaml:"backoff_ceiling"`
}

// ExecutorConfig configures the command executor loop.
type ExecutorConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	PortTimeout      time.Duration `yaml:"port_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	EnforcementRetry time.Duration `yaml:"enforcement_retry"`
}

// QueueConfig bounds the command queue.
type QueueConfig struct {
	Capacity     int `yaml:"capacity"`
	HistoryLimit int `yaml:"history_limit"`
}

// AuditConfig bounds the audit log and sets the checkpoint cadence.
type AuditConfig struct {
	Capacity           int           `yaml:"capacity"`
	CheckpointEvery    int           `yaml:"checkpoint_every"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

// TamperConfig configures signal aggregation.
type TamperConfig struct {
	// PolicyFile is an optional JSONC severity policy.
	PolicyFile      string        `yaml:"policy_file"`
	FreshnessWindow time.Duration `yaml:"freshness_window"`

	// AttemptThreshold is the number of attempt reports inside the
	// freshness window that escalates to Critical. Zero disables it.
	AttemptThreshold int `yaml:"attempt_threshold"`
}

// LockConfig configures lock state policy.
type LockConfig struct {
	// SoftEscalateAfter escalates a soft lock to hard once it has been
	// active this long. Zero disables escalation.
	SoftEscalateAfter time.Duration `yaml:"soft_escalate_after"`
}

// HooksConfig names the platform commands that perform enforcement.
// Each is an argv; the agent appends action arguments.
type HooksConfig struct {
	Lock          []string `yaml:"lock"`
	Unlock        []string `yaml:"unlock"`
	Wipe          []string `yaml:"wipe"`
	Reboot        []string `yaml:"reboot"`
	InstallUpdate []string `yaml:"install_update"`
}

// Default returns the configuration used as the base before the file
// is applied.
func Default() *Config {
	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:           "/var/lib/warden",
			QueueFile:      "${WARDEN_ROOT}/queue.bin",
			LockStateFile:  "${WARDEN_ROOT}/lockstate.bin",
			AuditDatabase:  "${WARDEN_ROOT}/audit.db",
			Outbox:         "${WARDEN_ROOT}/outbox",
			UIStateFile:    "${WARDEN_ROOT}/ui-state.json",
			DetectorSocket: "/run/warden/detector.sock",
		},
		Sync: SyncConfig{
			HeartbeatInterval: 60 * time.Second,
			FullInterval:      15 * time.Minute,
			CallTimeout:       10 * time.Second,
			BackoffBase:       5 * time.Second,
			BackoffCeiling:    time.Hour,
		},
		Executor: ExecutorConfig{
			PollInterval:     5 * time.Second,
			PortTimeout:      30 * time.Second,
			MaxRetries:       3,
			RetryBaseDelay:   5 * time.Second,
			EnforcementRetry: 2 * time.Second,
		},
		Queue: QueueConfig{
			Capacity:     1000,
			HistoryLimit: 500,
		},
		Audit: AuditConfig{
			Capacity:           10000,
			CheckpointEvery:    1000,
			CheckpointInterval: time.Hour,
		},
		Tamper: TamperConfig{
			FreshnessWindow:  10 * time.Minute,
			AttemptThreshold: 3,
		},
	}
}

// Load loads the file named by WARDEN_CONFIG.
func Load() (*Config, error) {
	configPath := os.Getenv("WARDEN_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("WARDEN_CONFIG environment variable not set; " +
			"set it to the path of your warden.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path on top of [Default], applies
// the matching environment section, and expands path variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if paths := overrides.Paths; paths != nil {
		overrideString(&c.Paths.Root, paths.Root)
		overrideString(&c.Paths.QueueFile, paths.QueueFile)
		overrideString(&c.Paths.LockStateFile, paths.LockStateFile)
		overrideString(&c.Paths.AuditDatabase, paths.AuditDatabase)
		overrideString(&c.Paths.Outbox, paths.Outbox)
		overrideString(&c.Paths.UIStateFile, paths.UIStateFile)
		overrideString(&c.Paths.DetectorSocket, paths.DetectorSocket)
		overrideString(&c.Paths.SysfsRoot, paths.SysfsRoot)
	}

	if sync := overrides.Sync; sync != nil {
		overrideString(&c.Sync.Endpoint, sync.Endpoint)
		overrideString(&c.Sync.APIKeyFile, sync.APIKeyFile)
		overrideDuration(&c.Sync.HeartbeatInterval, sync.HeartbeatInterval)
		overrideDuration(&c.Sync.FullInterval, sync.FullInterval)
		overrideDuration(&c.Sync.CallTimeout, sync.CallTimeout)
		overrideDuration(&c.Sync.BackoffBase, sync.BackoffBase)
		overrideDuration(&c.Sync.BackoffCeiling, sync.BackoffCeiling)
	}
}

func overrideString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

func overrideDuration(target *time.Duration, value time.Duration) {
	if value != 0 {
		*target = value
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"WARDEN_ROOT": c.Paths.Root,
		"HOME":        os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["WARDEN_ROOT"] = c.Paths.Root

	for _, field := range []*string{
		&c.Paths.QueueFile,
		&c.Paths.LockStateFile,
		&c.Paths.AuditDatabase,
		&c.Paths.Outbox,
		&c.Paths.UIStateFile,
		&c.Paths.DetectorSocket,
		&c.Paths.SysfsRoot,
		&c.Device.MasterKeyFile,
		&c.Device.CommandPublicKeyFile,
		&c.Sync.APIKeyFile,
		&c.Tamper.PolicyFile,
	} {
		*field = expandVars(*field, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}. Provided vars take
// precedence over the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration the agent needs to start. All
// problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Device.ID == "" {
		errs = append(errs, fmt.Errorf("device.id is required"))
	}
	if c.Device.MasterKeyFile == "" {
		errs = append(errs, fmt.Errorf("device.master_key_file is required"))
	}
	if c.Device.CommandPublicKeyFile == "" {
		errs = append(errs, fmt.Errorf("device.command_public_key_file is required"))
	}

	for name, path := range map[string]string{
		"paths.queue_file":      c.Paths.QueueFile,
		"paths.lock_state_file": c.Paths.LockStateFile,
		"paths.audit_database":  c.Paths.AuditDatabase,
		"paths.outbox":          c.Paths.Outbox,
	} {
		if path == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}

	if c.Sync.Endpoint == "" {
		errs = append(errs, fmt.Errorf("sync.endpoint is required"))
	} else if endpoint, err := url.Parse(c.Sync.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("sync.endpoint: %w", err))
	} else if c.Environment == Production && endpoint.Scheme != "https" {
		errs = append(errs, fmt.Errorf("sync.endpoint must use https in production, got %q", endpoint.Scheme))
	}

	positive := []struct {
		name  string
		value time.Duration
	}{
		{"sync.heartbeat_interval", c.Sync.HeartbeatInterval},
		{"sync.call_timeout", c.Sync.CallTimeout},
		{"sync.backoff_base", c.Sync.BackoffBase},
		{"executor.poll_interval", c.Executor.PollInterval},
		{"executor.port_timeout", c.Executor.PortTimeout},
		{"executor.retry_base_delay", c.Executor.RetryBaseDelay},
		{"executor.enforcement_retry", c.Executor.EnforcementRetry},
		{"tamper.freshness_window", c.Tamper.FreshnessWindow},
	}
	for _, field := range positive {
		if field.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", field.name, field.value))
		}
	}
	if c.Sync.FullInterval <= c.Sync.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("sync.full_interval (%s) must exceed sync.heartbeat_interval (%s)",
			c.Sync.FullInterval, c.Sync.HeartbeatInterval))
	}
	if c.Sync.BackoffCeiling < c.Sync.BackoffBase {
		errs = append(errs, fmt.Errorf("sync.backoff_ceiling must not be below sync.backoff_base"))
	}
	if c.Lock.SoftEscalateAfter < 0 {
		errs = append(errs, fmt.Errorf("lock.soft_escalate_after must not be negative"))
	}

	if c.Executor.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("executor.max_retries must be at least 1"))
	}
	if c.Queue.Capacity < 1 || c.Queue.HistoryLimit < 1 {
		errs = append(errs, fmt.Errorf("queue.capacity and queue.history_limit must be at least 1"))
	}
	if c.Audit.CheckpointEvery < 1 {
		errs = append(errs, fmt.Errorf("audit.checkpoint_every must be at least 1"))
	}
	if c.Audit.Capacity < c.Audit.CheckpointEvery {
		errs = append(errs, fmt.Errorf("audit.capacity (%d) must be at least audit.checkpoint_every (%d)",
			c.Audit.Capacity, c.Audit.CheckpointEvery))
	}
	if c.Tamper.AttemptThreshold < 0 {
		errs = append(errs, fmt.Errorf("tamper.attempt_threshold must not be negative (0 disables)"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the state root, the outbox, and the parent
// directories of every state file.
func (c *Config) EnsurePaths() error {
	directories := []string{
		c.Paths.Root,
		c.Paths.Outbox,
		filepath.Dir(c.Paths.QueueFile),
		filepath.Dir(c.Paths.LockStateFile),
		filepath.Dir(c.Paths.AuditDatabase),
	}
	if c.Paths.UIStateFile != "" {
		directories = append(directories, filepath.Dir(c.Paths.UIStateFile))
	}
	for _, directory := range directories {
		if directory == "" || directory == "." {
			continue
		}
		if err := os.MkdirAll(directory, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", directory, err)
		}
	}
	return nil
}
