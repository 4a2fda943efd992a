// Package config reads the orchestrator's YAML configuration: orchestrator
// options, the control and admin endpoints, logging, and declared units.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/lifecycle"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/registry"
)

// Defaults
const (
	DefaultControlPort  = 50055
	DefaultAdminAddress = "127.0.0.1:8080"
	DefaultInitialHref  = "http://localhost/"
	DefaultLogLevel     = "info"
)

// Config represents the top-level configuration file structure
type Config struct {
	Orchestrator OrchestratorOptions `yaml:"orchestrator"`
	Control      ControlOptions      `yaml:"control"`
	Admin        AdminOptions        `yaml:"admin"`
	Logging      *logging.ZapConfig  `yaml:"logging,omitempty"`
	Units        []UnitConfig        `yaml:"units"`
}

// OrchestratorOptions represents orchestrator-level configuration
type OrchestratorOptions struct {
	LogLevel       string             `yaml:"log_level,omitempty"`
	StartOnLoad    *bool              `yaml:"start_on_load,omitempty"`
	InitialHref    string             `yaml:"initial_href,omitempty"`
	LoadRetryDelay time.Duration      `yaml:"load_retry_delay,omitempty"`
	Timeouts       lifecycle.Timeouts `yaml:"timeouts,omitempty"`
}

// ControlOptions configures the gRPC control service
type ControlOptions struct {
	Port int `yaml:"port"`
}

// AdminOptions configures the admin HTTP endpoint
type AdminOptions struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Address string `yaml:"address,omitempty"`
}

// UnitConfig declares one unit
type UnitConfig struct {
	Name        string                 `yaml:"name"`
	Enabled     *bool                  `yaml:"enabled,omitempty"` // Pointer to distinguish unset from false
	ActiveWhen  []string               `yaml:"active_when"`
	CustomProps map[string]interface{} `yaml:"custom_props,omitempty"`
	Timeouts    *lifecycle.Timeouts    `yaml:"timeouts,omitempty"`
	Lifecycle   UnitLifecycleConfig    `yaml:"lifecycle,omitempty"`
}

// UnitLifecycleConfig shapes the behavior of a declared unit
type UnitLifecycleConfig struct {
	// LoadDelay is how long loading takes
	LoadDelay time.Duration `yaml:"load_delay,omitempty"`

	// Delay is how long each lifecycle phase takes
	Delay time.Duration `yaml:"delay,omitempty"`

	// FailPhase names a phase that always fails: load, bootstrap, mount, unmount or unload
	FailPhase string `yaml:"fail_phase,omitempty"`
}

// IsEnabled reports whether the unit should be registered
func (u UnitConfig) IsEnabled() bool {
	return u.Enabled == nil || *u.Enabled
}

// ShouldStartOnLoad reports whether the orchestrator starts right after units are registered
func (o OrchestratorOptions) ShouldStartOnLoad() bool {
	return o.StartOnLoad == nil || *o.StartOnLoad
}

// IsEnabled reports whether the admin endpoint is served
func (a AdminOptions) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// LoadConfigFromFile loads configuration from a YAML file and applies defaults
func LoadConfigFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	config, err := Parse(data)
	if err != nil {
		return nil, errors.NewValidationError("failed to load configuration", err).WithContext("filename", filename)
	}
	return config, nil
}

// Parse decodes YAML configuration and applies defaults
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err)
	}

	setConfigDefaults(&config)
	return &config, nil
}

// Default returns a configuration with every default applied and no units
func Default() *Config {
	var config Config
	setConfigDefaults(&config)
	return &config
}

// setConfigDefaults applies default values to configuration
func setConfigDefaults(config *Config) {
	if config.Orchestrator.LogLevel == "" {
		config.Orchestrator.LogLevel = DefaultLogLevel
	}
	if config.Orchestrator.InitialHref == "" {
		config.Orchestrator.InitialHref = DefaultInitialHref
	}
	if config.Orchestrator.LoadRetryDelay == 0 {
		config.Orchestrator.LoadRetryDelay = registry.DefaultLoadRetryDelay
	}
	config.Orchestrator.Timeouts = withDefaultTimeouts(config.Orchestrator.Timeouts)

	if config.Control.Port == 0 {
		config.Control.Port = DefaultControlPort
	}
	if config.Admin.Address == "" {
		config.Admin.Address = DefaultAdminAddress
	}

	if config.Logging == nil {
		zapConfig := logging.DefaultZapConfig()
		config.Logging = &zapConfig
	}
	if config.Logging.Level == "" {
		config.Logging.Level = config.Orchestrator.LogLevel
	}

	for i := range config.Units {
		unit := &config.Units[i]

		// Default enabled to true if not specified
		if unit.Enabled == nil {
			enabled := true
			unit.Enabled = &enabled
		}
	}
}

func withDefaultTimeouts(timeouts lifecycle.Timeouts) lifecycle.Timeouts {
	defaults := lifecycle.DefaultTimeouts()
	for _, phase := range []lifecycle.Phase{lifecycle.PhaseBootstrap, lifecycle.PhaseMount, lifecycle.PhaseUnmount, lifecycle.PhaseUnload} {
		timeout := timeouts.For(phase)
		if timeout.Limit == 0 {
			timeout.Limit = defaults.For(phase).Limit
		}
		if timeout.Warning == 0 {
			timeout.Warning = defaults.For(phase).Warning
		}
		timeouts = timeouts.With(phase, timeout)
	}
	return timeouts
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := validateOrchestratorOptions(&config.Orchestrator); err != nil {
		return errors.NewValidationError("invalid orchestrator configuration", err)
	}

	if err := ValidatePort(config.Control.Port); err != nil {
		return errors.NewValidationError("invalid control configuration", err)
	}

	if config.Admin.IsEnabled() {
		if err := ValidateNetworkAddress(config.Admin.Address); err != nil {
			return errors.NewValidationError("invalid admin configuration", err)
		}
	}

	if err := validateUnitsConfig(config.Units); err != nil {
		return errors.NewValidationError("invalid units configuration", err)
	}

	return nil
}

func validateOrchestratorOptions(options *OrchestratorOptions) error {
	if err := ValidateLogLevel(options.LogLevel); err != nil {
		return err
	}
	if options.LoadRetryDelay < 0 {
		return errors.NewValidationError("load retry delay cannot be negative", nil)
	}
	if err := ValidateTimeouts(options.Timeouts); err != nil {
		return err
	}
	return nil
}

func validateUnitsConfig(units []UnitConfig) error {
	if len(units) == 0 {
		return nil // Allow empty units list
	}

	seenNames := make(map[string]int)
	for i, unit := range units {
		if err := ValidateUnitName(unit.Name); err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("invalid unit name at index %d", i),
				err,
			).WithContext("unit", unit.Name)
		}

		if prevIndex, exists := seenNames[unit.Name]; exists {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate unit name '%s' found at indices %d and %d", unit.Name, prevIndex, i),
				nil,
			)
		}
		seenNames[unit.Name] = i

		if len(unit.ActiveWhen) == 0 {
			return errors.NewValidationError(
				fmt.Sprintf("unit at index %d has no active_when paths", i),
				nil,
			).WithContext("unit", unit.Name)
		}
		for _, path := range unit.ActiveWhen {
			if path == "" {
				return errors.NewValidationError(
					fmt.Sprintf("unit at index %d has an empty active_when path", i),
					nil,
				).WithContext("unit", unit.Name)
			}
		}

		if unit.Timeouts != nil {
			if err := ValidateTimeouts(*unit.Timeouts); err != nil {
				return errors.NewValidationError(
					fmt.Sprintf("invalid timeouts for unit at index %d", i),
					err,
				).WithContext("unit", unit.Name)
			}
		}

		if err := validateFailPhase(unit.Lifecycle.FailPhase); err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("invalid lifecycle for unit at index %d", i),
				err,
			).WithContext("unit", unit.Name)
		}
	}

	return nil
}

func validateFailPhase(phase string) error {
	switch phase {
	case "", PhaseLoad,
		string(lifecycle.PhaseBootstrap),
		string(lifecycle.PhaseMount),
		string(lifecycle.PhaseUnmount),
		string(lifecycle.PhaseUnload):
		return nil
	default:
		return errors.NewValidationError(
			fmt.Sprintf("unsupported fail phase: %s", phase),
			nil,
		).WithContext("supported_phases", "load, bootstrap, mount, unmount, unload")
	}
}
