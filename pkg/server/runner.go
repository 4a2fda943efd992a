package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	corelogging "github.com/core-tools/hsu-core/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/core-tools/hsu-orchestrator/pkg/config"
	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/metrics"
	"github.com/core-tools/hsu-orchestrator/pkg/orchestrator"
	"github.com/core-tools/hsu-orchestrator/pkg/registry"
)

// Setup builds an orchestrator from configuration and registers its
// declared units
func Setup(cfg *config.Config, reg *prometheus.Registry, logger logging.Logger) (*orchestrator.Orchestrator, error) {
	options := orchestrator.Options{
		Logger:         logger,
		LoadRetryDelay: cfg.Orchestrator.LoadRetryDelay,
		Timeouts:       cfg.Orchestrator.Timeouts,
		InitialHref:    cfg.Orchestrator.InitialHref,
	}
	if reg != nil {
		options.Metrics = metrics.NewOrchestratorMetrics(reg)
	}

	o, err := orchestrator.New(options)
	if err != nil {
		return nil, errors.NewInternalError("failed to create orchestrator", err)
	}

	o.AddErrorHandler(func(err *registry.UnitError) {
		logger.Errorf("%v", err)
	})

	specs, err := config.CreateUnitSpecsFromConfig(cfg, logger)
	if err != nil {
		o.Close()
		return nil, errors.NewValidationError("failed to create units from configuration", err)
	}
	for _, spec := range specs {
		if err := o.Register(spec); err != nil {
			o.Close()
			return nil, errors.NewValidationError(
				fmt.Sprintf("failed to register unit: %s", spec.Name),
				err,
			).WithContext("unit", spec.Name)
		}
		logger.Infof("Registered unit: %s", spec.Name)
	}

	return o, nil
}

// Run serves cfg until a signal arrives or runDuration seconds pass
func Run(runDuration int, cfg *config.Config, coreLogger corelogging.Logger, logger logging.Logger) error {
	logger.Infof("Orchestrator runner starting...")

	ctx := context.Background()
	if runDuration > 0 {
		duration := time.Duration(runDuration) * time.Second
		logger.Infof("Using RUN DURATION of %v", duration)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	if err := config.ValidateConfig(cfg); err != nil {
		return errors.NewValidationError("configuration validation failed", err)
	}

	reg := metrics.NewRegistry()
	o, err := Setup(cfg, reg, logger)
	if err != nil {
		return err
	}

	serverOptions := Options{
		Port:         cfg.Control.Port,
		AdminEnabled: cfg.Admin.IsEnabled(),
		AdminAddress: cfg.Admin.Address,
	}
	s, err := New(serverOptions, o, reg, coreLogger, logger)
	if err != nil {
		o.Close()
		return errors.NewInternalError("failed to create server", err)
	}

	s.Start(ctx)

	logger.Infof("Enabling signal handling...")

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}

	if cfg.Orchestrator.ShouldStartOnLoad() {
		go func() {
			active, err := o.Start(ctx)
			if err != nil {
				logger.Errorf("Failed to start orchestrator: %v", err)
				return
			}
			logger.Infof("Orchestrator started, active units: %v", active)
		}()
	} else {
		logger.Infof("Orchestrator waits for an explicit start, POST /start on the admin endpoint")
	}

	select {
	case receivedSignal := <-sig:
		logger.Infof("Orchestrator runner received signal: %v", receivedSignal)
	case <-ctx.Done():
		logger.Infof("Orchestrator runner timed out")
	}

	// Reset context to background to enable graceful shutdown
	s.Stop(context.Background())

	logger.Infof("Orchestrator runner stopped")
	return nil
}

// ValidateConfigFile validates a configuration file without running it
func ValidateConfigFile(configFile string) (*config.Config, error) {
	cfg, err := config.LoadConfigFromFile(configFile)
	if err != nil {
		return nil, errors.NewIOError("failed to load configuration", err).WithContext("config_file", configFile)
	}

	if err := config.ValidateConfig(cfg); err != nil {
		return nil, errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}

	return cfg, nil
}

// ConfigSummary provides a high-level overview of configuration
type ConfigSummary struct {
	ControlPort  int           `json:"control_port"`
	AdminAddress string        `json:"admin_address,omitempty"`
	LogLevel     string        `json:"log_level"`
	StartOnLoad  bool          `json:"start_on_load"`
	TotalUnits   int           `json:"total_units"`
	EnabledUnits int           `json:"enabled_units"`
	Units        []UnitSummary `json:"units"`
	Error        string        `json:"error,omitempty"`
}

// UnitSummary provides a summary of a declared unit
type UnitSummary struct {
	Name       string   `json:"name"`
	Enabled    bool     `json:"enabled"`
	ActiveWhen []string `json:"active_when"`
	FailPhase  string   `json:"fail_phase,omitempty"`
}

// GetConfigSummary returns a human-readable summary of the configuration
func GetConfigSummary(cfg *config.Config) ConfigSummary {
	if cfg == nil {
		return ConfigSummary{Error: "configuration is nil"}
	}

	summary := ConfigSummary{
		ControlPort: cfg.Control.Port,
		LogLevel:    cfg.Orchestrator.LogLevel,
		StartOnLoad: cfg.Orchestrator.ShouldStartOnLoad(),
		Units:       make([]UnitSummary, 0, len(cfg.Units)),
	}
	if cfg.Admin.IsEnabled() {
		summary.AdminAddress = cfg.Admin.Address
	}

	for _, unit := range cfg.Units {
		summary.Units = append(summary.Units, UnitSummary{
			Name:       unit.Name,
			Enabled:    unit.IsEnabled(),
			ActiveWhen: unit.ActiveWhen,
			FailPhase:  unit.Lifecycle.FailPhase,
		})
		if unit.IsEnabled() {
			summary.EnabledUnits++
		}
	}
	summary.TotalUnits = len(summary.Units)

	return summary
}
