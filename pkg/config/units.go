package config

import (
	"context"
	"fmt"
	"time"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/lifecycle"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/registry"
)

// PhaseLoad names loading in UnitLifecycleConfig.FailPhase
const PhaseLoad = "load"

// CreateUnitSpecsFromConfig builds registrations for the enabled declared
// units. Their lifecycle functions log, wait the configured delay, and
// fail in the configured phase.
func CreateUnitSpecsFromConfig(config *Config, logger logging.Logger) ([]registry.UnitSpec, error) {
	if config == nil {
		return nil, errors.NewValidationError("configuration cannot be nil", nil)
	}

	var specs []registry.UnitSpec
	for _, unitConfig := range config.Units {
		// Skip disabled units (only skip if explicitly set to false)
		if !unitConfig.IsEnabled() {
			logger.Infof("Skipping disabled unit, name: %s", unitConfig.Name)
			continue
		}
		specs = append(specs, createUnitSpec(unitConfig, logging.NewUnitLogger(logger, unitConfig.Name)))
	}
	return specs, nil
}

func createUnitSpec(config UnitConfig, logger logging.Logger) registry.UnitSpec {
	activeWhen := make([]string, len(config.ActiveWhen))
	copy(activeWhen, config.ActiveWhen)

	var customProps interface{}
	if len(config.CustomProps) > 0 {
		customProps = config.CustomProps
	}

	return registry.UnitSpec{
		Name:        config.Name,
		ActiveWhen:  activeWhen,
		CustomProps: customProps,
		Load: lifecycle.LoadAsync(func(ctx context.Context, props lifecycle.Props) (*lifecycle.Exports, error) {
			logger.Debugf("Loading")
			if err := sleep(ctx, config.Lifecycle.LoadDelay); err != nil {
				return nil, err
			}
			if config.Lifecycle.FailPhase == PhaseLoad {
				return nil, fmt.Errorf("configured to fail loading")
			}
			return createExports(config, logger), nil
		}),
	}
}

func createExports(config UnitConfig, logger logging.Logger) *lifecycle.Exports {
	phase := func(phase lifecycle.Phase) lifecycle.Capability {
		return lifecycle.Single(lifecycle.Async(func(ctx context.Context, props lifecycle.Props) error {
			if err := sleep(ctx, config.Lifecycle.Delay); err != nil {
				return err
			}
			if config.Lifecycle.FailPhase == string(phase) {
				return fmt.Errorf("configured to fail %s", phase)
			}
			logger.Infof("Lifecycle phase done, phase: %s, props: %v", phase, props.CustomProps)
			return nil
		}))
	}

	exports := &lifecycle.Exports{
		Bootstrap: phase(lifecycle.PhaseBootstrap),
		Mount:     phase(lifecycle.PhaseMount),
		Unmount:   phase(lifecycle.PhaseUnmount),
		Unload:    phase(lifecycle.PhaseUnload),
	}

	if config.Timeouts != nil {
		exports.Timeouts = map[lifecycle.Phase]lifecycle.Timeout{}
		for _, p := range []lifecycle.Phase{lifecycle.PhaseBootstrap, lifecycle.PhaseMount, lifecycle.PhaseUnmount, lifecycle.PhaseUnload} {
			if timeout := config.Timeouts.For(p); timeout != (lifecycle.Timeout{}) {
				exports.Timeouts[p] = timeout
			}
		}
	}
	return exports
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
