package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
)

// Timeout is the reasonable-time policy of one phase
type Timeout struct {
	// Limit after which the phase is reported, or failed if DieOnTimeout
	Limit time.Duration `yaml:"limit,omitempty"`

	// Warning period between "still running" warnings until Limit
	Warning time.Duration `yaml:"warning,omitempty"`

	DieOnTimeout bool `yaml:"die_on_timeout,omitempty"`
}

// Timeouts is the policy of every phase
type Timeouts struct {
	Bootstrap Timeout `yaml:"bootstrap,omitempty"`
	Mount     Timeout `yaml:"mount,omitempty"`
	Unmount   Timeout `yaml:"unmount,omitempty"`
	Unload    Timeout `yaml:"unload,omitempty"`
}

// DefaultTimeouts returns the built-in policy
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Bootstrap: Timeout{Limit: 4 * time.Second, Warning: time.Second},
		Mount:     Timeout{Limit: 3 * time.Second, Warning: time.Second},
		Unmount:   Timeout{Limit: 3 * time.Second, Warning: time.Second},
		Unload:    Timeout{Limit: 3 * time.Second, Warning: time.Second},
	}
}

// For returns the policy of phase
func (t Timeouts) For(phase Phase) Timeout {
	switch phase {
	case PhaseBootstrap:
		return t.Bootstrap
	case PhaseMount:
		return t.Mount
	case PhaseUnmount:
		return t.Unmount
	case PhaseUnload:
		return t.Unload
	default:
		return Timeout{}
	}
}

// With returns a copy with phase's policy replaced
func (t Timeouts) With(phase Phase, timeout Timeout) Timeouts {
	switch phase {
	case PhaseBootstrap:
		t.Bootstrap = timeout
	case PhaseMount:
		t.Mount = timeout
	case PhaseUnmount:
		t.Unmount = timeout
	case PhaseUnload:
		t.Unload = timeout
	}
	return t
}

// Merge overlays overrides field by field. Zero durations keep the current
// value; DieOnTimeout always comes from the override.
func (t Timeouts) Merge(overrides map[Phase]Timeout) Timeouts {
	for phase, override := range overrides {
		merged := t.For(phase)
		if override.Limit > 0 {
			merged.Limit = override.Limit
		}
		if override.Warning > 0 {
			merged.Warning = override.Warning
		}
		merged.DieOnTimeout = override.DieOnTimeout
		t = t.With(phase, merged)
	}
	return t
}

// RunWithTimeout runs op and watches it against timeout. A warning is
// logged every Warning period until Limit. At Limit the call fails with a
// timeout error if DieOnTimeout is set, otherwise an error is logged and
// the call keeps waiting for op.
func RunWithTimeout(ctx context.Context, clock clockwork.Clock, logger logging.Logger, description string, timeout Timeout, op func(ctx context.Context) error) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.NewLifecycleError(fmt.Sprintf("%s panicked: %v", description, r), nil)
			}
		}()
		done <- op(ctx)
	}()

	var warnings <-chan time.Time
	if timeout.Warning > 0 && (timeout.Limit <= 0 || timeout.Warning < timeout.Limit) {
		ticker := clock.NewTicker(timeout.Warning)
		defer ticker.Stop()
		warnings = ticker.Chan()
	}

	var limit <-chan time.Time
	if timeout.Limit > 0 {
		timer := clock.NewTimer(timeout.Limit)
		defer timer.Stop()
		limit = timer.Chan()
	}

	numWarnings := 0
	for {
		select {
		case err := <-done:
			return err
		case <-warnings:
			numWarnings++
			if timeout.Limit > 0 && time.Duration(numWarnings)*timeout.Warning >= timeout.Limit {
				warnings = nil
				continue
			}
			logger.Warnf("%s did not resolve or reject within %v", description, time.Duration(numWarnings)*timeout.Warning)
		case <-limit:
			message := fmt.Sprintf("%s did not resolve or reject for %v", description, timeout.Limit)
			if timeout.DieOnTimeout {
				return errors.NewTimeoutError(message, nil).WithContext("limit", timeout.Limit.String())
			}
			logger.Errorf("%s", message)
			limit = nil
			warnings = nil
		case <-ctx.Done():
			return errors.NewCancelledError(description+" was cancelled", ctx.Err())
		}
	}
}
