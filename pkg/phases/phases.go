// Package phases runs the bootstrap, mount, unmount and unload phases of a
// unit. Each driver claims the unit with a compare-and-set on its status, so
// a phase never runs twice at once for one unit, and a unit in the wrong
// status is left untouched.
//
// Failures of the unit's own functions are isolated: the unit is marked
// SKIP_BECAUSE_BROKEN, the error handlers are told, and the driver returns
// nil so sibling units keep going.
package phases

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/events"
	"github.com/core-tools/hsu-orchestrator/pkg/lifecycle"
	"github.com/core-tools/hsu-orchestrator/pkg/registry"
)

// Emitter publishes notifications
type Emitter interface {
	Emit(eventType string, data interface{}, extensions map[string]interface{})
}

type Driver struct {
	registry *registry.Registry
	emitter  Emitter

	beforeFirstMountFired atomic.Bool
	firstMountFired       atomic.Bool
}

func NewDriver(reg *registry.Registry, emitter Emitter) *Driver {
	return &Driver{
		registry: reg,
		emitter:  emitter,
	}
}

// Bootstrap runs NOT_BOOTSTRAPPED -> BOOTSTRAPPING -> NOT_MOUNTED
func (d *Driver) Bootstrap(ctx context.Context, unit *registry.Unit) error {
	if !d.claim(unit, lifecycle.StatusNotBootstrapped, lifecycle.StatusBootstrapping, "bootstrap") {
		return nil
	}

	if err := d.run(ctx, unit, lifecycle.PhaseBootstrap); err != nil {
		d.registry.Fail(unit, lifecycle.StatusBootstrapping, lifecycle.StatusSkipBecauseBroken, "bootstrap", err)
		return nil
	}

	return unit.State().TransitionFrom(lifecycle.StatusBootstrapping, lifecycle.StatusNotMounted, "bootstrap", nil)
}

// Mount runs NOT_MOUNTED -> MOUNTING -> MOUNTED. When the unit's mount
// fails it is treated as mounted, unmounted, then broken.
func (d *Driver) Mount(ctx context.Context, unit *registry.Unit) error {
	if !d.claim(unit, lifecycle.StatusNotMounted, lifecycle.StatusMounting, "mount") {
		return nil
	}

	if d.beforeFirstMountFired.CompareAndSwap(false, true) {
		d.emit(events.BeforeFirstMount)
	}

	if err := d.run(ctx, unit, lifecycle.PhaseMount); err != nil {
		if tErr := unit.State().TransitionFrom(lifecycle.StatusMounting, lifecycle.StatusMounted, "mount", err); tErr != nil {
			return tErr
		}
		if unmountErr := d.unmount(ctx, unit, true); unmountErr != nil {
			unit.Logger().Errorf("Unmount after failed mount also failed: %v", unmountErr)
		}
		d.registry.Fail(unit, unit.Status(), lifecycle.StatusSkipBecauseBroken, "mount", err)
		return nil
	}

	if err := unit.State().TransitionFrom(lifecycle.StatusMounting, lifecycle.StatusMounted, "mount", nil); err != nil {
		return err
	}

	if d.firstMountFired.CompareAndSwap(false, true) {
		d.emit(events.FirstMount)
	}
	return nil
}

// Unmount runs MOUNTED -> UNMOUNTING -> NOT_MOUNTED
func (d *Driver) Unmount(ctx context.Context, unit *registry.Unit) error {
	return d.unmount(ctx, unit, false)
}

// unmount with hardFail returns the unit's error instead of reporting it;
// the unit is broken either way.
func (d *Driver) unmount(ctx context.Context, unit *registry.Unit, hardFail bool) error {
	if !d.claim(unit, lifecycle.StatusMounted, lifecycle.StatusUnmounting, "unmount") {
		return nil
	}

	if err := d.run(ctx, unit, lifecycle.PhaseUnmount); err != nil {
		if hardFail {
			_ = unit.State().TransitionFrom(lifecycle.StatusUnmounting, lifecycle.StatusSkipBecauseBroken, "unmount", err)
			return err
		}
		d.registry.Fail(unit, lifecycle.StatusUnmounting, lifecycle.StatusSkipBecauseBroken, "unmount", err)
		return nil
	}

	return unit.State().TransitionFrom(lifecycle.StatusUnmounting, lifecycle.StatusNotMounted, "unmount", nil)
}

// Unload runs NOT_MOUNTED, NOT_BOOTSTRAPPED or LOAD_ERROR -> UNLOADING ->
// NOT_LOADED and discards the unit's operations. The unload capability is
// skipped for LOAD_ERROR. claimed is false when the unit was not in an
// unloadable status; err is the unit's failure, already reported.
func (d *Driver) Unload(ctx context.Context, unit *registry.Unit) (claimed bool, err error) {
	from := unit.Status()
	switch from {
	case lifecycle.StatusNotMounted, lifecycle.StatusNotBootstrapped, lifecycle.StatusLoadError:
	default:
		return false, nil
	}
	if !d.claim(unit, from, lifecycle.StatusUnloading, "unload") {
		return false, nil
	}

	var runErr error
	if from != lifecycle.StatusLoadError {
		runErr = d.run(ctx, unit, lifecycle.PhaseUnload)
	}
	unit.Discard()

	if runErr != nil {
		d.registry.Fail(unit, lifecycle.StatusUnloading, lifecycle.StatusSkipBecauseBroken, "unload", runErr)
		return true, runErr
	}

	return true, unit.State().TransitionFrom(lifecycle.StatusUnloading, lifecycle.StatusNotLoaded, "unload", nil)
}

func (d *Driver) claim(unit *registry.Unit, from, to lifecycle.Status, operation string) bool {
	return unit.State().TransitionFrom(from, to, operation, nil) == nil
}

func (d *Driver) run(ctx context.Context, unit *registry.Unit, phase lifecycle.Phase) error {
	lc := unit.Lifecycle()
	if lc == nil {
		return errors.NewInternalError(fmt.Sprintf("unit %s has no %s operation loaded", unit.Name(), phase), nil)
	}

	op := lc.Operation(phase)
	props := d.registry.Props(unit)
	description := fmt.Sprintf("lifecycle function %s for unit %s", phase, unit.Name())

	err := lifecycle.RunWithTimeout(ctx, d.registry.Clock(), unit.Logger(), description, unit.Timeouts().For(phase),
		func(ctx context.Context) error {
			return op(ctx, props)
		})
	if err != nil {
		return errors.NewLifecycleError(description+" failed", err).WithContext("unit", unit.Name()).WithContext("phase", string(phase))
	}
	return nil
}

func (d *Driver) emit(eventType string) {
	if d.emitter != nil {
		d.emitter.Emit(eventType, nil, nil)
	}
}
