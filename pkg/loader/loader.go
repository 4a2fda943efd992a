// Package loader drives units from NOT_LOADED or LOAD_ERROR to
// NOT_BOOTSTRAPPED.
package loader

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/lifecycle"
	"github.com/core-tools/hsu-orchestrator/pkg/registry"
)

// Observer is told about load outcomes
type Observer interface {
	ObserveLoad(unitName string, outcome lifecycle.Status)
}

type Pipeline struct {
	registry *registry.Registry
	observer Observer
	group    singleflight.Group
}

func NewPipeline(reg *registry.Registry, observer Observer) *Pipeline {
	return &Pipeline{
		registry: reg,
		observer: observer,
	}
}

// Load loads unit once. Callers arriving while a load of the same unit is
// in flight share its outcome. Units not in NOT_LOADED or LOAD_ERROR are
// left alone. Unit failures are recorded on the unit and never returned.
func (p *Pipeline) Load(ctx context.Context, unit *registry.Unit) error {
	_, err, _ := p.group.Do(unit.Name(), func() (interface{}, error) {
		return nil, p.load(ctx, unit)
	})
	return err
}

func (p *Pipeline) load(ctx context.Context, unit *registry.Unit) error {
	from := unit.Status()
	if from != lifecycle.StatusNotLoaded && from != lifecycle.StatusLoadError {
		return nil
	}
	if err := unit.State().TransitionFrom(from, lifecycle.StatusLoadingSourceCode, "load", nil); err != nil {
		return nil
	}

	exports, brokenContract, err := p.invoke(ctx, unit)
	if err != nil {
		status := lifecycle.StatusLoadError
		if brokenContract {
			status = lifecycle.StatusSkipBecauseBroken
		} else {
			unit.SetLoadErrorTime(p.registry.Clock().Now())
		}
		p.registry.Fail(unit, lifecycle.StatusLoadingSourceCode, status, "load", err)
		p.observe(unit, status)
		return nil
	}

	if err := validateExports(unit.Name(), exports); err != nil {
		unit.Logger().Errorf("Loading function resolved with exports lacking bootstrap, mount and unmount functions: %v", err)
		p.registry.Fail(unit, lifecycle.StatusLoadingSourceCode, lifecycle.StatusSkipBecauseBroken, "load", err)
		p.observe(unit, lifecycle.StatusSkipBecauseBroken)
		return nil
	}

	unit.Install(exports, p.registry.Timeouts())
	if err := unit.State().TransitionFrom(lifecycle.StatusLoadingSourceCode, lifecycle.StatusNotBootstrapped, "load", nil); err != nil {
		return err
	}
	p.observe(unit, lifecycle.StatusNotBootstrapped)
	return nil
}

// invoke calls the loader. brokenContract is set when the loader itself
// misbehaved, which is never retried.
func (p *Pipeline) invoke(ctx context.Context, unit *registry.Unit) (exports *lifecycle.Exports, brokenContract bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewLoadError(fmt.Sprintf("loading function of unit %s panicked: %v", unit.Name(), r), nil)
		}
	}()

	f := unit.Loader()(ctx, p.registry.Props(unit))
	if f == nil {
		return nil, true, errors.NewContractError(
			fmt.Sprintf("loading function of unit %s did not return a future", unit.Name()),
			nil,
		).WithContext("unit", unit.Name())
	}

	exports, err = f.Await(ctx)
	return exports, false, err
}

func validateExports(unitName string, exports *lifecycle.Exports) error {
	var message string
	switch {
	case exports == nil:
		message = "does not export anything"
	case !lifecycle.ValidCapability(exports.Bootstrap):
		message = "does not export a bootstrap function or sequence of functions"
	case !lifecycle.ValidCapability(exports.Mount):
		message = "does not export a mount function or sequence of functions"
	case !lifecycle.ValidCapability(exports.Unmount):
		message = "does not export an unmount function or sequence of functions"
	case !exports.Unload.IsZero() && !lifecycle.ValidCapability(exports.Unload):
		message = "exports an invalid unload function or sequence of functions"
	default:
		return nil
	}
	return errors.NewContractError("unit "+unitName+" "+message, nil).WithContext("unit", unitName)
}

func (p *Pipeline) observe(unit *registry.Unit, outcome lifecycle.Status) {
	if p.observer != nil {
		p.observer.ObserveLoad(unit.Name(), outcome)
	}
}
