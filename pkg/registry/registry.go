// Package registry owns the set of registered units and computes, for a
// location, which of them must be unloaded, unmounted, loaded or mounted.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/core-tools/hsu-orchestrator/pkg/activation"
	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/lifecycle"
	"github.com/core-tools/hsu-orchestrator/pkg/location"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
)

// DefaultLoadRetryDelay is how long a unit stays in LOAD_ERROR before the
// next pass may load it again
const DefaultLoadRetryDelay = 200 * time.Millisecond

type Options struct {
	Clock              clockwork.Clock
	Logger             logging.Logger
	LoadRetryDelay     time.Duration
	Timeouts           lifecycle.Timeouts
	Location           func() location.Location
	TransitionObserver lifecycle.TransitionObserver

	// ErrorObserver sees every unit failure, whether or not handlers exist
	ErrorObserver func(err *UnitError)
}

// PendingUnloads tells the diff which units have an unload requested
type PendingUnloads interface {
	IsPending(name string) bool
}

// Diff is the outcome of one diff computation. A unit appears in at most
// one list.
type Diff struct {
	Unload  []*Unit
	Unmount []*Unit
	Load    []*Unit
	Mount   []*Unit
}

// Changed returns every unit of the diff: unload, load, unmount, mount
func (d Diff) Changed() []*Unit {
	changed := make([]*Unit, 0, len(d.Unload)+len(d.Load)+len(d.Unmount)+len(d.Mount))
	changed = append(changed, d.Unload...)
	changed = append(changed, d.Load...)
	changed = append(changed, d.Unmount...)
	changed = append(changed, d.Mount...)
	return changed
}

type Registry struct {
	options Options
	logger  logging.Logger

	mutex sync.RWMutex
	units map[string]*Unit
	order []string

	handlersMutex sync.RWMutex
	handlers      map[HandlerID]ErrorHandler
	nextHandlerID HandlerID
}

func New(options Options) *Registry {
	if options.Clock == nil {
		options.Clock = clockwork.NewRealClock()
	}
	if options.Logger == nil {
		options.Logger = logging.NewNopLogger()
	}
	if options.LoadRetryDelay <= 0 {
		options.LoadRetryDelay = DefaultLoadRetryDelay
	}
	if options.Timeouts == (lifecycle.Timeouts{}) {
		options.Timeouts = lifecycle.DefaultTimeouts()
	}
	if options.Location == nil {
		options.Location = func() location.Location { return location.Location{} }
	}

	return &Registry{
		options:  options,
		logger:   options.Logger,
		units:    make(map[string]*Unit),
		handlers: make(map[HandlerID]ErrorHandler),
	}
}

// Add validates spec and creates its unit record in NOT_LOADED
func (r *Registry) Add(spec UnitSpec) (*Unit, error) {
	if spec.Name == "" {
		return nil, errors.NewValidationError("unit name must be a non-empty string", nil)
	}

	load, err := normalizeLoader(spec)
	if err != nil {
		return nil, err
	}

	activeWhen, err := activation.Compile(spec.ActiveWhen)
	if err != nil {
		return nil, errors.NewValidationError("invalid activeWhen for unit "+spec.Name, err).WithContext("unit", spec.Name)
	}

	customProps, cpErr := normalizeCustomProps(spec.CustomProps)
	if cpErr != nil {
		return nil, cpErr.WithContext("unit", spec.Name)
	}

	logger := logging.NewUnitLogger(r.logger, spec.Name)
	unit := &Unit{
		name:        spec.Name,
		activeWhen:  activeWhen,
		customProps: customProps,
		load:        load,
		state:       lifecycle.NewStateMachine(spec.Name, r.options.Clock, logger, r.options.TransitionObserver),
		logger:      logger,
		timeouts:    r.options.Timeouts,
		overlays: map[string]interface{}{
			"options":   map[string]interface{}{},
			"selectors": []string{},
		},
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.units[spec.Name]; exists {
		return nil, errors.NewConflictError(
			fmt.Sprintf("there is already a unit registered with name %s", spec.Name),
			nil,
		).WithContext("unit", spec.Name)
	}

	r.units[spec.Name] = unit
	r.order = append(r.order, spec.Name)

	r.logger.Infof("Unit registered, name: %s", spec.Name)
	return unit, nil
}

func normalizeLoader(spec UnitSpec) (lifecycle.LoadFunc, error) {
	switch {
	case spec.Load != nil && spec.App != nil:
		return nil, errors.NewValidationError("unit "+spec.Name+" must have either an application or a loading function, not both", nil)
	case spec.Load != nil:
		return spec.Load, nil
	case spec.App != nil:
		return lifecycle.FromExports(spec.App), nil
	default:
		return nil, errors.NewValidationError("unit "+spec.Name+" must have an application or a loading function", nil)
	}
}

func normalizeCustomProps(customProps interface{}) (CustomPropsFunc, *errors.DomainError) {
	switch cp := customProps.(type) {
	case nil:
		return func(string, location.Location) map[string]interface{} { return nil }, nil
	case map[string]interface{}:
		return func(string, location.Location) map[string]interface{} { return cp }, nil
	case CustomPropsFunc:
		if cp == nil {
			return nil, errors.NewValidationError("customProps function cannot be nil", nil)
		}
		return cp, nil
	case func(string, location.Location) map[string]interface{}:
		if cp == nil {
			return nil, errors.NewValidationError("customProps function cannot be nil", nil)
		}
		return cp, nil
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("customProps must be an object or a function, got %T", customProps), nil)
	}
}

// Remove deletes a unit record
func (r *Registry) Remove(name string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.units[name]; !exists {
		return notFound(name)
	}

	delete(r.units, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	r.logger.Infof("Unit removed, name: %s", name)
	return nil
}

// Retire excludes name from every later diff until it is removed or
// reinstated
func (r *Registry) Retire(name string) (*Unit, error) {
	unit, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if !unit.retiring.CompareAndSwap(false, true) {
		return nil, errors.NewConflictError("unit "+name+" is already being unregistered", nil).WithContext("unit", name)
	}
	return unit, nil
}

// Reinstate undoes Retire
func (r *Registry) Reinstate(unit *Unit) {
	unit.retiring.Store(false)
}

func notFound(name string) error {
	return errors.NewNotFoundError("no unit registered with name "+name, nil).WithContext("unit", name)
}

// Get returns the unit named name
func (r *Registry) Get(name string) (*Unit, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	unit, exists := r.units[name]
	if !exists {
		return nil, notFound(name)
	}
	return unit, nil
}

// Units returns every unit in registration order
func (r *Registry) Units() []*Unit {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	units := make([]*Unit, 0, len(r.order))
	for _, name := range r.order {
		units = append(units, r.units[name])
	}
	return units
}

// GetStatus returns the status of name, or false if unknown
func (r *Registry) GetStatus(name string) (lifecycle.Status, bool) {
	unit, err := r.Get(name)
	if err != nil {
		return "", false
	}
	return unit.Status(), true
}

// ListActiveNames returns the names of mounted units
func (r *Registry) ListActiveNames() []string {
	names := make([]string, 0)
	for _, unit := range r.Units() {
		if unit.Status().IsActive() {
			names = append(names, unit.name)
		}
	}
	return names
}

// ListAllNames returns every unit name in registration order
func (r *Registry) ListAllNames() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// CheckActive returns the units whose predicate matches loc, whatever their status
func (r *Registry) CheckActive(loc location.Location) []string {
	names := make([]string, 0)
	for _, unit := range r.Units() {
		if unit.MatchesLocation(loc) {
			names = append(names, unit.name)
		}
	}
	return names
}

// ComputeDiff classifies every unit against loc
func (r *Registry) ComputeDiff(loc location.Location, pending PendingUnloads) Diff {
	var diff Diff
	now := r.options.Clock.Now()

	for _, unit := range r.Units() {
		if unit.Retiring() {
			continue
		}
		status := unit.Status()
		shouldBeActive := !status.IsBroken() && unit.activeWhen(loc)

		switch status {
		case lifecycle.StatusLoadError:
			if now.Sub(unit.LoadErrorTime()) >= r.options.LoadRetryDelay {
				diff.Load = append(diff.Load, unit)
			}
		case lifecycle.StatusNotLoaded, lifecycle.StatusLoadingSourceCode:
			if shouldBeActive {
				diff.Load = append(diff.Load, unit)
			}
		case lifecycle.StatusNotBootstrapped, lifecycle.StatusNotMounted:
			if !shouldBeActive && pending != nil && pending.IsPending(unit.name) {
				diff.Unload = append(diff.Unload, unit)
			} else if shouldBeActive {
				diff.Mount = append(diff.Mount, unit)
			}
		case lifecycle.StatusMounted:
			if !shouldBeActive {
				diff.Unmount = append(diff.Unmount, unit)
			}
		}
	}

	return diff
}

// Props builds the props handed to unit's loader and lifecycle functions
func (r *Registry) Props(unit *Unit) lifecycle.Props {
	customProps := unit.customProps(unit.name, r.options.Location())
	copied := make(map[string]interface{}, len(customProps))
	for k, v := range customProps {
		copied[k] = v
	}
	return lifecycle.Props{
		Name:        unit.name,
		CustomProps: copied,
		Host:        r,
	}
}

// Clock returns the registry clock
func (r *Registry) Clock() clockwork.Clock {
	return r.options.Clock
}

// Timeouts returns the default timeouts
func (r *Registry) Timeouts() lifecycle.Timeouts {
	return r.options.Timeouts
}

// StatusCounts returns how many units are in each status
func (r *Registry) StatusCounts() map[lifecycle.Status]int {
	counts := make(map[lifecycle.Status]int)
	for _, unit := range r.Units() {
		counts[unit.Status()]++
	}
	return counts
}
