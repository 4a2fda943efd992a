// Package orchestrator is the public face of the module. It wires the unit
// registry, the load pipeline, the lifecycle phase drivers, the unload
// coordinator, the notification bus and the reroute scheduler around an
// in-memory navigation history.
package orchestrator

import (
	"context"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/jonboulle/clockwork"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/events"
	"github.com/core-tools/hsu-orchestrator/pkg/future"
	"github.com/core-tools/hsu-orchestrator/pkg/lifecycle"
	"github.com/core-tools/hsu-orchestrator/pkg/loader"
	"github.com/core-tools/hsu-orchestrator/pkg/location"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/metrics"
	"github.com/core-tools/hsu-orchestrator/pkg/navigation"
	"github.com/core-tools/hsu-orchestrator/pkg/phases"
	"github.com/core-tools/hsu-orchestrator/pkg/registry"
	"github.com/core-tools/hsu-orchestrator/pkg/scheduler"
	"github.com/core-tools/hsu-orchestrator/pkg/unload"
)

// DefaultInitialHref is the location the history starts at
const DefaultInitialHref = "http://localhost/"

type Options struct {
	Clock          clockwork.Clock
	Logger         logging.Logger
	LoadRetryDelay time.Duration
	Timeouts       lifecycle.Timeouts
	InitialHref    string
	EventSource    string

	// Metrics receives pass, transition, load and failure observations
	Metrics *metrics.OrchestratorMetrics
}

type Orchestrator struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger logging.Logger

	history     *navigation.History
	registry    *registry.Registry
	pipeline    *loader.Pipeline
	driver      *phases.Driver
	coordinator *unload.Coordinator
	bus         *events.Bus
	scheduler   *scheduler.Scheduler

	closeOnce sync.Once
}

// New wires an orchestrator. Nothing mounts until Start.
func New(options Options) (*Orchestrator, error) {
	if options.Clock == nil {
		options.Clock = clockwork.NewRealClock()
	}
	if options.Logger == nil {
		options.Logger = logging.NewNopLogger()
	}
	if options.InitialHref == "" {
		options.InitialHref = DefaultInitialHref
	}

	initial, err := location.Parse(options.InitialHref)
	if err != nil {
		return nil, errors.NewValidationError("invalid initial location", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		ctx:    ctx,
		cancel: cancel,
		logger: options.Logger,
	}

	o.history = navigation.NewHistory(initial, logging.NewLogger("navigation: ", logging.FuncsOf(options.Logger)))

	registryOptions := registry.Options{
		Clock:          options.Clock,
		Logger:         options.Logger,
		LoadRetryDelay: options.LoadRetryDelay,
		Timeouts:       options.Timeouts,
		Location:       o.history.Location,
	}
	var loadObserver loader.Observer
	var passObserver scheduler.PassObserver
	if options.Metrics != nil {
		registryOptions.TransitionObserver = options.Metrics.ObserveTransition
		registryOptions.ErrorObserver = options.Metrics.ObserveUnitError
		loadObserver = options.Metrics
		passObserver = options.Metrics
	}
	o.registry = registry.New(registryOptions)

	o.bus = events.NewBus(options.EventSource, logging.NewLogger("events: ", logging.FuncsOf(options.Logger)))
	o.pipeline = loader.NewPipeline(o.registry, loadObserver)
	o.driver = phases.NewDriver(o.registry, o.bus)
	o.coordinator = unload.NewCoordinator(ctx, o.driver, options.Logger, func() {
		o.scheduler.RerouteAsync(nil)
	})
	o.scheduler = scheduler.New(ctx, scheduler.Options{
		Registry: o.registry,
		Loader:   o.pipeline,
		Phases:   o.driver,
		Unloader: o.coordinator,
		Emitter:  o.bus,
		Location: o.history.Location,
		Replay:   o.history.Replay,
		Observer: passObserver,
		Clock:    options.Clock,
		Logger:   logging.NewLogger("reroute: ", logging.FuncsOf(options.Logger)),
	})

	return o, nil
}

// Register adds a unit and schedules a reroute so it can load, and mount
// once started, when it is active
func (o *Orchestrator) Register(spec registry.UnitSpec) error {
	if _, err := o.registry.Add(spec); err != nil {
		return err
	}
	o.logger.Infof("Unit registered, name: %s", spec.Name)
	o.scheduler.RerouteAsync(nil)
	return nil
}

// Unregister unloads the unit immediately and forgets it. Passes ignore
// the unit meanwhile; if unloading fails the unit stays registered.
func (o *Orchestrator) Unregister(ctx context.Context, name string) error {
	unit, err := o.registry.Retire(name)
	if err != nil {
		return err
	}
	if _, err := o.UnloadAsync(unit, false).Await(ctx); err != nil {
		o.registry.Reinstate(unit)
		return err
	}
	if err := o.registry.Remove(name); err != nil {
		return err
	}
	o.logger.Infof("Unit unregistered, name: %s", name)
	return nil
}

// Unload returns the unit to NOT_LOADED so its next activation loads it
// afresh. With waitForUnmount the unload happens once a pass unmounts the
// unit; otherwise the unit is unmounted and unloaded now and a reroute
// follows.
func (o *Orchestrator) Unload(ctx context.Context, name string, waitForUnmount bool) error {
	unit, err := o.registry.Get(name)
	if err != nil {
		return errors.NewNotFoundError("cannot unload unit", err).WithContext("unit", name)
	}
	_, err = o.UnloadAsync(unit, waitForUnmount).Await(ctx)
	return err
}

// UnloadAsync is Unload returning the shared unload future
func (o *Orchestrator) UnloadAsync(unit *registry.Unit, waitForUnmount bool) *future.Future[struct{}] {
	return o.coordinator.Request(unit, waitForUnmount)
}

// CheckActive returns the names of units whose activation matches href,
// whatever their status
func (o *Orchestrator) CheckActive(href string) ([]string, error) {
	loc, err := o.history.Location().Resolve(href)
	if err != nil {
		return nil, errors.NewValidationError("invalid location", err).WithContext("href", href)
	}
	return o.registry.CheckActive(loc), nil
}

func (o *Orchestrator) GetStatus(name string) (lifecycle.Status, bool) {
	return o.registry.GetStatus(name)
}

// ListActiveNames returns the names of mounted units
func (o *Orchestrator) ListActiveNames() []string {
	return o.registry.ListActiveNames()
}

func (o *Orchestrator) ListAllNames() []string {
	return o.registry.ListAllNames()
}

// Units returns a snapshot of every unit
func (o *Orchestrator) Units() []registry.UnitInfo {
	units := o.registry.Units()
	infos := make([]registry.UnitInfo, 0, len(units))
	for _, unit := range units {
		infos = append(infos, unit.Info())
	}
	return infos
}

// Unit returns the snapshot of one unit
func (o *Orchestrator) Unit(name string) (registry.UnitInfo, error) {
	unit, err := o.registry.Get(name)
	if err != nil {
		return registry.UnitInfo{}, err
	}
	return unit.Info(), nil
}

// TriggerReroute runs a pass for the current location and returns the
// names of the mounted units after it
func (o *Orchestrator) TriggerReroute(ctx context.Context) ([]string, error) {
	return o.scheduler.Reroute(ctx, nil)
}

// Start allows units to mount and reroutes
func (o *Orchestrator) Start(ctx context.Context) ([]string, error) {
	if o.scheduler.Start() {
		o.logger.Infof("Orchestrator started, location: %s", o.history.Location())
	}
	return o.scheduler.Reroute(ctx, nil)
}

func (o *Orchestrator) IsStarted() bool {
	return o.scheduler.IsStarted()
}

// Location returns the current location
func (o *Orchestrator) Location() location.Location {
	return o.history.Location()
}

// Navigate pushes href onto the history and reroutes. Navigating to the
// current location reroutes nothing.
func (o *Orchestrator) Navigate(ctx context.Context, href string) ([]string, error) {
	trigger, err := o.history.Push(href, nil)
	if err != nil {
		return nil, err
	}
	return o.follow(ctx, trigger)
}

// Back moves the history one entry back and reroutes
func (o *Orchestrator) Back(ctx context.Context) ([]string, error) {
	return o.follow(ctx, o.history.Back())
}

// Forward moves the history one entry forward and reroutes
func (o *Orchestrator) Forward(ctx context.Context) ([]string, error) {
	return o.follow(ctx, o.history.Forward())
}

func (o *Orchestrator) follow(ctx context.Context, trigger *events.Trigger) ([]string, error) {
	if trigger == nil {
		return o.registry.ListActiveNames(), nil
	}
	return o.scheduler.Reroute(ctx, trigger)
}

// AddNavigationListener registers a listener called after each navigation
// once the pass it started has unmounted what it had to
func (o *Orchestrator) AddNavigationListener(listener navigation.Listener, types ...string) navigation.ListenerID {
	return o.history.AddListener(listener, types...)
}

func (o *Orchestrator) RemoveNavigationListener(id navigation.ListenerID) bool {
	return o.history.RemoveListener(id)
}

// AddErrorHandler registers a handler for unit failures
func (o *Orchestrator) AddErrorHandler(handler registry.ErrorHandler) registry.HandlerID {
	return o.registry.AddErrorHandler(handler)
}

func (o *Orchestrator) RemoveErrorHandler(id registry.HandlerID) bool {
	return o.registry.RemoveErrorHandler(id)
}

// Subscribe adds a notification observer and returns a function removing it
func (o *Orchestrator) Subscribe(observer func(event cloudevents.Event)) func() {
	return o.bus.Subscribe(observer)
}

// Close stops lifecycle work still bound to the orchestrator
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.logger.Infof("Orchestrator closing")
		o.cancel()
	})
}
