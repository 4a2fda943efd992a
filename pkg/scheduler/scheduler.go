// Package scheduler runs reroute passes. A pass computes which units must
// change for the current location and drives them there: unloads and
// unmounts first, loads and bootstraps alongside, mounts only once every
// unmount has settled.
//
// At most one pass runs at a time. A trigger arriving while a pass runs is
// queued; when the pass ends, the runner takes everything queued as the
// next batch and runs one more pass for it, until the queue is empty.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/events"
	"github.com/core-tools/hsu-orchestrator/pkg/future"
	"github.com/core-tools/hsu-orchestrator/pkg/lifecycle"
	"github.com/core-tools/hsu-orchestrator/pkg/location"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/metrics"
	"github.com/core-tools/hsu-orchestrator/pkg/registry"
)

// Loader loads units
type Loader interface {
	Load(ctx context.Context, unit *registry.Unit) error
}

// Phases drives bootstrap, mount and unmount
type Phases interface {
	Bootstrap(ctx context.Context, unit *registry.Unit) error
	Mount(ctx context.Context, unit *registry.Unit) error
	Unmount(ctx context.Context, unit *registry.Unit) error
}

// Unloader performs requested unloads
type Unloader interface {
	Unload(ctx context.Context, unit *registry.Unit) error
	IsPending(name string) bool
}

// Emitter publishes notifications
type Emitter interface {
	Emit(eventType string, data interface{}, extensions map[string]interface{})
}

// PassObserver is told about finished passes
type PassObserver interface {
	ObservePass(result string, duration time.Duration, unitChanges int)
	SetWaitingCallers(n int)
	SetStatusCounts(counts map[lifecycle.Status]int)
}

type Options struct {
	Registry *registry.Registry
	Loader   Loader
	Phases   Phases
	Unloader Unloader
	Emitter  Emitter

	// Location returns the current location
	Location func() location.Location

	// Replay delivers navigation listener calls held back while a pass ran
	Replay func(trigger *events.Trigger)

	Observer PassObserver
	Clock    clockwork.Clock
	Logger   logging.Logger
}

type request struct {
	trigger *events.Trigger
	result  *future.Future[[]string]
}

type Scheduler struct {
	ctx     context.Context
	options Options
	logger  logging.Logger

	started atomic.Bool

	mutex    sync.Mutex
	inFlight bool
	queue    []*request
}

// New creates a scheduler whose passes run under ctx
func New(ctx context.Context, options Options) *Scheduler {
	if options.Clock == nil {
		options.Clock = clockwork.NewRealClock()
	}
	if options.Logger == nil {
		options.Logger = logging.NewNopLogger()
	}
	return &Scheduler{
		ctx:     ctx,
		options: options,
		logger:  options.Logger,
	}
}

// Start opens the start gate. Reports whether this call opened it.
func (s *Scheduler) Start() bool {
	return s.started.CompareAndSwap(false, true)
}

// IsStarted reports whether units may be mounted
func (s *Scheduler) IsStarted() bool {
	return s.started.Load()
}

// InFlight reports whether a pass is running
func (s *Scheduler) InFlight() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.inFlight
}

// Reroute triggers a pass and waits for the names of the mounted units
// after it. Cancelling ctx only abandons the wait.
func (s *Scheduler) Reroute(ctx context.Context, trigger *events.Trigger) ([]string, error) {
	return s.RerouteAsync(trigger).Await(ctx)
}

// RerouteAsync triggers a pass. The future resolves with the names of the
// mounted units after the pass that served this trigger.
func (s *Scheduler) RerouteAsync(trigger *events.Trigger) *future.Future[[]string] {
	req := &request{
		trigger: trigger,
		result:  future.New[[]string](),
	}

	s.mutex.Lock()
	s.queue = append(s.queue, req)
	if s.inFlight {
		waiting := len(s.queue)
		s.mutex.Unlock()
		s.logger.Debugf("Reroute queued behind running pass, waiting: %d", waiting)
		s.observeWaiting(waiting)
		return req.result
	}
	s.inFlight = true
	s.mutex.Unlock()

	go s.run()
	return req.result
}

func (s *Scheduler) run() {
	first := true
	for {
		s.mutex.Lock()
		if len(s.queue) == 0 {
			s.inFlight = false
			s.mutex.Unlock()
			s.observeWaiting(0)
			return
		}
		batch := s.queue
		s.queue = nil
		s.mutex.Unlock()
		s.observeWaiting(0)

		// A drained batch has no trigger of its own
		var original *events.Trigger
		if first {
			original = batch[0].trigger
		}
		first = false

		s.pass(batch, original)
	}
}

func (s *Scheduler) location() location.Location {
	if s.options.Location == nil {
		return location.Location{}
	}
	return s.options.Location()
}

func (s *Scheduler) pass(batch []*request, original *events.Trigger) {
	start := s.options.Clock.Now()
	passID := newPassID()
	diff := s.options.Registry.ComputeDiff(s.location(), s.options.Unloader)

	if !s.IsStarted() {
		s.loadOnly(batch, original, diff, start)
		return
	}

	changed := diff.Changed()
	s.logger.Debugf("Reroute pass started, id: %s, callers: %d, unload: %d, unmount: %d, load: %d, mount: %d",
		passID, len(batch), len(diff.Unload), len(diff.Unmount), len(diff.Load), len(diff.Mount))

	before := beforeDetail(diff, original)
	if len(changed) == 0 {
		s.emit(events.BeforeNoUnitChange, before, passID)
	} else {
		s.emit(events.BeforeUnitChange, before, passID)
	}
	s.emit(events.BeforeRouting, before, passID)

	unmounts := make([]*future.Future[struct{}], 0, len(diff.Unload)+len(diff.Unmount))
	for _, unit := range diff.Unmount {
		unit := unit
		unmounts = append(unmounts, s.async(func() error {
			if err := s.options.Phases.Unmount(s.ctx, unit); err != nil {
				return err
			}
			return s.options.Unloader.Unload(s.ctx, unit)
		}))
	}
	for _, unit := range diff.Unload {
		unit := unit
		unmounts = append(unmounts, s.async(func() error {
			return s.options.Unloader.Unload(s.ctx, unit)
		}))
	}
	unmountAll := future.All(unmounts...)

	// Loading and bootstrapping overlap the unmounts; mounting waits for them
	mounts := make([]*future.Future[struct{}], 0, len(diff.Load)+len(diff.Mount))
	for _, unit := range diff.Load {
		unit := unit
		mounts = append(mounts, s.async(func() error {
			if err := s.options.Loader.Load(s.ctx, unit); err != nil {
				return err
			}
			return s.tryToBootstrapAndMount(unit, unmountAll)
		}))
	}
	for _, unit := range diff.Mount {
		unit := unit
		mounts = append(mounts, s.async(func() error {
			return s.tryToBootstrapAndMount(unit, unmountAll)
		}))
	}

	unmountErr := settleAll(unmounts)
	if unmountErr == nil {
		s.emit(events.BeforeMountRouting, before, passID)
	}
	s.replay(batch, original)

	mountErr := settleAll(mounts)

	err := unmountErr
	if err == nil {
		err = mountErr
	}

	active := s.options.Registry.ListActiveNames()
	if err != nil {
		s.logger.Errorf("Reroute pass failed, id: %s, error: %v", passID, err)
		for _, req := range batch {
			req.result.Reject(err)
		}
	} else {
		for _, req := range batch {
			req.result.Resolve(active)
		}
	}

	after := events.NewDetail(len(changed), original)
	for _, unit := range changed {
		after.Add(unit.Name(), unit.Status())
	}
	if len(changed) == 0 {
		s.emit(events.NoUnitChange, after, passID)
	} else {
		s.emit(events.UnitChange, after, passID)
	}
	s.emit(events.Routing, after, passID)

	result := metrics.PassCompleted
	if err != nil {
		result = metrics.PassFailed
	}
	s.observePass(result, start, len(changed))
	s.logger.Infof("Reroute pass finished, id: %s, changed: %d, active: %v", passID, len(changed), active)
}

// loadOnly serves a pass before the start gate opens: units are loaded,
// nothing is mounted, and callers get an empty list.
func (s *Scheduler) loadOnly(batch []*request, original *events.Trigger, diff registry.Diff, start time.Time) {
	loads := make([]*future.Future[struct{}], 0, len(diff.Load))
	for _, unit := range diff.Load {
		unit := unit
		loads = append(loads, s.async(func() error {
			return s.options.Loader.Load(s.ctx, unit)
		}))
	}

	err := settleAll(loads)
	s.replay(batch, original)

	for _, req := range batch {
		if err != nil {
			req.result.Reject(err)
		} else {
			req.result.Resolve([]string{})
		}
	}
	s.observePass(metrics.PassLoadOnly, start, len(diff.Load))
}

// tryToBootstrapAndMount checks activation against the current location
// before bootstrapping, and again before mounting, since the location may
// have changed while earlier steps were in flight.
func (s *Scheduler) tryToBootstrapAndMount(unit *registry.Unit, unmountAll *future.Future[[]struct{}]) error {
	if !unit.ShouldBeActive(s.location()) {
		_, err := unmountAll.Wait()
		return err
	}

	if err := s.options.Phases.Bootstrap(s.ctx, unit); err != nil {
		return err
	}

	if _, err := unmountAll.Wait(); err != nil {
		return err
	}

	if !unit.ShouldBeActive(s.location()) {
		unit.Logger().Debugf("No longer active, mount skipped")
		return nil
	}
	return s.options.Phases.Mount(s.ctx, unit)
}

// settleAll waits for every future and collects every unit failure.
// Mounts that only saw the unmount failure repeat it, so callers report
// unmount failures alone when there are any.
func settleAll(futures []*future.Future[struct{}]) error {
	collection := errors.NewErrorCollection()
	for _, f := range futures {
		_, err := f.Wait()
		collection.Add(err)
	}
	return collection.ToError()
}

func (s *Scheduler) async(fn func() error) *future.Future[struct{}] {
	return future.Go(func() (struct{}, error) {
		return struct{}{}, fn()
	})
}

// replay delivers held-back listener calls: queued callers in FIFO order,
// then the trigger that started the pass
func (s *Scheduler) replay(batch []*request, original *events.Trigger) {
	if s.options.Replay == nil {
		return
	}
	queued := batch
	if original != nil {
		queued = batch[1:]
	}
	for _, req := range queued {
		if req.trigger != nil {
			s.options.Replay(req.trigger)
		}
	}
	if original != nil {
		s.options.Replay(original)
	}
}

func (s *Scheduler) emit(eventType string, detail *events.Detail, passID string) {
	if s.options.Emitter == nil {
		return
	}
	s.options.Emitter.Emit(eventType, detail, map[string]interface{}{events.ExtensionPassID: passID})
}

func (s *Scheduler) observePass(result string, start time.Time, unitChanges int) {
	if s.options.Observer == nil {
		return
	}
	s.options.Observer.ObservePass(result, s.options.Clock.Since(start), unitChanges)
	s.options.Observer.SetStatusCounts(s.options.Registry.StatusCounts())
}

func (s *Scheduler) observeWaiting(n int) {
	if s.options.Observer != nil {
		s.options.Observer.SetWaitingCallers(n)
	}
}

// beforeDetail describes the statuses units are expected to reach
func beforeDetail(diff registry.Diff, original *events.Trigger) *events.Detail {
	detail := events.NewDetail(len(diff.Unload)+len(diff.Unmount)+len(diff.Load)+len(diff.Mount), original)
	for _, unit := range diff.Load {
		detail.Add(unit.Name(), lifecycle.StatusMounted)
	}
	for _, unit := range diff.Mount {
		detail.Add(unit.Name(), lifecycle.StatusMounted)
	}
	for _, unit := range diff.Unload {
		detail.Add(unit.Name(), lifecycle.StatusNotLoaded)
	}
	for _, unit := range diff.Unmount {
		detail.Add(unit.Name(), lifecycle.StatusNotMounted)
	}
	return detail
}

func newPassID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}
