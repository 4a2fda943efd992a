// Package unload deduplicates unload requests. Every requester of one unit
// shares a single waiter future that settles when the unit has been
// unloaded, whichever path performed the unload.
package unload

import (
	"context"
	"sync"

	"github.com/core-tools/hsu-orchestrator/pkg/future"
	"github.com/core-tools/hsu-orchestrator/pkg/lifecycle"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/registry"
)

// Phases is what the coordinator needs from the phase drivers
type Phases interface {
	Unmount(ctx context.Context, unit *registry.Unit) error
	Unload(ctx context.Context, unit *registry.Unit) (claimed bool, err error)
}

type Coordinator struct {
	ctx    context.Context
	phases Phases
	logger logging.Logger

	// afterForcedUnload runs once a forced unload resolved, so the unit can
	// be loaded again if it is still active
	afterForcedUnload func()

	mutex   sync.Mutex
	waiters map[string]*waiter
}

type waiter struct {
	result *future.Future[struct{}]

	// forced is set once an immediate unload runs for this waiter
	forced bool
}

// NewCoordinator creates a coordinator. Forced unloads run under ctx.
func NewCoordinator(ctx context.Context, phases Phases, logger logging.Logger, afterForcedUnload func()) *Coordinator {
	return &Coordinator{
		ctx:               ctx,
		phases:            phases,
		logger:            logger,
		afterForcedUnload: afterForcedUnload,
		waiters:           make(map[string]*waiter),
	}
}

// IsPending reports whether an unload was requested for name and has not
// completed yet
func (c *Coordinator) IsPending(name string) bool {
	_, pending := c.lookup(name)
	return pending
}

// Request registers an unload of unit and returns the shared result. With
// waitForUnmount a unit that is still mounted is unloaded by the first pass
// that unmounts it. Otherwise it is unmounted and unloaded right away, once
// per waiter however many callers ask.
func (c *Coordinator) Request(unit *registry.Unit, waitForUnmount bool) *future.Future[struct{}] {
	c.mutex.Lock()
	w, exists := c.waiters[unit.Name()]
	if !exists {
		w = &waiter{result: future.New[struct{}]()}
		c.waiters[unit.Name()] = w
	}
	force := (!waitForUnmount || !stillMounted(unit.Status())) && !w.forced
	if force {
		w.forced = true
	}
	c.mutex.Unlock()

	c.logger.Debugf("Unload requested, unit: %s, wait for unmount: %t, joined: %t", unit.Name(), waitForUnmount, exists)
	if force {
		go c.unloadImmediately(unit, w)
	}
	return w.result
}

func stillMounted(status lifecycle.Status) bool {
	switch status {
	case lifecycle.StatusMounting, lifecycle.StatusMounted, lifecycle.StatusUnmounting:
		return true
	}
	return false
}

func (c *Coordinator) unloadImmediately(unit *registry.Unit, w *waiter) {
	if err := c.phases.Unmount(c.ctx, unit); err != nil {
		c.settle(unit.Name(), w, err)
		return
	}
	if err := c.Unload(c.ctx, unit); err != nil {
		c.settle(unit.Name(), w, err)
		return
	}

	c.settle(unit.Name(), w, nil)
	if c.afterForcedUnload != nil {
		c.afterForcedUnload()
	}
}

// Unload performs a requested unload of unit if its status allows it. A
// unit with no pending request is left alone. The unit's own failure
// rejects the waiter but is not returned.
func (c *Coordinator) Unload(ctx context.Context, unit *registry.Unit) error {
	for {
		w, pending := c.lookup(unit.Name())
		if !pending {
			return nil
		}

		switch unit.Status() {
		case lifecycle.StatusNotLoaded:
			c.settle(unit.Name(), w, nil)
			return nil
		case lifecycle.StatusUnloading:
			_, err := w.result.Await(ctx)
			return err
		case lifecycle.StatusNotMounted, lifecycle.StatusNotBootstrapped, lifecycle.StatusLoadError:
			claimed, err := c.phases.Unload(ctx, unit)
			if !claimed {
				// status moved on; look again
				continue
			}
			c.settle(unit.Name(), w, err)
			return nil
		default:
			return nil
		}
	}
}

func (c *Coordinator) lookup(name string) (*waiter, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	w, exists := c.waiters[name]
	return w, exists
}

func (c *Coordinator) settle(name string, w *waiter, err error) {
	c.mutex.Lock()
	if c.waiters[name] == w {
		delete(c.waiters, name)
	}
	c.mutex.Unlock()

	if err != nil {
		c.logger.Warnf("Unload failed, unit: %s, error: %v", name, err)
		w.result.Reject(err)
		return
	}
	c.logger.Debugf("Unload settled, unit: %s", name)
	w.result.Resolve(struct{}{})
}
