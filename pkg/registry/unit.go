package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/core-tools/hsu-orchestrator/pkg/activation"
	"github.com/core-tools/hsu-orchestrator/pkg/lifecycle"
	"github.com/core-tools/hsu-orchestrator/pkg/location"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
)

// CustomPropsFunc computes a unit's custom props for the current location
type CustomPropsFunc func(name string, loc location.Location) map[string]interface{}

// UnitSpec describes a unit to register. Exactly one of Load and App is set.
type UnitSpec struct {
	Name string

	// Load fetches the unit's exports
	Load lifecycle.LoadFunc

	// App is used as already-loaded exports when there is no loader
	App *lifecycle.Exports

	// ActiveWhen is a path, a predicate, or a list of them
	ActiveWhen interface{}

	// CustomProps is nil, a map[string]interface{} or a CustomPropsFunc
	CustomProps interface{}
}

// Unit is the record of one registered unit. Its status changes only
// through the state machine; everything else set by loading is guarded
// by the unit's mutex.
type Unit struct {
	name        string
	activeWhen  activation.Predicate
	customProps CustomPropsFunc
	load        lifecycle.LoadFunc
	state       *lifecycle.StateMachine
	logger      logging.Logger

	// retiring units are being unregistered and take no part in passes
	retiring atomic.Bool

	mutex         sync.RWMutex
	lifecycle     *lifecycle.Lifecycle
	timeouts      lifecycle.Timeouts
	loadErrorTime time.Time
	overlays      map[string]interface{}
}

func (u *Unit) Name() string {
	return u.name
}

// Retiring reports whether the unit is being unregistered
func (u *Unit) Retiring() bool {
	return u.retiring.Load()
}

func (u *Unit) Status() lifecycle.Status {
	return u.state.Current()
}

func (u *Unit) State() *lifecycle.StateMachine {
	return u.state
}

func (u *Unit) Logger() logging.Logger {
	return u.logger
}

func (u *Unit) Loader() lifecycle.LoadFunc {
	return u.load
}

// MatchesLocation evaluates the activation predicate only
func (u *Unit) MatchesLocation(loc location.Location) bool {
	return u.activeWhen(loc)
}

// ShouldBeActive reports whether the unit is not broken and matches loc
func (u *Unit) ShouldBeActive(loc location.Location) bool {
	return !u.Status().IsBroken() && u.activeWhen(loc)
}

// Lifecycle returns the flattened operations, or nil if not loaded
func (u *Unit) Lifecycle() *lifecycle.Lifecycle {
	u.mutex.RLock()
	defer u.mutex.RUnlock()
	return u.lifecycle
}

func (u *Unit) Timeouts() lifecycle.Timeouts {
	u.mutex.RLock()
	defer u.mutex.RUnlock()
	return u.timeouts
}

// LoadErrorTime returns when the last transient load failure happened
func (u *Unit) LoadErrorTime() time.Time {
	u.mutex.RLock()
	defer u.mutex.RUnlock()
	return u.loadErrorTime
}

func (u *Unit) SetLoadErrorTime(t time.Time) {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	u.loadErrorTime = t
}

// Overlays returns a copy of the devtools overlays
func (u *Unit) Overlays() map[string]interface{} {
	u.mutex.RLock()
	defer u.mutex.RUnlock()
	overlays := make(map[string]interface{}, len(u.overlays))
	for k, v := range u.overlays {
		overlays[k] = v
	}
	return overlays
}

// Install stores validated exports: their flattened operations, their
// timeouts merged over defaults, and their devtools overlays.
func (u *Unit) Install(exports *lifecycle.Exports, defaults lifecycle.Timeouts) {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	u.loadErrorTime = time.Time{}
	u.lifecycle = lifecycle.Materialize(u.name, exports)
	u.timeouts = defaults.Merge(exports.Timeouts)
	if exports.Devtools != nil {
		for k, v := range exports.Devtools.Overlays {
			u.overlays[k] = v
		}
	}
}

// Discard drops the loaded operations so the next activation loads again
func (u *Unit) Discard() {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	u.lifecycle = nil
}

// UnitInfo is a snapshot of a unit for inspection
type UnitInfo struct {
	Name          string                 `json:"name"`
	Status        lifecycle.Status       `json:"status"`
	Loaded        bool                   `json:"loaded"`
	LoadErrorTime *time.Time             `json:"loadErrorTime,omitempty"`
	Overlays      map[string]interface{} `json:"overlays,omitempty"`
	Transitions   int                    `json:"transitions"`
}

// Info returns a snapshot of the unit
func (u *Unit) Info() UnitInfo {
	info := UnitInfo{
		Name:        u.name,
		Status:      u.Status(),
		Loaded:      u.Lifecycle() != nil,
		Overlays:    u.Overlays(),
		Transitions: u.state.Info().TransitionCount,
	}
	if t := u.LoadErrorTime(); !t.IsZero() {
		info.LoadErrorTime = &t
	}
	return info
}
