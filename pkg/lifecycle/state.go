package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
)

// Status is the lifecycle state of a unit
type Status string

const (
	// StatusNotLoaded means the unit's code has not been fetched, or was unloaded
	StatusNotLoaded Status = "NOT_LOADED"

	// StatusLoadingSourceCode means the loader is running
	StatusLoadingSourceCode Status = "LOADING_SOURCE_CODE"

	// StatusNotBootstrapped means the unit is loaded and its exports are valid
	StatusNotBootstrapped Status = "NOT_BOOTSTRAPPED"

	// StatusBootstrapping means the bootstrap capability is running
	StatusBootstrapping Status = "BOOTSTRAPPING"

	// StatusNotMounted means the unit is bootstrapped but inactive
	StatusNotMounted Status = "NOT_MOUNTED"

	// StatusMounting means the mount capability is running
	StatusMounting Status = "MOUNTING"

	// StatusMounted means the unit is active
	StatusMounted Status = "MOUNTED"

	// StatusUnmounting means the unmount capability is running
	StatusUnmounting Status = "UNMOUNTING"

	// StatusUnloading means the unload capability is running
	StatusUnloading Status = "UNLOADING"

	// StatusLoadError means the last load attempt failed and may be retried
	StatusLoadError Status = "LOAD_ERROR"

	// StatusSkipBecauseBroken is terminal: the unit is never considered again
	StatusSkipBecauseBroken Status = "SKIP_BECAUSE_BROKEN"
)

// Transition is one recorded status change
type Transition struct {
	From      Status
	To        Status
	Operation string
	Timestamp time.Time
	Error     error
}

// TransitionObserver is notified after every successful transition
type TransitionObserver func(unitName string, transition Transition)

// StateMachine guards the status of one unit
type StateMachine struct {
	unitName         string
	currentStatus    Status
	transitions      []Transition
	validTransitions map[Status][]Status
	mutex            sync.RWMutex
	clock            clockwork.Clock
	logger           logging.Logger
	observer         TransitionObserver
}

// NewStateMachine creates a state machine in StatusNotLoaded
func NewStateMachine(unitName string, clock clockwork.Clock, logger logging.Logger, observer TransitionObserver) *StateMachine {
	sm := &StateMachine{
		unitName:      unitName,
		currentStatus: StatusNotLoaded,
		transitions:   make([]Transition, 0),
		clock:         clock,
		logger:        logger,
		observer:      observer,
	}

	// Every non-terminal status may fall into SKIP_BECAUSE_BROKEN
	sm.validTransitions = map[Status][]Status{
		StatusNotLoaded: {
			StatusLoadingSourceCode, // load
		},
		StatusLoadingSourceCode: {
			StatusNotBootstrapped,   // load success
			StatusLoadError,         // transient loader failure
			StatusSkipBecauseBroken, // invalid exports
		},
		StatusLoadError: {
			StatusLoadingSourceCode, // retry after backoff
			StatusUnloading,         // unload without calling the unit
			StatusSkipBecauseBroken,
		},
		StatusNotBootstrapped: {
			StatusBootstrapping, // bootstrap
			StatusUnloading,     // unload before first mount
			StatusSkipBecauseBroken,
		},
		StatusBootstrapping: {
			StatusNotMounted, // bootstrap success
			StatusSkipBecauseBroken,
		},
		StatusNotMounted: {
			StatusMounting,  // mount
			StatusUnloading, // unload
			StatusSkipBecauseBroken,
		},
		StatusMounting: {
			StatusMounted, // mount success, or hard unmount after mount failure
			StatusSkipBecauseBroken,
		},
		StatusMounted: {
			StatusUnmounting, // unmount
			StatusSkipBecauseBroken,
		},
		StatusUnmounting: {
			StatusNotMounted, // unmount success
			StatusSkipBecauseBroken,
		},
		StatusUnloading: {
			StatusNotLoaded, // unload success
			StatusSkipBecauseBroken,
		},
	}

	return sm
}

// Current returns the current status (thread-safe)
func (sm *StateMachine) Current() Status {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.currentStatus
}

// CanTransition checks if a transition from the current status is valid
func (sm *StateMachine) CanTransition(to Status) bool {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.canTransitionUnsafe(to)
}

// Transition moves to a new status if the edge is valid
func (sm *StateMachine) Transition(to Status, operation string, err error) error {
	sm.mutex.Lock()
	from := sm.currentStatus
	if !sm.canTransitionUnsafe(to) {
		sm.mutex.Unlock()
		return sm.invalidTransitionError(from, to, operation)
	}
	transition := sm.recordUnsafe(from, to, operation, err)
	sm.mutex.Unlock()

	sm.notify(transition)
	return nil
}

// TransitionFrom moves to a new status only if the current status is
// expected. Phase drivers use it to claim a unit, so a failed claim means
// another operation owns the unit.
func (sm *StateMachine) TransitionFrom(expected, to Status, operation string, err error) error {
	sm.mutex.Lock()
	from := sm.currentStatus
	if from != expected {
		sm.mutex.Unlock()
		return errors.NewConflictError(
			fmt.Sprintf("unit status is %s, expected %s for operation %s", from, expected, operation),
			nil,
		).WithContext("unit", sm.unitName).WithContext("current_status", string(from)).WithContext("expected_status", string(expected))
	}
	if !sm.canTransitionUnsafe(to) {
		sm.mutex.Unlock()
		return sm.invalidTransitionError(from, to, operation)
	}
	transition := sm.recordUnsafe(from, to, operation, err)
	sm.mutex.Unlock()

	sm.notify(transition)
	return nil
}

func (sm *StateMachine) invalidTransitionError(from, to Status, operation string) error {
	return errors.NewValidationError(
		fmt.Sprintf("invalid status transition from %s to %s for operation %s", from, to, operation),
		nil,
	).WithContext("unit", sm.unitName).WithContext("current_status", string(from)).WithContext("target_status", string(to))
}

func (sm *StateMachine) recordUnsafe(from, to Status, operation string, err error) Transition {
	transition := Transition{
		From:      from,
		To:        to,
		Operation: operation,
		Timestamp: sm.clock.Now(),
		Error:     err,
	}
	sm.transitions = append(sm.transitions, transition)
	sm.currentStatus = to
	return transition
}

func (sm *StateMachine) notify(transition Transition) {
	if transition.Error != nil {
		sm.logger.Warnf("Unit status transition failed, %s->%s, operation: %s, error: %v",
			transition.From, transition.To, transition.Operation, transition.Error)
	} else {
		sm.logger.Infof("Unit status transition, %s->%s, operation: %s",
			transition.From, transition.To, transition.Operation)
	}

	if sm.observer != nil {
		sm.observer(sm.unitName, transition)
	}
}

func (sm *StateMachine) canTransitionUnsafe(to Status) bool {
	for _, valid := range sm.validTransitions[sm.currentStatus] {
		if valid == to {
			return true
		}
	}
	return false
}

// History returns a copy of every recorded transition
func (sm *StateMachine) History() []Transition {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	history := make([]Transition, len(sm.transitions))
	copy(history, sm.transitions)
	return history
}

// StateInfo summarizes the state machine
type StateInfo struct {
	UnitName        string
	CurrentStatus   Status
	LastTransition  *Transition
	TransitionCount int
	ValidNext       []Status
}

// Info returns a snapshot of the state machine
func (sm *StateMachine) Info() StateInfo {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	var last *Transition
	if len(sm.transitions) > 0 {
		t := sm.transitions[len(sm.transitions)-1]
		last = &t
	}

	next := make([]Status, len(sm.validTransitions[sm.currentStatus]))
	copy(next, sm.validTransitions[sm.currentStatus])

	return StateInfo{
		UnitName:        sm.unitName,
		CurrentStatus:   sm.currentStatus,
		LastTransition:  last,
		TransitionCount: len(sm.transitions),
		ValidNext:       next,
	}
}

// IsActive reports whether the status counts as mounted
func (s Status) IsActive() bool {
	return s == StatusMounted
}

// IsBroken reports whether the status is terminal
func (s Status) IsBroken() bool {
	return s == StatusSkipBecauseBroken
}
