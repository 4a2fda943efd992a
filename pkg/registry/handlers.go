package registry

import (
	"fmt"
	"sort"

	"github.com/core-tools/hsu-orchestrator/pkg/lifecycle"
)

// UnitError is a failure that moved a unit into LOAD_ERROR or
// SKIP_BECAUSE_BROKEN
type UnitError struct {
	Unit      string
	Status    lifecycle.Status // status the unit died in
	NewStatus lifecycle.Status
	Err       error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("unit '%s' died in status %s: %v", e.Unit, e.Status, e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}

// ErrorHandler receives every unit failure
type ErrorHandler func(err *UnitError)

// HandlerID identifies a registered error handler
type HandlerID uint64

// AddErrorHandler registers handler and returns its id
func (r *Registry) AddErrorHandler(handler ErrorHandler) HandlerID {
	r.handlersMutex.Lock()
	defer r.handlersMutex.Unlock()

	r.nextHandlerID++
	r.handlers[r.nextHandlerID] = handler
	return r.nextHandlerID
}

// RemoveErrorHandler unregisters a handler. Reports whether it was registered.
func (r *Registry) RemoveErrorHandler(id HandlerID) bool {
	r.handlersMutex.Lock()
	defer r.handlersMutex.Unlock()

	if _, exists := r.handlers[id]; !exists {
		return false
	}
	delete(r.handlers, id)
	return true
}

// Fail moves unit from status from to status to and reports cause to the
// error handlers. When from equals to, or the unit already left from, only
// the report happens.
func (r *Registry) Fail(unit *Unit, from, to lifecycle.Status, operation string, cause error) *UnitError {
	unitErr := &UnitError{
		Unit:      unit.name,
		Status:    from,
		NewStatus: to,
		Err:       cause,
	}

	if from != to {
		if err := unit.state.TransitionFrom(from, to, operation, cause); err != nil {
			unit.logger.Errorf("Failed to record unit failure, operation: %s, error: %v", operation, err)
		}
	}

	r.report(unitErr)
	return unitErr
}

func (r *Registry) report(unitErr *UnitError) {
	if r.options.ErrorObserver != nil {
		r.options.ErrorObserver(unitErr)
	}

	r.handlersMutex.RLock()
	ids := make([]HandlerID, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	handlers := make([]ErrorHandler, 0, len(ids))
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		handlers = append(handlers, r.handlers[id])
	}
	r.handlersMutex.RUnlock()

	if len(handlers) == 0 {
		r.logger.Errorf("%v", unitErr)
		return
	}

	for _, handler := range handlers {
		r.callHandler(handler, unitErr)
	}
}

func (r *Registry) callHandler(handler ErrorHandler, unitErr *UnitError) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorf("Error handler panicked, unit: %s, panic: %v", unitErr.Unit, rec)
		}
	}()
	handler(unitErr)
}
