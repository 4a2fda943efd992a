// Package navigation keeps the in-memory navigation history whose current
// entry is the location units are activated against, and the navigation
// listeners that are held back while a reroute pass runs.
package navigation

import (
	"sort"
	"strings"
	"sync"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/events"
	"github.com/core-tools/hsu-orchestrator/pkg/location"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
)

// Trigger types produced by history changes
const (
	TriggerPushState    = "pushstate"
	TriggerReplaceState = "replacestate"
	TriggerPopState     = "popstate"
	TriggerHashChange   = "hashchange"
)

// Listener is called with the trigger of a navigation once the pass it
// started has unmounted what it had to
type Listener func(trigger *events.Trigger)

type ListenerID uint64

type registeredListener struct {
	listener Listener
	types    map[string]struct{}
}

type entry struct {
	loc   location.Location
	state interface{}
}

type History struct {
	logger logging.Logger

	mutex   sync.RWMutex
	entries []entry
	index   int

	listenersMutex sync.RWMutex
	listeners      map[ListenerID]registeredListener
	nextID         ListenerID
}

func NewHistory(initial location.Location, logger logging.Logger) *History {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &History{
		logger:    logger,
		entries:   []entry{{loc: initial}},
		listeners: make(map[ListenerID]registeredListener),
	}
}

// Location returns the current entry's location
func (h *History) Location() location.Location {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.entries[h.index].loc
}

// State returns the state stored with the current entry
func (h *History) State() interface{} {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.entries[h.index].state
}

// Len returns the number of entries
func (h *History) Len() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.entries)
}

// Push adds an entry for href after the current one, dropping any forward
// entries. Pushing the current href only replaces the entry's state and
// returns a nil trigger.
func (h *History) Push(href string, state interface{}) (*events.Trigger, error) {
	return h.change(href, state, false)
}

// Replace swaps the current entry for href
func (h *History) Replace(href string, state interface{}) (*events.Trigger, error) {
	return h.change(href, state, true)
}

func (h *History) change(href string, state interface{}, replace bool) (*events.Trigger, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	current := h.entries[h.index].loc
	next, err := resolve(current, href)
	if err != nil {
		return nil, errors.NewValidationError("cannot navigate", err).WithContext("href", href)
	}

	if next.Href == current.Href {
		h.entries[h.index].state = state
		h.logger.Debugf("Navigation to current location, href: %s", next.Href)
		return nil, nil
	}

	if replace {
		h.entries[h.index] = entry{loc: next, state: state}
	} else {
		h.entries = append(h.entries[:h.index+1], entry{loc: next, state: state})
		h.index++
	}

	triggerType := TriggerPushState
	if replace {
		triggerType = TriggerReplaceState
	}
	if onlyHashDiffers(current.Href, next.Href) {
		triggerType = TriggerHashChange
	}

	h.logger.Debugf("Navigated, type: %s, from: %s, to: %s", triggerType, current.Href, next.Href)
	return &events.Trigger{Type: triggerType, Href: next.Href, State: state}, nil
}

// Back moves to the previous entry. The trigger is nil at the first entry.
func (h *History) Back() *events.Trigger {
	return h.Go(-1)
}

// Forward moves to the next entry. The trigger is nil at the last entry.
func (h *History) Forward() *events.Trigger {
	return h.Go(1)
}

// Go moves delta entries. Out of range moves do nothing.
func (h *History) Go(delta int) *events.Trigger {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	target := h.index + delta
	if delta == 0 || target < 0 || target >= len(h.entries) {
		return nil
	}

	current := h.entries[h.index]
	h.index = target
	next := h.entries[target]

	triggerType := TriggerPopState
	if onlyHashDiffers(current.loc.Href, next.loc.Href) {
		triggerType = TriggerHashChange
	}
	return &events.Trigger{Type: triggerType, Href: next.loc.Href, State: next.state}
}

// AddListener registers listener for the given trigger types, or for all
// of them when none are given
func (h *History) AddListener(listener Listener, types ...string) ListenerID {
	h.listenersMutex.Lock()
	defer h.listenersMutex.Unlock()

	var filter map[string]struct{}
	if len(types) > 0 {
		filter = make(map[string]struct{}, len(types))
		for _, t := range types {
			filter[t] = struct{}{}
		}
	}

	h.nextID++
	h.listeners[h.nextID] = registeredListener{listener: listener, types: filter}
	return h.nextID
}

func (h *History) RemoveListener(id ListenerID) bool {
	h.listenersMutex.Lock()
	defer h.listenersMutex.Unlock()

	if _, ok := h.listeners[id]; !ok {
		return false
	}
	delete(h.listeners, id)
	return true
}

// Replay calls the listeners interested in trigger, in registration order
func (h *History) Replay(trigger *events.Trigger) {
	if trigger == nil {
		return
	}

	h.listenersMutex.RLock()
	ids := make([]ListenerID, 0, len(h.listeners))
	for id, l := range h.listeners {
		if l.types != nil {
			if _, ok := l.types[trigger.Type]; !ok {
				continue
			}
		}
		ids = append(ids, id)
	}
	listeners := make(map[ListenerID]Listener, len(ids))
	for _, id := range ids {
		listeners[id] = h.listeners[id].listener
	}
	h.listenersMutex.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		h.call(listeners[id], trigger)
	}
}

func (h *History) call(listener Listener, trigger *events.Trigger) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Errorf("Navigation listener panicked, type: %s, href: %s, panic: %v", trigger.Type, trigger.Href, r)
		}
	}()
	listener(trigger)
}

func resolve(current location.Location, href string) (location.Location, error) {
	if strings.HasPrefix(href, "#") && current.Href != "" {
		base, _, _ := strings.Cut(current.Href, "#")
		return location.Parse(base + href)
	}
	return current.Resolve(href)
}

func onlyHashDiffers(a, b string) bool {
	stripA, _, hashA := strings.Cut(a, "#")
	stripB, _, hashB := strings.Cut(b, "#")
	return stripA == stripB && (hashA || hashB)
}
