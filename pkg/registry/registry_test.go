package registry

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/lifecycle"
	"github.com/core-tools/hsu-orchestrator/pkg/location"
)

var stubExports = &lifecycle.Exports{
	Bootstrap: lifecycle.Single(lifecycle.Noop),
	Mount:     lifecycle.Single(lifecycle.Noop),
	Unmount:   lifecycle.Single(lifecycle.Noop),
}

var paths = map[lifecycle.Status][]lifecycle.Status{
	lifecycle.StatusNotLoaded:         {},
	lifecycle.StatusLoadingSourceCode: {lifecycle.StatusLoadingSourceCode},
	lifecycle.StatusLoadError:         {lifecycle.StatusLoadingSourceCode, lifecycle.StatusLoadError},
	lifecycle.StatusNotBootstrapped:   {lifecycle.StatusLoadingSourceCode, lifecycle.StatusNotBootstrapped},
	lifecycle.StatusBootstrapping:     {lifecycle.StatusLoadingSourceCode, lifecycle.StatusNotBootstrapped, lifecycle.StatusBootstrapping},
	lifecycle.StatusNotMounted:        {lifecycle.StatusLoadingSourceCode, lifecycle.StatusNotBootstrapped, lifecycle.StatusBootstrapping, lifecycle.StatusNotMounted},
	lifecycle.StatusMounting:          {lifecycle.StatusLoadingSourceCode, lifecycle.StatusNotBootstrapped, lifecycle.StatusBootstrapping, lifecycle.StatusNotMounted, lifecycle.StatusMounting},
	lifecycle.StatusMounted:           {lifecycle.StatusLoadingSourceCode, lifecycle.StatusNotBootstrapped, lifecycle.StatusBootstrapping, lifecycle.StatusNotMounted, lifecycle.StatusMounting, lifecycle.StatusMounted},
	lifecycle.StatusUnmounting:        {lifecycle.StatusLoadingSourceCode, lifecycle.StatusNotBootstrapped, lifecycle.StatusBootstrapping, lifecycle.StatusNotMounted, lifecycle.StatusMounting, lifecycle.StatusMounted, lifecycle.StatusUnmounting},
	lifecycle.StatusUnloading:         {lifecycle.StatusLoadingSourceCode, lifecycle.StatusNotBootstrapped, lifecycle.StatusUnloading},
	lifecycle.StatusSkipBecauseBroken: {lifecycle.StatusLoadingSourceCode, lifecycle.StatusSkipBecauseBroken},
}

func driveTo(t *testing.T, unit *Unit, status lifecycle.Status) {
	t.Helper()
	for _, to := range paths[status] {
		require.NoError(t, unit.State().Transition(to, "test", nil))
	}
	require.Equal(t, status, unit.Status())
}

type pendingSet map[string]bool

func (p pendingSet) IsPending(name string) bool {
	return p[name]
}

func newTestRegistry(clock clockwork.Clock) *Registry {
	return New(Options{Clock: clock})
}

func at(path string) location.Location {
	return location.MustParse("http://localhost" + path)
}

func TestRegistry_Add(t *testing.T) {
	r := newTestRegistry(clockwork.NewFakeClock())

	unit, err := r.Add(UnitSpec{Name: "app1", App: stubExports, ActiveWhen: "/app1"})
	require.NoError(t, err)
	assert.Equal(t, "app1", unit.Name())
	assert.Equal(t, lifecycle.StatusNotLoaded, unit.Status())

	t.Run("duplicate_does_not_mutate", func(t *testing.T) {
		_, err := r.Add(UnitSpec{Name: "app1", App: stubExports, ActiveWhen: "/other"})
		assert.True(t, errors.IsConflictError(err))
		assert.True(t, errors.IsConfigurationError(err))
		assert.Equal(t, []string{"app1"}, r.ListAllNames())

		same, err := r.Get("app1")
		require.NoError(t, err)
		assert.Same(t, unit, same)
		assert.True(t, same.MatchesLocation(at("/app1")))
	})

	invalid := []struct {
		name string
		spec UnitSpec
	}{
		{"empty_name", UnitSpec{App: stubExports, ActiveWhen: "/a"}},
		{"no_loader", UnitSpec{Name: "a", ActiveWhen: "/a"}},
		{"both_loaders", UnitSpec{Name: "a", App: stubExports, Load: lifecycle.FromExports(stubExports), ActiveWhen: "/a"}},
		{"no_activation", UnitSpec{Name: "a", App: stubExports}},
		{"bad_activation", UnitSpec{Name: "a", App: stubExports, ActiveWhen: 7}},
		{"array_custom_props", UnitSpec{Name: "a", App: stubExports, ActiveWhen: "/a", CustomProps: []string{"x"}}},
		{"scalar_custom_props", UnitSpec{Name: "a", App: stubExports, ActiveWhen: "/a", CustomProps: "x"}},
	}
	for _, tt := range invalid {
		t.Run("invalid_"+tt.name, func(t *testing.T) {
			_, err := r.Add(tt.spec)
			assert.True(t, errors.IsValidationError(err))
			assert.Equal(t, []string{"app1"}, r.ListAllNames())
		})
	}
}

func TestRegistry_Remove(t *testing.T) {
	r := newTestRegistry(clockwork.NewFakeClock())
	for _, name := range []string{"a", "b", "c"} {
		_, err := r.Add(UnitSpec{Name: name, App: stubExports, ActiveWhen: "/" + name})
		require.NoError(t, err)
	}

	require.NoError(t, r.Remove("b"))
	assert.Equal(t, []string{"a", "c"}, r.ListAllNames())

	assert.True(t, errors.IsNotFoundError(r.Remove("b")))
	_, ok := r.GetStatus("b")
	assert.False(t, ok)
}

func TestRegistry_ComputeDiff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newTestRegistry(clock)

	statuses := []lifecycle.Status{
		lifecycle.StatusNotLoaded,
		lifecycle.StatusLoadingSourceCode,
		lifecycle.StatusLoadError,
		lifecycle.StatusNotBootstrapped,
		lifecycle.StatusBootstrapping,
		lifecycle.StatusNotMounted,
		lifecycle.StatusMounting,
		lifecycle.StatusMounted,
		lifecycle.StatusUnmounting,
		lifecycle.StatusUnloading,
		lifecycle.StatusSkipBecauseBroken,
	}

	// For every status: one active unit, one inactive, one inactive with a pending unload
	pending := pendingSet{}
	for _, status := range statuses {
		for _, variant := range []string{"on", "off", "pending"} {
			name := string(status) + "-" + variant
			path := "/off"
			if variant == "on" {
				path = "/on"
			}
			unit, err := r.Add(UnitSpec{Name: name, App: stubExports, ActiveWhen: path})
			require.NoError(t, err)
			driveTo(t, unit, status)
			if variant == "pending" {
				pending[name] = true
			}
		}
	}

	clock.Advance(DefaultLoadRetryDelay)
	diff := r.ComputeDiff(at("/on"), pending)

	t.Run("disjoint", func(t *testing.T) {
		seen := map[string]bool{}
		for _, unit := range diff.Changed() {
			assert.False(t, seen[unit.Name()], "unit %s listed twice", unit.Name())
			seen[unit.Name()] = true
		}
	})

	t.Run("classification", func(t *testing.T) {
		assert.ElementsMatch(t, []string{
			"NOT_BOOTSTRAPPED-pending",
			"NOT_MOUNTED-pending",
		}, names(diff.Unload))
		assert.ElementsMatch(t, []string{
			"MOUNTED-off",
			"MOUNTED-pending",
		}, names(diff.Unmount))
		assert.ElementsMatch(t, []string{
			"NOT_LOADED-on",
			"LOADING_SOURCE_CODE-on",
			"LOAD_ERROR-on",
			"LOAD_ERROR-off",
			"LOAD_ERROR-pending",
		}, names(diff.Load))
		assert.ElementsMatch(t, []string{
			"NOT_BOOTSTRAPPED-on",
			"NOT_MOUNTED-on",
		}, names(diff.Mount))
	})

	t.Run("changed_order", func(t *testing.T) {
		changed := diff.Changed()
		require.Len(t, changed, 11)
		assert.Equal(t, diff.Unload[0], changed[0])
		assert.Equal(t, diff.Load[0], changed[len(diff.Unload)])
	})
}

func TestRegistry_ComputeDiff_LoadErrorBackoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newTestRegistry(clock)

	unit, err := r.Add(UnitSpec{Name: "a", App: stubExports, ActiveWhen: "/a"})
	require.NoError(t, err)
	driveTo(t, unit, lifecycle.StatusLoadError)
	unit.SetLoadErrorTime(clock.Now())

	clock.Advance(199 * time.Millisecond)
	assert.Empty(t, r.ComputeDiff(at("/a"), nil).Load)

	clock.Advance(time.Millisecond)
	assert.Equal(t, []string{"a"}, names(r.ComputeDiff(at("/a"), nil).Load))
}

func TestRegistry_ComputeDiff_BrokenExcluded(t *testing.T) {
	r := newTestRegistry(clockwork.NewFakeClock())
	unit, err := r.Add(UnitSpec{Name: "a", App: stubExports, ActiveWhen: "/a"})
	require.NoError(t, err)
	driveTo(t, unit, lifecycle.StatusSkipBecauseBroken)

	assert.Empty(t, r.ComputeDiff(at("/a"), nil).Changed())
	assert.False(t, unit.ShouldBeActive(at("/a")))
	assert.Equal(t, []string{"a"}, r.CheckActive(at("/a")))
}

func TestRegistry_Accessors(t *testing.T) {
	r := newTestRegistry(clockwork.NewFakeClock())
	a, err := r.Add(UnitSpec{Name: "a", App: stubExports, ActiveWhen: []string{"/a", "/shared"}})
	require.NoError(t, err)
	_, err = r.Add(UnitSpec{Name: "b", App: stubExports, ActiveWhen: "/shared"})
	require.NoError(t, err)

	driveTo(t, a, lifecycle.StatusMounted)

	assert.Equal(t, []string{"a"}, r.ListActiveNames())
	assert.Equal(t, []string{"a", "b"}, r.ListAllNames())
	assert.Equal(t, []string{"a", "b"}, r.CheckActive(at("/shared/x")))
	assert.Empty(t, r.CheckActive(at("/none")))

	status, ok := r.GetStatus("a")
	assert.True(t, ok)
	assert.Equal(t, lifecycle.StatusMounted, status)

	counts := r.StatusCounts()
	assert.Equal(t, 1, counts[lifecycle.StatusMounted])
	assert.Equal(t, 1, counts[lifecycle.StatusNotLoaded])
}

func TestRegistry_Props(t *testing.T) {
	current := at("/dashboard")
	r := New(Options{Clock: clockwork.NewFakeClock(), Location: func() location.Location { return current }})

	static, err := r.Add(UnitSpec{Name: "static", App: stubExports, ActiveWhen: "/", CustomProps: map[string]interface{}{"theme": "dark"}})
	require.NoError(t, err)
	dynamic, err := r.Add(UnitSpec{Name: "dynamic", App: stubExports, ActiveWhen: "/",
		CustomProps: CustomPropsFunc(func(name string, loc location.Location) map[string]interface{} {
			return map[string]interface{}{"route": loc.Route(), "name": name}
		})})
	require.NoError(t, err)

	props := r.Props(static)
	assert.Equal(t, "static", props.Name)
	assert.Equal(t, "dark", props.CustomProps["theme"])
	props.CustomProps["theme"] = "light"
	assert.Equal(t, "dark", r.Props(static).CustomProps["theme"])

	props = r.Props(dynamic)
	assert.Equal(t, "/dashboard", props.CustomProps["route"])
	assert.Equal(t, "dynamic", props.CustomProps["name"])

	status, ok := props.Host.GetStatus("static")
	assert.True(t, ok)
	assert.Equal(t, lifecycle.StatusNotLoaded, status)
}

func TestRegistry_ErrorHandlers(t *testing.T) {
	r := newTestRegistry(clockwork.NewFakeClock())
	unit, err := r.Add(UnitSpec{Name: "a", App: stubExports, ActiveWhen: "/a"})
	require.NoError(t, err)
	driveTo(t, unit, lifecycle.StatusNotBootstrapped)

	var received []*UnitError
	id := r.AddErrorHandler(func(err *UnitError) { received = append(received, err) })
	r.AddErrorHandler(func(err *UnitError) { panic("misbehaving handler") })

	cause := stderrors.New("bootstrap exploded")
	unitErr := r.Fail(unit, lifecycle.StatusNotBootstrapped, lifecycle.StatusSkipBecauseBroken, "bootstrap", cause)

	assert.Equal(t, lifecycle.StatusSkipBecauseBroken, unit.Status())
	require.Len(t, received, 1)
	assert.Same(t, unitErr, received[0])
	assert.ErrorIs(t, received[0], cause)
	assert.Equal(t, "unit 'a' died in status NOT_BOOTSTRAPPED: bootstrap exploded", received[0].Error())

	assert.True(t, r.RemoveErrorHandler(id))
	assert.False(t, r.RemoveErrorHandler(id))
}

func TestRegistry_Retire(t *testing.T) {
	r := newTestRegistry(clockwork.NewFakeClock())
	_, err := r.Add(UnitSpec{Name: "a", App: stubExports, ActiveWhen: "/a"})
	require.NoError(t, err)

	unit, err := r.Retire("a")
	require.NoError(t, err)
	assert.True(t, unit.Retiring())
	assert.Empty(t, r.ComputeDiff(at("/a"), nil).Changed())

	_, err = r.Retire("a")
	assert.True(t, errors.IsConflictError(err))
	_, err = r.Retire("missing")
	assert.True(t, errors.IsNotFoundError(err))

	r.Reinstate(unit)
	assert.Len(t, r.ComputeDiff(at("/a"), nil).Load, 1)
}

func TestRegistry_ErrorObserver(t *testing.T) {
	var observed []*UnitError
	r := New(Options{
		Clock:         clockwork.NewFakeClock(),
		ErrorObserver: func(err *UnitError) { observed = append(observed, err) },
	})
	unit, err := r.Add(UnitSpec{Name: "a", App: stubExports, ActiveWhen: "/a"})
	require.NoError(t, err)
	driveTo(t, unit, lifecycle.StatusLoadingSourceCode)

	r.Fail(unit, lifecycle.StatusLoadingSourceCode, lifecycle.StatusLoadError, "load", stderrors.New("offline"))

	require.Len(t, observed, 1)
	assert.Equal(t, lifecycle.StatusLoadError, observed[0].NewStatus)
}

func TestUnit_Install(t *testing.T) {
	r := newTestRegistry(clockwork.NewFakeClock())
	unit, err := r.Add(UnitSpec{Name: "a", App: stubExports, ActiveWhen: "/a"})
	require.NoError(t, err)
	unit.SetLoadErrorTime(time.Unix(100, 0))

	unit.Install(&lifecycle.Exports{
		Bootstrap: lifecycle.Single(lifecycle.Noop),
		Mount:     lifecycle.Single(lifecycle.Noop),
		Unmount:   lifecycle.Single(lifecycle.Noop),
		Timeouts:  map[lifecycle.Phase]lifecycle.Timeout{lifecycle.PhaseMount: {Limit: time.Minute}},
		Devtools:  &lifecycle.Devtools{Overlays: map[string]interface{}{"selectors": []string{"#a"}}},
	}, r.Timeouts())

	assert.NotNil(t, unit.Lifecycle())
	assert.True(t, unit.LoadErrorTime().IsZero())
	assert.Equal(t, time.Minute, unit.Timeouts().Mount.Limit)
	assert.Equal(t, []string{"#a"}, unit.Overlays()["selectors"])
	assert.Contains(t, unit.Overlays(), "options")

	info := unit.Info()
	assert.True(t, info.Loaded)
	assert.Nil(t, info.LoadErrorTime)

	unit.Discard()
	assert.Nil(t, unit.Lifecycle())
}

func names(units []*Unit) []string {
	out := make([]string, 0, len(units))
	for _, unit := range units {
		out = append(out, unit.Name())
	}
	return out
}
