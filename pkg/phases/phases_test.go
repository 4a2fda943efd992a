package phases

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/events"
	"github.com/core-tools/hsu-orchestrator/pkg/lifecycle"
	"github.com/core-tools/hsu-orchestrator/pkg/loader"
	"github.com/core-tools/hsu-orchestrator/pkg/registry"
)

type recordingEmitter struct {
	mu    sync.Mutex
	types []string
}

func (e *recordingEmitter) Emit(eventType string, data interface{}, extensions map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.types = append(e.types, eventType)
}

type calls struct {
	bootstrap, mount, unmount, unload int32
}

func counting(counter *int32, err error) lifecycle.Capability {
	return lifecycle.Single(lifecycle.Async(func(ctx context.Context, props lifecycle.Props) error {
		atomic.AddInt32(counter, 1)
		return err
	}))
}

type failures struct {
	bootstrap, mount, unmount, unload error
}

func exportsWith(c *calls, f failures) *lifecycle.Exports {
	return &lifecycle.Exports{
		Bootstrap: counting(&c.bootstrap, f.bootstrap),
		Mount:     counting(&c.mount, f.mount),
		Unmount:   counting(&c.unmount, f.unmount),
		Unload:    counting(&c.unload, f.unload),
	}
}

type fixture struct {
	clock    *clockwork.FakeClock
	registry *registry.Registry
	pipeline *loader.Pipeline
	driver   *Driver
	emitter  *recordingEmitter

	mu     sync.Mutex
	errors []*registry.UnitError
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{clock: clockwork.NewFakeClock(), emitter: &recordingEmitter{}}
	f.registry = registry.New(registry.Options{Clock: f.clock})
	f.registry.AddErrorHandler(func(err *registry.UnitError) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.errors = append(f.errors, err)
	})
	f.pipeline = loader.NewPipeline(f.registry, nil)
	f.driver = NewDriver(f.registry, f.emitter)
	return f
}

func (f *fixture) loaded(t *testing.T, name string, exports *lifecycle.Exports) *registry.Unit {
	unit, err := f.registry.Add(registry.UnitSpec{Name: name, App: exports, ActiveWhen: "/" + name})
	require.NoError(t, err)
	require.NoError(t, f.pipeline.Load(context.Background(), unit))
	require.Equal(t, lifecycle.StatusNotBootstrapped, unit.Status())
	return unit
}

func (f *fixture) mounted(t *testing.T, name string, exports *lifecycle.Exports) *registry.Unit {
	unit := f.loaded(t, name, exports)
	ctx := context.Background()
	require.NoError(t, f.driver.Bootstrap(ctx, unit))
	require.NoError(t, f.driver.Mount(ctx, unit))
	require.Equal(t, lifecycle.StatusMounted, unit.Status())
	return unit
}

func TestDriver_FullLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := &calls{}
	unit := f.loaded(t, "app1", exportsWith(c, failures{}))

	require.NoError(t, f.driver.Bootstrap(ctx, unit))
	assert.Equal(t, lifecycle.StatusNotMounted, unit.Status())

	require.NoError(t, f.driver.Mount(ctx, unit))
	assert.Equal(t, lifecycle.StatusMounted, unit.Status())

	require.NoError(t, f.driver.Unmount(ctx, unit))
	assert.Equal(t, lifecycle.StatusNotMounted, unit.Status())

	claimed, err := f.driver.Unload(ctx, unit)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, lifecycle.StatusNotLoaded, unit.Status())
	assert.Nil(t, unit.Lifecycle())

	assert.Equal(t, calls{1, 1, 1, 1}, *c)
	assert.Empty(t, f.errors)
}

func TestDriver_FirstMountEventsOnce(t *testing.T) {
	f := newFixture(t)
	f.mounted(t, "a", exportsWith(&calls{}, failures{}))
	f.mounted(t, "b", exportsWith(&calls{}, failures{}))

	assert.Equal(t, []string{events.BeforeFirstMount, events.FirstMount}, f.emitter.types)
}

func TestDriver_WrongStatusIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := &calls{}
	unit := f.loaded(t, "app1", exportsWith(c, failures{}))

	require.NoError(t, f.driver.Mount(ctx, unit))
	require.NoError(t, f.driver.Unmount(ctx, unit))
	assert.Equal(t, lifecycle.StatusNotBootstrapped, unit.Status())
	assert.Equal(t, calls{}, *c)
	assert.Empty(t, f.emitter.types)
}

func TestDriver_BootstrapFailureBreaksUnit(t *testing.T) {
	f := newFixture(t)
	unit := f.loaded(t, "app1", exportsWith(&calls{}, failures{bootstrap: stderrors.New("no config")}))

	require.NoError(t, f.driver.Bootstrap(context.Background(), unit))

	assert.Equal(t, lifecycle.StatusSkipBecauseBroken, unit.Status())
	require.Len(t, f.errors, 1)
	assert.Equal(t, lifecycle.StatusBootstrapping, f.errors[0].Status)
	assert.True(t, errors.IsLifecycleError(f.errors[0]))
	assert.Contains(t, f.errors[0].Error(), "no config")
}

func TestDriver_MountFailureUnmountsThenBreaks(t *testing.T) {
	t.Run("unmount_succeeds", func(t *testing.T) {
		f := newFixture(t)
		c := &calls{}
		unit := f.loaded(t, "app1", exportsWith(c, failures{mount: stderrors.New("render failed")}))
		require.NoError(t, f.driver.Bootstrap(context.Background(), unit))

		require.NoError(t, f.driver.Mount(context.Background(), unit))

		assert.Equal(t, lifecycle.StatusSkipBecauseBroken, unit.Status())
		assert.Equal(t, int32(1), c.unmount)
		require.Len(t, f.errors, 1)
		assert.Equal(t, lifecycle.StatusNotMounted, f.errors[0].Status)
		assert.Contains(t, f.errors[0].Error(), "render failed")
		assert.Equal(t, []string{events.BeforeFirstMount}, f.emitter.types)
	})

	t.Run("unmount_fails_too", func(t *testing.T) {
		f := newFixture(t)
		unit := f.loaded(t, "app1", exportsWith(&calls{}, failures{
			mount:   stderrors.New("render failed"),
			unmount: stderrors.New("cleanup failed"),
		}))
		require.NoError(t, f.driver.Bootstrap(context.Background(), unit))

		require.NoError(t, f.driver.Mount(context.Background(), unit))

		assert.Equal(t, lifecycle.StatusSkipBecauseBroken, unit.Status())
		require.Len(t, f.errors, 1)
		assert.Contains(t, f.errors[0].Error(), "render failed")
	})
}

func TestDriver_UnmountFailureBreaksUnit(t *testing.T) {
	f := newFixture(t)
	unit := f.mounted(t, "app1", exportsWith(&calls{}, failures{unmount: stderrors.New("stuck")}))

	require.NoError(t, f.driver.Unmount(context.Background(), unit))

	assert.Equal(t, lifecycle.StatusSkipBecauseBroken, unit.Status())
	require.Len(t, f.errors, 1)
	assert.Equal(t, lifecycle.StatusUnmounting, f.errors[0].Status)
}

func TestDriver_Unload(t *testing.T) {
	t.Run("not_bootstrapped", func(t *testing.T) {
		f := newFixture(t)
		c := &calls{}
		unit := f.loaded(t, "app1", exportsWith(c, failures{}))

		claimed, err := f.driver.Unload(context.Background(), unit)
		require.NoError(t, err)
		assert.True(t, claimed)
		assert.Equal(t, lifecycle.StatusNotLoaded, unit.Status())
		assert.Equal(t, int32(1), c.unload)
	})

	t.Run("load_error_skips_capability", func(t *testing.T) {
		f := newFixture(t)
		unit, err := f.registry.Add(registry.UnitSpec{
			Name: "app1",
			Load: lifecycle.LoadAsync(func(ctx context.Context, props lifecycle.Props) (*lifecycle.Exports, error) {
				return nil, stderrors.New("offline")
			}),
			ActiveWhen: "/app1",
		})
		require.NoError(t, err)
		require.NoError(t, f.pipeline.Load(context.Background(), unit))
		require.Equal(t, lifecycle.StatusLoadError, unit.Status())

		claimed, err := f.driver.Unload(context.Background(), unit)
		require.NoError(t, err)
		assert.True(t, claimed)
		assert.Equal(t, lifecycle.StatusNotLoaded, unit.Status())
	})

	t.Run("mounted_is_not_claimed", func(t *testing.T) {
		f := newFixture(t)
		unit := f.mounted(t, "app1", exportsWith(&calls{}, failures{}))

		claimed, err := f.driver.Unload(context.Background(), unit)
		require.NoError(t, err)
		assert.False(t, claimed)
		assert.Equal(t, lifecycle.StatusMounted, unit.Status())
	})

	t.Run("failure_breaks_unit", func(t *testing.T) {
		f := newFixture(t)
		unit := f.loaded(t, "app1", exportsWith(&calls{}, failures{unload: stderrors.New("leak")}))

		claimed, err := f.driver.Unload(context.Background(), unit)
		assert.True(t, claimed)
		assert.Error(t, err)
		assert.Equal(t, lifecycle.StatusSkipBecauseBroken, unit.Status())
		assert.Nil(t, unit.Lifecycle())
		require.Len(t, f.errors, 1)
	})
}

func TestDriver_MountTimeout(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	defer close(release)

	unit := f.loaded(t, "app1", &lifecycle.Exports{
		Bootstrap: lifecycle.Single(lifecycle.Noop),
		Mount: lifecycle.Single(lifecycle.Async(func(ctx context.Context, props lifecycle.Props) error {
			<-release
			return nil
		})),
		Unmount: lifecycle.Single(lifecycle.Noop),
		Timeouts: map[lifecycle.Phase]lifecycle.Timeout{
			lifecycle.PhaseMount: {Limit: 5 * time.Second, DieOnTimeout: true},
		},
	})
	require.NoError(t, f.driver.Bootstrap(context.Background(), unit))

	done := make(chan error, 1)
	go func() { done <- f.driver.Mount(context.Background(), unit) }()

	// mount limit and warning period
	f.clock.BlockUntil(2)
	f.clock.Advance(5 * time.Second)

	require.NoError(t, <-done)
	assert.Equal(t, lifecycle.StatusSkipBecauseBroken, unit.Status())
	require.Len(t, f.errors, 1)
	assert.True(t, errors.IsTimeoutError(f.errors[0]))
}
