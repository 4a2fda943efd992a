package lifecycle

import (
	"context"

	"github.com/core-tools/hsu-orchestrator/pkg/future"
)

// Exports is what a loader resolves with
type Exports struct {
	Bootstrap Capability
	Mount     Capability
	Unmount   Capability
	Unload    Capability // optional

	// Timeouts override the orchestrator defaults per phase
	Timeouts map[Phase]Timeout

	Devtools *Devtools
}

// Devtools carries inspection data merged into the unit record
type Devtools struct {
	Overlays map[string]interface{}
}

// LoadFunc fetches a unit's exports. It must return a non-nil future.
type LoadFunc func(ctx context.Context, props Props) *future.Future[*Exports]

// LoadAsync adapts a blocking loader
func LoadAsync(fn func(ctx context.Context, props Props) (*Exports, error)) LoadFunc {
	return func(ctx context.Context, props Props) *future.Future[*Exports] {
		return future.Go(func() (*Exports, error) {
			return fn(ctx, props)
		})
	}
}

// FromExports is a loader resolving immediately with exports
func FromExports(exports *Exports) LoadFunc {
	return func(ctx context.Context, props Props) *future.Future[*Exports] {
		return future.Resolved(exports)
	}
}

// Lifecycle holds the flattened operations of a loaded unit
type Lifecycle struct {
	Bootstrap Operation
	Mount     Operation
	Unmount   Operation
	Unload    Operation
}

// Materialize flattens every capability of exports
func Materialize(unitName string, exports *Exports) *Lifecycle {
	return &Lifecycle{
		Bootstrap: Flatten(unitName, PhaseBootstrap, exports.Bootstrap),
		Mount:     Flatten(unitName, PhaseMount, exports.Mount),
		Unmount:   Flatten(unitName, PhaseUnmount, exports.Unmount),
		Unload:    Flatten(unitName, PhaseUnload, exports.Unload),
	}
}

// Operation returns the operation for phase
func (l *Lifecycle) Operation(phase Phase) Operation {
	switch phase {
	case PhaseBootstrap:
		return l.Bootstrap
	case PhaseMount:
		return l.Mount
	case PhaseUnmount:
		return l.Unmount
	case PhaseUnload:
		return l.Unload
	default:
		return nil
	}
}
