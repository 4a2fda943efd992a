package lifecycle

import (
	"context"
	"fmt"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/future"
)

// Phase names one lifecycle capability
type Phase string

const (
	PhaseBootstrap Phase = "bootstrap"
	PhaseMount     Phase = "mount"
	PhaseUnmount   Phase = "unmount"
	PhaseUnload    Phase = "unload"
)

// Host is the read-only view of the orchestrator handed to units in their props
type Host interface {
	GetStatus(name string) (Status, bool)
	ListActiveNames() []string
}

// Props is the argument of every loader and lifecycle call
type Props struct {
	Name        string
	CustomProps map[string]interface{}
	Host        Host
}

// Func is a unit-supplied lifecycle function. It must return a non-nil
// future; returning nil breaks the contract.
type Func func(ctx context.Context, props Props) *future.Future[struct{}]

// Async adapts a blocking function into a Func that runs on its own goroutine
func Async(fn func(ctx context.Context, props Props) error) Func {
	return func(ctx context.Context, props Props) *future.Future[struct{}] {
		return future.Go(func() (struct{}, error) {
			return struct{}{}, fn(ctx, props)
		})
	}
}

// Noop is a Func that resolves immediately
func Noop(ctx context.Context, props Props) *future.Future[struct{}] {
	return future.Resolved(struct{}{})
}

// Capability is one phase's implementation: a single function or an ordered
// sequence of them. The zero value is an absent capability.
type Capability struct {
	fns      []Func
	sequence bool
}

// Single wraps one lifecycle function
func Single(fn Func) Capability {
	return Capability{fns: []Func{fn}}
}

// Sequence wraps lifecycle functions that run strictly in order
func Sequence(fns ...Func) Capability {
	copied := make([]Func, len(fns))
	copy(copied, fns)
	return Capability{fns: copied, sequence: true}
}

// IsZero reports whether the capability is absent
func (c Capability) IsZero() bool {
	return !c.sequence && len(c.fns) == 0
}

// Len returns the number of functions in the capability
func (c Capability) Len() int {
	return len(c.fns)
}

// ValidCapability accepts a single non-nil function or a sequence whose every
// element is non-nil. An empty sequence is valid.
func ValidCapability(c Capability) bool {
	if c.IsZero() {
		return false
	}
	for _, fn := range c.fns {
		if fn == nil {
			return false
		}
	}
	return true
}

// Operation is a flattened capability
type Operation func(ctx context.Context, props Props) error

// Flatten turns a capability into one operation running each function after
// the previous one resolved. An absent or empty capability resolves
// immediately. A function returning a nil future rejects the operation and
// the functions after it are not called.
func Flatten(unitName string, phase Phase, c Capability) Operation {
	fns := c.fns
	if len(fns) == 0 {
		fns = []Func{Noop}
	}

	return func(ctx context.Context, props Props) error {
		for index, fn := range fns {
			f := fn(ctx, props)
			if f == nil {
				return errors.NewContractError(
					fmt.Sprintf("within unit %s, the lifecycle function %s at index %d did not return a future", unitName, phase, index),
					nil,
				).WithContext("unit", unitName).WithContext("phase", string(phase)).WithContext("index", index)
			}
			if _, err := f.Await(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}
