package scope

import (
	"context"
	"fmt"
	"sync"
)

// State is a lazily-initialised per-instance value. Within one instance
// the same State yields the same value until the instance is disposed.
type State[T any] struct {
	name    string
	init    func(ctx context.Context, inst *Instance) (T, error)
	dispose func(ctx context.Context, value T) error
	mu      sync.Mutex
}

// NewState declares an instance-scoped value. The init function runs
// once per instance on first access; the optional dispose function runs
// when the instance is torn down.
func NewState[T any](name string, init func(ctx context.Context, inst *Instance) (T, error), dispose func(ctx context.Context, value T) error) *State[T] {
	return &State[T]{name: name, init: init, dispose: dispose}
}

// Get returns the value for the instance bound to ctx, creating it on
// first use.
func (s *State[T]) Get(ctx context.Context) (T, error) {
	var zero T
	inst, err := FromContext(ctx)
	if err != nil {
		return zero, err
	}

	// Serialise initialisation per State; distinct States initialise
	// independently.
	s.mu.Lock()
	defer s.mu.Unlock()

	inst.mu.Lock()
	if inst.disposed {
		inst.mu.Unlock()
		return zero, fmt.Errorf("scope: instance %s is disposed", inst.Directory)
	}
	if cached, ok := inst.states[s.name]; ok {
		inst.mu.Unlock()
		value, ok := cached.(T)
		if !ok {
			return zero, fmt.Errorf("scope: state %q holds unexpected type %T", s.name, cached)
		}
		return value, nil
	}
	inst.mu.Unlock()

	value, err := s.init(ctx, inst)
	if err != nil {
		return zero, fmt.Errorf("scope: init state %q: %w", s.name, err)
	}

	inst.mu.Lock()
	inst.states[s.name] = value
	if s.dispose != nil {
		dispose := s.dispose
		inst.disposer = append(inst.disposer, namedDisposer{
			name: s.name,
			fn: func(ctx context.Context) error {
				return dispose(ctx, value)
			},
		})
	}
	inst.mu.Unlock()
	return value, nil
}
