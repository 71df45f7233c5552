// Package plug manages hardware-interface objects required by test phases.
// A plug is scoped to a single cell: each cell executor owns its own
// instances and tears them down when the execution loop exits.
package plug

import (
	"context"
	"fmt"
	"reflect"

	"github.com/ethereum/go-ethereum/log"
)

// Plug is a hardware-interface object used by one or more phases.
// TearDown is called by the owning cell executor when the instance is
// released; it must be safe to call exactly once.
type Plug interface {
	TearDown()
}

// Factory creates plug instances for a cell. The reflected type identifies
// the plug for duplicate detection: the same requirement name declared with
// two distinct types anywhere in a test definition is a construction-time
// error.
type Factory interface {
	Name() string
	Type() reflect.Type
	New(ctx context.Context, cellID int) (Plug, error)
}

// NewFactory builds a Factory for a concrete plug type. The type parameter
// pins the reflected identity so conflicting declarations of the same name
// are caught when the test definition is constructed.
func NewFactory[T Plug](name string, fn func(ctx context.Context, cellID int) (T, error)) Factory {
	return &factory[T]{name: name, fn: fn}
}

type factory[T Plug] struct {
	name string
	fn   func(ctx context.Context, cellID int) (T, error)
}

func (f *factory[T]) Name() string { return f.name }

func (f *factory[T]) Type() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func (f *factory[T]) New(ctx context.Context, cellID int) (Plug, error) {
	p, err := f.fn(ctx, cellID)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// DuplicatePlugError reports a plug name required with two distinct types.
type DuplicatePlugError struct {
	PlugName string
	First    reflect.Type
	Second   reflect.Type
}

func (e *DuplicatePlugError) Error() string {
	return fmt.Sprintf("duplicate plug %q with different types: %v and %v", e.PlugName, e.First, e.Second)
}

// TypeMap maps plug names to their factories for a whole test definition.
type TypeMap map[string]Factory

// BuildTypeMap unions per-phase plug requirements into a single TypeMap.
// Requirements are compared by resolved type identity, not by name string,
// so the result is deterministic regardless of phase ordering. It has no
// side effects and is called once at test definition construction.
func BuildTypeMap(requirements [][]Factory) (TypeMap, error) {
	m := make(TypeMap)
	for _, phase := range requirements {
		for _, f := range phase {
			existing, ok := m[f.Name()]
			if ok {
				if existing.Type() != f.Type() {
					return nil, &DuplicatePlugError{
						PlugName: f.Name(),
						First:    existing.Type(),
						Second:   f.Type(),
					}
				}
				continue
			}
			m[f.Name()] = f
		}
	}
	return m, nil
}

// Instantiate creates one plug instance per map entry, scoped to the given
// cell. On any failure the already-created instances are torn down and the
// error is returned, leaving nothing live.
func (m TypeMap) Instantiate(ctx context.Context, cellID int, logger log.Logger) (map[string]Plug, error) {
	plugs := make(map[string]Plug, len(m))
	for name, f := range m {
		p, err := f.New(ctx, cellID)
		if err != nil {
			TearDownAll(plugs, logger)
			return nil, fmt.Errorf("instantiating plug %q for cell %d: %w", name, cellID, err)
		}
		logger.Debug("Instantiated plug", "plug", name, "type", f.Type(), "cell", cellID)
		plugs[name] = p
	}
	return plugs, nil
}

// TearDownAll releases a cell's plug instances. A panicking TearDown is
// recovered and logged so the remaining plugs still get released.
func TearDownAll(plugs map[string]Plug, logger log.Logger) {
	for name, p := range plugs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Plug teardown panicked", "plug", name, "error", r)
				}
			}()
			p.TearDown()
		}()
	}
}
