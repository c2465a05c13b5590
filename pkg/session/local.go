package session

import (
	"context"
	"fmt"
	"io"

	"github.com/aretw0/databench/pkg/analysis"
	"github.com/aretw0/databench/pkg/domain"
	"github.com/aretw0/databench/pkg/registry"
)

// Local runs an in-process analysis by calling its registered handlers.
type Local struct {
	instance any
	registry *registry.Registry
	env      analysis.Env
}

// NewLocal wraps an analysis instance. If it implements analysis.Setupper,
// Setup is called with env.
func NewLocal(instance any, env analysis.Env) (*Local, error) {
	reg, err := registry.New(instance)
	if err != nil {
		return nil, err
	}
	if s, ok := instance.(analysis.Setupper); ok {
		s.Setup(env)
	}
	return &Local{instance: instance, registry: reg, env: env}, nil
}

// LocalFactory builds a Local runtime around a fresh analysis per session.
func LocalFactory(newAnalysis func() any) RuntimeFactory {
	return RuntimeFactoryFunc(func(_ context.Context, env analysis.Env) (Runtime, error) {
		return NewLocal(newAnalysis(), env)
	})
}

// Registry exposes the handler registry, for adding closures.
func (l *Local) Registry() *registry.Registry {
	return l.registry
}

// Dispatch brackets a correlated action with process markers, then runs
// every matching handler in order. With no handler it emits a warning,
// except for the implicit lifecycle actions which analyses may ignore.
// A failing handler is reported to the peer and stops the dispatch; the end
// marker is still sent.
func (l *Local) Dispatch(ctx context.Context, action domain.Action) error {
	if action.Bracketed() {
		l.emit(ctx, domain.ProcessMarker(action.ProcessID, domain.ProcessStart))
		defer l.emit(ctx, domain.ProcessMarker(action.ProcessID, domain.ProcessEnd))
	}

	handlers := l.registry.Lookup(action.Name)
	if len(handlers) == 0 {
		if domain.IsLifecycleAction(action.Name) {
			return fmt.Errorf("%w for %s", domain.ErrNoHandler, action.Name)
		}
		l.emit(ctx, domain.NewEnvelope(domain.SignalWarn, "no handler for "+action.Name))
		return fmt.Errorf("%w for %s", domain.ErrNoHandler, action.Name)
	}

	for _, h := range handlers {
		if err := l.registry.Call(ctx, h, action.Name, action.Load); err != nil {
			l.emit(ctx, domain.NewEnvelope(domain.SignalError, err.Error()))
			return fmt.Errorf("action %s: %w", action.Name, err)
		}
	}
	return nil
}

func (l *Local) emit(ctx context.Context, env domain.Envelope) {
	if l.env.Emitter == nil {
		return
	}
	_ = l.env.Emitter.Emit(ctx, env.Signal, env.Load.Value)
}

// Close closes the analysis if it implements io.Closer.
func (l *Local) Close(context.Context) error {
	if c, ok := l.instance.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
