package session

import (
	"context"

	"github.com/aretw0/databench/pkg/analysis"
	"github.com/aretw0/databench/pkg/domain"
)

// Runtime executes the actions of one session.
type Runtime interface {
	// Dispatch runs one action. It returns an error wrapping
	// domain.ErrNoHandler when nothing handled the action.
	Dispatch(ctx context.Context, action domain.Action) error

	// Close releases the runtime after the "disconnected" action ran.
	Close(ctx context.Context) error
}

// RuntimeFactory creates the Runtime of a new session.
type RuntimeFactory interface {
	NewRuntime(ctx context.Context, env analysis.Env) (Runtime, error)
}

// RuntimeFactoryFunc adapts a function to RuntimeFactory.
type RuntimeFactoryFunc func(ctx context.Context, env analysis.Env) (Runtime, error)

func (f RuntimeFactoryFunc) NewRuntime(ctx context.Context, env analysis.Env) (Runtime, error) {
	return f(ctx, env)
}

// Analysis is an analysis offered by a Manager.
type Analysis struct {
	Info    analysis.Info
	Factory RuntimeFactory
}
