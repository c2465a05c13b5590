// Package analysis holds the types an analysis author works with.
//
// An analysis is any type whose exported OnXxx methods handle actions.
// Embedding Base gives it access to its session: the instance and class
// Datastores, Emit and the disconnect signal.
//
//	type Dummypi struct{ analysis.Base }
//
//	func (d *Dummypi) OnConnected(ctx context.Context) error {
//		_, err := d.Data().Set(ctx, "status", "ready")
//		return err
//	}
package analysis

import (
	"context"
	"log/slog"

	"github.com/aretw0/databench/internal/logging"
	"github.com/aretw0/databench/pkg/datastore"
)

// Emitter sends an ad hoc envelope to the peer.
type Emitter interface {
	Emit(ctx context.Context, signal string, load any) error
}

// Env is what a session hands to the analysis it runs.
type Env struct {
	ID        string
	Name      string
	Data      *datastore.Datastore
	ClassData *datastore.Datastore
	Emitter   Emitter
	Logger    *slog.Logger

	// Disconnecting is closed as soon as the transport goes away, before the
	// "disconnected" action runs.
	Disconnecting <-chan struct{}
}

// Setupper is implemented by analyses that want their Env. Base implements it.
type Setupper interface {
	Setup(env Env)
}

// Base is embedded by analyses.
type Base struct {
	env Env
}

// Setup stores the session environment. It is called once before "connect".
func (b *Base) Setup(env Env) {
	b.env = env
}

// ID returns the instance id of the session.
func (b *Base) ID() string {
	return b.env.ID
}

// Data returns the instance-scoped Datastore.
func (b *Base) Data() *datastore.Datastore {
	return b.env.Data
}

// ClassData returns the Datastore shared by every session of the analysis.
func (b *Base) ClassData() *datastore.Datastore {
	return b.env.ClassData
}

// Emit sends an envelope to the peer. Emits to a gone peer are dropped silently.
func (b *Base) Emit(ctx context.Context, signal string, load any) error {
	if b.env.Emitter == nil {
		return nil
	}
	return b.env.Emitter.Emit(ctx, signal, load)
}

// Disconnecting is closed when the peer has gone away.
// Long running handlers select on it to stop early.
func (b *Base) Disconnecting() <-chan struct{} {
	return b.env.Disconnecting
}

func (b *Base) Logger() *slog.Logger {
	if b.env.Logger == nil {
		return logging.NewNop()
	}
	return b.env.Logger
}
