package kernel

import (
	"context"
	"sync"

	"github.com/aretw0/databench/pkg/datastore"
	"github.com/aretw0/databench/pkg/domain"
	"github.com/aretw0/databench/pkg/session"
)

// runtime dispatches inside the kernel. An action without handler stores
// its load under the action name in the instance Datastore.
type runtime struct {
	kernel *Kernel
	local  *session.Local
	data   *datastore.Datastore

	disconnecting chan struct{}
	once          sync.Once
}

func (r *runtime) disconnect() {
	r.once.Do(func() { close(r.disconnecting) })
}

func (r *runtime) Dispatch(ctx context.Context, action domain.Action) error {
	if len(r.local.Registry().Lookup(action.Name)) > 0 {
		return r.local.Dispatch(ctx, action)
	}
	if domain.IsLifecycleAction(action.Name) {
		return nil
	}

	if action.Bracketed() {
		r.emit(ctx, domain.ProcessMarker(action.ProcessID, domain.ProcessStart))
		defer r.emit(ctx, domain.ProcessMarker(action.ProcessID, domain.ProcessEnd))
	}
	_, err := r.data.Set(ctx, action.Name, action.Load.Value)
	return err
}

func (r *runtime) emit(ctx context.Context, env domain.Envelope) {
	if err := r.kernel.Emit(ctx, env.Signal, env.Load.Value); err != nil {
		r.kernel.logger.Warn("Failed to emit process marker", "err", err)
	}
}

func (r *runtime) Close(ctx context.Context) error {
	return r.local.Close(ctx)
}
