package observability

import (
	"context"
	"log/slog"

	"github.com/aretw0/databench/pkg/domain"
)

// LogHooks returns lifecycle hooks that write each event to logger at
// debug level, kernel failures at warn.
func LogHooks(logger *slog.Logger) domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnSessionOpen: func(ctx context.Context, e *domain.SessionEvent) {
			logger.DebugContext(ctx, "session_open", "session_id", e.SessionID, "analysis", e.Analysis, "resumed", e.Resumed)
		},
		OnSessionClose: func(ctx context.Context, e *domain.SessionEvent) {
			logger.DebugContext(ctx, "session_close", "session_id", e.SessionID, "analysis", e.Analysis)
		},
		OnAction: func(ctx context.Context, e *domain.ActionEvent) {
			logger.DebugContext(ctx, "action",
				"session_id", e.SessionID,
				"analysis", e.Analysis,
				"action", e.Action,
				"outcome", e.Outcome,
				"duration", e.Duration,
			)
		},
		OnHandshake: func(ctx context.Context, e *domain.KernelEvent) {
			logger.DebugContext(ctx, "kernel_handshake", "session_id", e.SessionID, "probes", e.Probes, "duration", e.Duration)
		},
		OnKernelStart: func(ctx context.Context, e *domain.KernelEvent) {
			logger.DebugContext(ctx, "kernel_start", "session_id", e.SessionID, "analysis", e.Analysis)
		},
		OnKernelExit: func(ctx context.Context, e *domain.KernelEvent) {
			if e.Err != nil {
				logger.WarnContext(ctx, "kernel_exit", "session_id", e.SessionID, "analysis", e.Analysis, "err", e.Err)
				return
			}
			logger.DebugContext(ctx, "kernel_exit", "session_id", e.SessionID, "analysis", e.Analysis)
		},
	}
}
