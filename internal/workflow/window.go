package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/idp-studio/engine/internal/models"
	"github.com/idp-studio/engine/pkg/logger"
)

// SignalWindow runs the post-success waiting phase of a create workflow: the
// execution is already completed but stays resumable for a bounded time so
// callers can still deliver update/terminate/cancel signals. The window
// expiry is persisted on the execution row, which keeps the phase itself
// durable: a worker that dies mid-window re-enters it on redelivery, and
// signal delivery stays open exactly as long as the recorded expiry.
type SignalWindow struct {
	signals SignalSource
	length  time.Duration
}

func NewSignalWindow(signals SignalSource, length time.Duration) *SignalWindow {
	return &SignalWindow{signals: signals, length: length}
}

// Open records the window expiry on the execution row and consumes signals
// until the window closes.
func (sw *SignalWindow) Open(ctx context.Context, run *Run) {
	until := time.Now().Add(sw.length)
	if err := run.OpenSignalWindow(ctx, until); err != nil {
		logger.L().Warn("open signal window failed",
			zap.String("workflow_id", run.Exec.WorkflowID),
			zap.Error(err),
		)
		return
	}
	sw.consume(ctx, run, until)
}

// Resume re-enters the window of a completed execution after a task
// redelivery. Reports whether there was a window left to re-enter.
func (sw *SignalWindow) Resume(ctx context.Context, run *Run) bool {
	if run.Exec.Status != models.ExecutionCompleted || !run.Exec.SignalWindowOpen(time.Now()) {
		return false
	}
	sw.consume(ctx, run, *run.Exec.WindowOpenUntil)
	return true
}

// consume pops buffered signals until the window expires. terminate ends the
// window; cancel additionally flips the execution to cancelled; the update
// signal is recorded but deliberately not applied (its payload has no
// consumer in the contract; see DESIGN.md). The window is cleared on every
// exit path so late signals are rejected as settled.
func (sw *SignalWindow) consume(ctx context.Context, run *Run, until time.Time) {
	log := logger.L().With(zap.String("workflow_id", run.Exec.WorkflowID))
	defer run.CloseSignalWindow(ctx)
	for {
		remaining := time.Until(until)
		if remaining <= 0 {
			return
		}
		sig, err := sw.signals.Next(ctx, run.Exec.WorkflowID, remaining)
		if err != nil {
			log.Warn("signal wait failed", zap.Error(err))
			return
		}
		if sig == nil {
			return
		}
		run.RecordSignal(ctx, sig.Kind, sig.Payload)
		switch sig.Kind {
		case SignalTerminate:
			log.Info("terminate signal received")
			return
		case SignalCancel:
			log.Info("cancel signal received")
			run.Cancel(ctx)
			return
		case SignalUpdate:
			log.Info("update signal received, payload recorded but not applied")
		default:
			log.Warn("unknown signal kind ignored", zap.String("kind", sig.Kind))
		}
	}
}
