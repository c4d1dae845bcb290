package workflow

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/idp-studio/engine/internal/models"
	"github.com/idp-studio/engine/internal/repository"
	appErr "github.com/idp-studio/engine/pkg/errors"
	"github.com/idp-studio/engine/pkg/logger"
)

// Run carries one workflow execution's durable state through its steps.
// Every completed step's result is checkpointed on the execution row, so a
// redelivered task (worker crash, lease expiry) replays the workflow function
// from the top but skips steps that already ran, reusing their recorded
// results. Timers and signal waits are not checkpointed; they simply run
// again. All side effects live in activities, which are idempotent.
type Run struct {
	Exec        *models.WorkflowExecution
	execs       repository.ExecutionRepository
	checkpoints map[string]json.RawMessage
}

// Resume loads the execution row and its recorded checkpoints.
func Resume(ctx context.Context, execs repository.ExecutionRepository, executionID string) (*Run, error) {
	var exec models.WorkflowExecution
	if err := execs.GetByID(ctx, executionID, &exec); err != nil {
		return nil, err
	}
	cps, err := execs.Checkpoints(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	return &Run{Exec: &exec, execs: execs, checkpoints: cps}, nil
}

// Done reports whether the execution already settled; a redelivered task for
// a settled execution is a no-op.
func (r *Run) Done() bool { return r.Exec.Terminal() }

// Step runs fn once per execution. A step that already has a checkpoint is
// skipped.
func (r *Run) Step(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	_, err := StepResult(r, ctx, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// StepResult runs fn once per execution and records its result. On replay the
// recorded result is returned without re-running fn.
func StepResult[T any](r *Run, ctx context.Context, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	if raw, ok := r.checkpoints[name]; ok {
		if err := json.Unmarshal(raw, &out); err != nil {
			return out, appErr.Wrap(err, appErr.CodeInternal, "decode checkpoint failed")
		}
		logger.L().Debug("step replayed from checkpoint",
			zap.String("workflow_id", r.Exec.WorkflowID),
			zap.String("step", name),
		)
		return out, nil
	}

	out, err := fn(ctx)
	if err != nil {
		return out, err
	}
	if err := r.execs.SaveCheckpoint(ctx, r.Exec.ID, name, out); err != nil {
		return out, err
	}
	raw, _ := json.Marshal(out)
	r.checkpoints[name] = raw
	return out, nil
}

// Complete settles the execution successfully with the given output.
func (r *Run) Complete(ctx context.Context, output any) error {
	if err := r.execs.MarkCompleted(ctx, r.Exec.ID, output); err != nil {
		return err
	}
	r.Exec.Status = models.ExecutionCompleted
	return nil
}

// Fail settles the execution with a classified error. Unclassified errors are
// recorded as generic workflow failures.
func (r *Run) Fail(ctx context.Context, cause error) {
	code := appErr.CodeOf(cause)
	if code == appErr.CodeUnknown {
		code = appErr.CodeWorkflow
	}
	if err := r.execs.MarkFailed(ctx, r.Exec.ID, string(code), cause.Error()); err != nil {
		logger.L().Error("mark execution failed errored",
			zap.String("workflow_id", r.Exec.WorkflowID),
			zap.Error(err),
		)
		return
	}
	r.Exec.Status = models.ExecutionFailed
}

// Cancel flips a completed execution to cancelled. Used when a cancel signal
// arrives inside the post-success window.
func (r *Run) Cancel(ctx context.Context) {
	if err := r.execs.MarkCancelled(ctx, r.Exec.ID); err != nil {
		logger.L().Error("mark execution cancelled errored",
			zap.String("workflow_id", r.Exec.WorkflowID),
			zap.Error(err),
		)
		return
	}
	r.Exec.Status = models.ExecutionCancelled
}

// OpenSignalWindow records when the post-success signal window closes. The
// persisted timestamp is what lets a redelivered task re-enter the window and
// what lets signal delivery distinguish an open window from a settled run.
func (r *Run) OpenSignalWindow(ctx context.Context, until time.Time) error {
	if err := r.execs.SetSignalWindow(ctx, r.Exec.ID, &until); err != nil {
		return err
	}
	r.Exec.WindowOpenUntil = &until
	return nil
}

// CloseSignalWindow clears the recorded window so late signals are rejected.
func (r *Run) CloseSignalWindow(ctx context.Context) {
	if err := r.execs.SetSignalWindow(ctx, r.Exec.ID, nil); err != nil {
		logger.L().Warn("close signal window failed",
			zap.String("workflow_id", r.Exec.WorkflowID),
			zap.Error(err),
		)
		return
	}
	r.Exec.WindowOpenUntil = nil
}

// RecordSignal persists the most recent signal seen by the execution.
func (r *Run) RecordSignal(ctx context.Context, kind string, payload []byte) {
	if err := r.execs.RecordSignal(ctx, r.Exec.ID, kind, payload); err != nil {
		logger.L().Warn("record signal failed",
			zap.String("workflow_id", r.Exec.WorkflowID),
			zap.String("kind", kind),
			zap.Error(err),
		)
	}
}
