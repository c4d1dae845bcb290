// Package tasks holds the asynq handlers for lifecycle workflows. Each task
// carries an execution id; the handler resumes the durable run and hands it to
// the workflow. Retries are the workflow's own business (activity retry
// policy), so a settled run always acks the task — redelivery only matters for
// crashed workers, where the checkpoint replay takes over.
package tasks

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/idp-studio/engine/internal/repository"
	"github.com/idp-studio/engine/internal/workflow"
	"github.com/idp-studio/engine/pkg/logger"
)

// LifecyclePayload is the task payload shared by all lifecycle task types.
// Input holds the operation-specific workflow input verbatim.
type LifecyclePayload struct {
	ExecutionID string          `json:"execution_id"`
	Input       json.RawMessage `json:"input"`
}

// OrganizationRunner is the slice of the workflow layer the handler drives for
// organizations.
type OrganizationRunner interface {
	Create(ctx context.Context, run *workflow.Run, in workflow.CreateOrganizationInput) error
	Update(ctx context.Context, run *workflow.Run, in workflow.UpdateOrganizationInput) error
	Delete(ctx context.Context, run *workflow.Run, in workflow.DeleteOrganizationInput) error
	ResumeSignalWindow(ctx context.Context, run *workflow.Run) bool
}

// UserRunner is the user-side equivalent.
type UserRunner interface {
	Create(ctx context.Context, run *workflow.Run, in workflow.CreateUserInput) error
	Update(ctx context.Context, run *workflow.Run, in workflow.UpdateUserInput) error
	Delete(ctx context.Context, run *workflow.Run, in workflow.DeleteUserInput) error
	ResumeSignalWindow(ctx context.Context, run *workflow.Run) bool
}

// LifecycleTaskHandler dispatches the six lifecycle task types.
type LifecycleTaskHandler struct {
	execs repository.ExecutionRepository
	orgs  OrganizationRunner
	users UserRunner
}

func NewLifecycleTaskHandler(execs repository.ExecutionRepository, orgs OrganizationRunner, users UserRunner) *LifecycleTaskHandler {
	return &LifecycleTaskHandler{execs: execs, orgs: orgs, users: users}
}

// Register binds the handler onto the worker mux.
func (h *LifecycleTaskHandler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(workflow.TaskCreateOrganization, h.HandleCreateOrganization)
	mux.HandleFunc(workflow.TaskUpdateOrganization, h.HandleUpdateOrganization)
	mux.HandleFunc(workflow.TaskDeleteOrganization, h.HandleDeleteOrganization)
	mux.HandleFunc(workflow.TaskCreateUser, h.HandleCreateUser)
	mux.HandleFunc(workflow.TaskUpdateUser, h.HandleUpdateUser)
	mux.HandleFunc(workflow.TaskDeleteUser, h.HandleDeleteUser)
}

func (h *LifecycleTaskHandler) HandleCreateOrganization(ctx context.Context, t *asynq.Task) error {
	return handle(ctx, h.execs, t, h.orgs.Create, h.orgs.ResumeSignalWindow)
}

func (h *LifecycleTaskHandler) HandleUpdateOrganization(ctx context.Context, t *asynq.Task) error {
	return handle(ctx, h.execs, t, h.orgs.Update, h.orgs.ResumeSignalWindow)
}

func (h *LifecycleTaskHandler) HandleDeleteOrganization(ctx context.Context, t *asynq.Task) error {
	return handle(ctx, h.execs, t, h.orgs.Delete, h.orgs.ResumeSignalWindow)
}

func (h *LifecycleTaskHandler) HandleCreateUser(ctx context.Context, t *asynq.Task) error {
	return handle(ctx, h.execs, t, h.users.Create, h.users.ResumeSignalWindow)
}

func (h *LifecycleTaskHandler) HandleUpdateUser(ctx context.Context, t *asynq.Task) error {
	return handle(ctx, h.execs, t, h.users.Update, h.users.ResumeSignalWindow)
}

func (h *LifecycleTaskHandler) HandleDeleteUser(ctx context.Context, t *asynq.Task) error {
	return handle(ctx, h.execs, t, h.users.Delete, h.users.ResumeSignalWindow)
}

func handle[T any](ctx context.Context, execs repository.ExecutionRepository, t *asynq.Task, fn func(context.Context, *workflow.Run, T) error, resume func(context.Context, *workflow.Run) bool) error {
	var p LifecyclePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		logger.L().Error("invalid lifecycle task payload", zap.String("type", t.Type()), zap.Error(err))
		return err
	}

	run, err := workflow.Resume(ctx, execs, p.ExecutionID)
	if err != nil {
		// Transient load failure: let asynq redeliver.
		logger.L().Error("resume execution failed",
			zap.String("type", t.Type()),
			zap.String("execution_id", p.ExecutionID),
			zap.Error(err),
		)
		return err
	}
	if run.Done() {
		// A worker crash inside the post-success window leaves a completed
		// execution with its window still open; the redelivery re-enters it.
		if resume(ctx, run) {
			logger.L().Info("re-entered signal window after redelivery",
				zap.String("type", t.Type()),
				zap.String("workflow_id", run.Exec.WorkflowID),
			)
			return nil
		}
		logger.L().Info("execution already settled, acking redelivered task",
			zap.String("type", t.Type()),
			zap.String("workflow_id", run.Exec.WorkflowID),
		)
		return nil
	}

	var in T
	if err := json.Unmarshal(p.Input, &in); err != nil {
		logger.L().Error("invalid workflow input in task", zap.String("type", t.Type()), zap.Error(err))
		return err
	}

	if err := fn(ctx, run, in); err != nil {
		// The workflow settled the execution (failed status, classified code)
		// before surfacing; the task itself is done.
		logger.L().Warn("workflow settled with failure",
			zap.String("type", t.Type()),
			zap.String("workflow_id", run.Exec.WorkflowID),
			zap.Error(err),
		)
	}
	return nil
}
