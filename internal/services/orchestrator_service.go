package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/idp-studio/engine/internal/models"
	"github.com/idp-studio/engine/internal/provider"
	"github.com/idp-studio/engine/internal/queue/tasks"
	"github.com/idp-studio/engine/internal/repository"
	"github.com/idp-studio/engine/internal/workflow"
	appErr "github.com/idp-studio/engine/pkg/errors"
	"github.com/idp-studio/engine/pkg/logger"
)

// OrchestratorService starts lifecycle workflows, delivers signals to running
// ones, and exposes execution state to callers.
type OrchestratorService interface {
	StartCreateOrganization(ctx context.Context, input *CreateOrganizationInput) (*models.WorkflowExecution, error)
	StartUpdateOrganization(ctx context.Context, orgID uuid.UUID, input *UpdateOrganizationInput) (*models.WorkflowExecution, error)
	StartDeleteOrganization(ctx context.Context, orgID uuid.UUID) (*models.WorkflowExecution, error)
	ListOrganizations(ctx context.Context, input workflow.ListInput) (*workflow.ListOutput[provider.Organization], error)

	StartCreateUser(ctx context.Context, input *CreateUserInput) (*models.WorkflowExecution, error)
	StartUpdateUser(ctx context.Context, userID uuid.UUID, input *UpdateUserInput) (*models.WorkflowExecution, error)
	StartDeleteUser(ctx context.Context, userID uuid.UUID) (*models.WorkflowExecution, error)
	ListUsers(ctx context.Context, input workflow.ListInput) (*workflow.ListOutput[provider.User], error)

	GetExecution(ctx context.Context, executionID uuid.UUID) (*models.WorkflowExecution, error)
	AwaitResult(ctx context.Context, executionID uuid.UUID, timeout time.Duration) (*models.WorkflowExecution, error)
	Signal(ctx context.Context, executionID uuid.UUID, kind string, payload json.RawMessage) error
	RecentExecutions(ctx context.Context, limit int) ([]models.WorkflowExecution, error)
}

type CreateOrganizationInput struct {
	Name           string
	Identifier     string
	CredentialsRef string
	OwnerEmail     string
}

type UpdateOrganizationInput struct {
	Name           *string
	Identifier     *string
	CredentialsRef *string
}

type CreateUserInput struct {
	Email      string
	Name       string
	OwnerEmail string
}

type UpdateUserInput struct {
	Email *string
	Name  *string
}

// TaskEnqueuer is the slice of asynq.Client the service needs.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// ListRunner abstracts the stateless list pass-throughs of the workflow layer.
type ListRunner interface {
	ListOrganizations(ctx context.Context, in workflow.ListInput) (*workflow.ListOutput[provider.Organization], error)
	ListUsers(ctx context.Context, in workflow.ListInput) (*workflow.ListOutput[provider.User], error)
}

const awaitPollInterval = 200 * time.Millisecond

type orchestratorService struct {
	orgs    repository.OrganizationRepository
	users   repository.UserRepository
	execs   repository.ExecutionRepository
	client  TaskEnqueuer
	signals workflow.SignalPublisher
	lists   ListRunner
}

func NewOrchestratorService(
	orgs repository.OrganizationRepository,
	users repository.UserRepository,
	execs repository.ExecutionRepository,
	client TaskEnqueuer,
	signals workflow.SignalPublisher,
	lists ListRunner,
) OrchestratorService {
	return &orchestratorService{orgs: orgs, users: users, execs: execs, client: client, signals: signals, lists: lists}
}

var _ OrchestratorService = (*orchestratorService)(nil)

func (s *orchestratorService) StartCreateOrganization(ctx context.Context, input *CreateOrganizationInput) (*models.WorkflowExecution, error) {
	identifier := strings.ToLower(strings.TrimSpace(input.Identifier))
	logger.L().Info("start create organization", zap.String("identifier", identifier))

	org := &models.Organization{
		Identifier:     identifier,
		Name:           input.Name,
		CredentialsRef: input.CredentialsRef,
		OwnerEmail:     input.OwnerEmail,
		Status:         models.StatusProvisioning,
	}
	if err := s.orgs.Create(ctx, org); err != nil {
		return nil, err
	}

	exec, err := s.start(ctx, models.OpCreate, models.ResourceOrganization, identifier, org.ID, workflow.CreateOrganizationInput{
		RecordID:       org.ID,
		Name:           org.Name,
		Identifier:     org.Identifier,
		CredentialsRef: org.CredentialsRef,
		OwnerEmail:     org.OwnerEmail,
	})
	if err != nil {
		_ = s.orgs.UpdateStatus(ctx, org.ID, models.StatusFailed)
		return nil, err
	}
	return exec, nil
}

func (s *orchestratorService) StartUpdateOrganization(ctx context.Context, orgID uuid.UUID, input *UpdateOrganizationInput) (*models.WorkflowExecution, error) {
	logger.L().Info("start update organization", zap.String("org_id", orgID.String()))

	var org models.Organization
	if err := s.orgs.GetByID(ctx, orgID, &org); err != nil {
		return nil, err
	}

	return s.start(ctx, models.OpUpdate, models.ResourceOrganization, org.Identifier, org.ID, workflow.UpdateOrganizationInput{
		RecordID:       org.ID,
		Name:           input.Name,
		Identifier:     input.Identifier,
		CredentialsRef: input.CredentialsRef,
	})
}

func (s *orchestratorService) StartDeleteOrganization(ctx context.Context, orgID uuid.UUID) (*models.WorkflowExecution, error) {
	logger.L().Info("start delete organization", zap.String("org_id", orgID.String()))

	var org models.Organization
	if err := s.orgs.GetByID(ctx, orgID, &org); err != nil {
		return nil, err
	}

	return s.start(ctx, models.OpDelete, models.ResourceOrganization, org.Identifier, org.ID, workflow.DeleteOrganizationInput{
		RecordID: org.ID,
	})
}

func (s *orchestratorService) ListOrganizations(ctx context.Context, input workflow.ListInput) (*workflow.ListOutput[provider.Organization], error) {
	return s.lists.ListOrganizations(ctx, input)
}

func (s *orchestratorService) StartCreateUser(ctx context.Context, input *CreateUserInput) (*models.WorkflowExecution, error) {
	email := strings.ToLower(strings.TrimSpace(input.Email))
	logger.L().Info("start create user", zap.String("email", email))

	user := &models.User{
		Email:      email,
		Name:       input.Name,
		OwnerEmail: input.OwnerEmail,
		Status:     models.StatusProvisioning,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}

	exec, err := s.start(ctx, models.OpCreate, models.ResourceUser, email, user.ID, workflow.CreateUserInput{
		RecordID:   user.ID,
		Email:      user.Email,
		Name:       user.Name,
		OwnerEmail: user.OwnerEmail,
	})
	if err != nil {
		_ = s.users.UpdateStatus(ctx, user.ID, models.StatusFailed)
		return nil, err
	}
	return exec, nil
}

func (s *orchestratorService) StartUpdateUser(ctx context.Context, userID uuid.UUID, input *UpdateUserInput) (*models.WorkflowExecution, error) {
	logger.L().Info("start update user", zap.String("user_id", userID.String()))

	var user models.User
	if err := s.users.GetByID(ctx, userID, &user); err != nil {
		return nil, err
	}

	return s.start(ctx, models.OpUpdate, models.ResourceUser, user.Email, user.ID, workflow.UpdateUserInput{
		RecordID: user.ID,
		Email:    input.Email,
		Name:     input.Name,
	})
}

func (s *orchestratorService) StartDeleteUser(ctx context.Context, userID uuid.UUID) (*models.WorkflowExecution, error) {
	logger.L().Info("start delete user", zap.String("user_id", userID.String()))

	var user models.User
	if err := s.users.GetByID(ctx, userID, &user); err != nil {
		return nil, err
	}

	// Keyed on the local id, not the email: the record is already resolved,
	// and the id survives email changes made between update and delete.
	return s.start(ctx, models.OpDelete, models.ResourceUser, user.ID.String(), user.ID, workflow.DeleteUserInput{
		RecordID: user.ID,
	})
}

func (s *orchestratorService) ListUsers(ctx context.Context, input workflow.ListInput) (*workflow.ListOutput[provider.User], error) {
	return s.lists.ListUsers(ctx, input)
}

// start creates the execution row and enqueues the workflow task under its
// deterministic identity. A task id collision means an execution for the same
// operation on the same resource is still in flight.
func (s *orchestratorService) start(ctx context.Context, operation, resourceType, naturalKey string, resourceID uuid.UUID, input any) (*models.WorkflowExecution, error) {
	workflowID := workflow.Identity(operation, resourceType, naturalKey)

	exec := &models.WorkflowExecution{
		WorkflowID:   workflowID,
		Operation:    operation,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Status:       models.ExecutionRunning,
	}
	if err := s.execs.Create(ctx, exec); err != nil {
		return nil, err
	}

	rawInput, err := json.Marshal(input)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "marshal workflow input failed")
	}
	payload, err := json.Marshal(tasks.LifecyclePayload{ExecutionID: exec.ID.String(), Input: rawInput})
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "marshal task payload failed")
	}

	task := asynq.NewTask(workflow.TaskType(operation, resourceType), payload)
	if _, err := s.client.EnqueueContext(ctx, task, asynq.TaskID(workflowID)); err != nil {
		_ = s.execs.MarkFailed(ctx, exec.ID, string(appErr.CodeInternal), "enqueue failed")
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			logger.L().Warn("workflow already in flight", zap.String("workflow_id", workflowID))
			return nil, appErr.Wrap(err, appErr.CodeConflict, "an execution for this resource and operation is already in flight")
		}
		logger.L().Error("enqueue workflow task failed", zap.String("workflow_id", workflowID), zap.Error(err))
		return nil, appErr.Wrap(err, appErr.CodeInternal, "enqueue workflow task failed")
	}

	logger.L().Info("workflow enqueued",
		zap.String("workflow_id", workflowID),
		zap.String("execution_id", exec.ID.String()),
	)
	return exec, nil
}

func (s *orchestratorService) GetExecution(ctx context.Context, executionID uuid.UUID) (*models.WorkflowExecution, error) {
	var exec models.WorkflowExecution
	if err := s.execs.GetByID(ctx, executionID, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// AwaitResult polls the execution row until it settles or the timeout runs
// out. The still-running row is returned on timeout; callers decide whether
// that is an error.
func (s *orchestratorService) AwaitResult(ctx context.Context, executionID uuid.UUID, timeout time.Duration) (*models.WorkflowExecution, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(awaitPollInterval)
	defer ticker.Stop()

	for {
		exec, err := s.GetExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if exec.Terminal() || time.Now().After(deadline) {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return exec, nil
		case <-ticker.C:
		}
	}
}

func (s *orchestratorService) Signal(ctx context.Context, executionID uuid.UUID, kind string, payload json.RawMessage) error {
	switch kind {
	case workflow.SignalUpdate, workflow.SignalTerminate, workflow.SignalCancel:
	default:
		return appErr.New(appErr.CodeInvalid, "unknown signal kind")
	}

	exec, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	// A completed create execution keeps accepting signals while its
	// post-success window is open; everything else terminal is settled.
	if exec.Terminal() && !exec.SignalWindowOpen(time.Now()) {
		return appErr.New(appErr.CodeConflict, "execution already settled")
	}

	logger.L().Info("delivering signal",
		zap.String("workflow_id", exec.WorkflowID),
		zap.String("kind", kind),
	)
	return s.signals.Publish(ctx, exec.WorkflowID, workflow.Signal{Kind: kind, Payload: payload})
}

func (s *orchestratorService) RecentExecutions(ctx context.Context, limit int) ([]models.WorkflowExecution, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.execs.ListRecent(ctx, limit)
}
