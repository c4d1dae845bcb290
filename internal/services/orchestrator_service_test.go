package services

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/idp-studio/engine/internal/models"
	"github.com/idp-studio/engine/internal/provider"
	"github.com/idp-studio/engine/internal/queue/tasks"
	"github.com/idp-studio/engine/internal/workflow"
	appErr "github.com/idp-studio/engine/pkg/errors"
	"github.com/idp-studio/engine/pkg/logger"
)

func TestMain(m *testing.M) {
	if _, err := logger.Init("error", "json"); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

type mockOrganizationRepository struct {
	mock.Mock
}

func (m *mockOrganizationRepository) Create(ctx context.Context, obj *models.Organization) error {
	return m.Called(ctx, obj).Error(0)
}

func (m *mockOrganizationRepository) GetByID(ctx context.Context, id any, dest *models.Organization) error {
	args := m.Called(ctx, id, dest)
	if args.Error(0) == nil && args.Get(1) != nil {
		*dest = *args.Get(1).(*models.Organization)
	}
	return args.Error(0)
}

func (m *mockOrganizationRepository) Update(ctx context.Context, obj *models.Organization) error {
	return m.Called(ctx, obj).Error(0)
}

func (m *mockOrganizationRepository) Delete(ctx context.Context, id any) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockOrganizationRepository) GetByIdentifier(ctx context.Context, identifier string, dest *models.Organization) error {
	args := m.Called(ctx, identifier, dest)
	if args.Error(0) == nil && args.Get(1) != nil {
		*dest = *args.Get(1).(*models.Organization)
	}
	return args.Error(0)
}

func (m *mockOrganizationRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	return m.Called(ctx, id, status).Error(0)
}

func (m *mockOrganizationRepository) UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	return m.Called(ctx, id, fields).Error(0)
}

func (m *mockOrganizationRepository) List(ctx context.Context, offset, limit int) ([]models.Organization, error) {
	args := m.Called(ctx, offset, limit)
	if v := args.Get(0); v != nil {
		return v.([]models.Organization), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockUserRepository struct {
	mock.Mock
}

func (m *mockUserRepository) Create(ctx context.Context, obj *models.User) error {
	return m.Called(ctx, obj).Error(0)
}

func (m *mockUserRepository) GetByID(ctx context.Context, id any, dest *models.User) error {
	args := m.Called(ctx, id, dest)
	if args.Error(0) == nil && args.Get(1) != nil {
		*dest = *args.Get(1).(*models.User)
	}
	return args.Error(0)
}

func (m *mockUserRepository) Update(ctx context.Context, obj *models.User) error {
	return m.Called(ctx, obj).Error(0)
}

func (m *mockUserRepository) Delete(ctx context.Context, id any) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockUserRepository) GetByEmail(ctx context.Context, email string, dest *models.User) error {
	args := m.Called(ctx, email, dest)
	if args.Error(0) == nil && args.Get(1) != nil {
		*dest = *args.Get(1).(*models.User)
	}
	return args.Error(0)
}

func (m *mockUserRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	return m.Called(ctx, id, status).Error(0)
}

func (m *mockUserRepository) UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	return m.Called(ctx, id, fields).Error(0)
}

func (m *mockUserRepository) List(ctx context.Context, offset, limit int) ([]models.User, error) {
	args := m.Called(ctx, offset, limit)
	if v := args.Get(0); v != nil {
		return v.([]models.User), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockExecutionRepository struct {
	mock.Mock
}

func (m *mockExecutionRepository) Create(ctx context.Context, obj *models.WorkflowExecution) error {
	args := m.Called(ctx, obj)
	if args.Error(0) == nil && obj.ID == uuid.Nil {
		obj.ID = uuid.New()
	}
	return args.Error(0)
}

func (m *mockExecutionRepository) GetByID(ctx context.Context, id any, dest *models.WorkflowExecution) error {
	args := m.Called(ctx, id, dest)
	if args.Error(0) == nil && args.Get(1) != nil {
		*dest = *args.Get(1).(*models.WorkflowExecution)
	}
	return args.Error(0)
}

func (m *mockExecutionRepository) Update(ctx context.Context, obj *models.WorkflowExecution) error {
	return m.Called(ctx, obj).Error(0)
}

func (m *mockExecutionRepository) Delete(ctx context.Context, id any) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockExecutionRepository) SaveCheckpoint(ctx context.Context, id uuid.UUID, step string, result any) error {
	return m.Called(ctx, id, step, result).Error(0)
}

func (m *mockExecutionRepository) Checkpoints(ctx context.Context, id uuid.UUID) (map[string]json.RawMessage, error) {
	args := m.Called(ctx, id)
	if v := args.Get(0); v != nil {
		return v.(map[string]json.RawMessage), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockExecutionRepository) MarkCompleted(ctx context.Context, id uuid.UUID, output any) error {
	return m.Called(ctx, id, output).Error(0)
}

func (m *mockExecutionRepository) MarkFailed(ctx context.Context, id uuid.UUID, code, message string) error {
	return m.Called(ctx, id, code, message).Error(0)
}

func (m *mockExecutionRepository) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockExecutionRepository) SetSignalWindow(ctx context.Context, id uuid.UUID, until *time.Time) error {
	return m.Called(ctx, id, until).Error(0)
}

func (m *mockExecutionRepository) RecordSignal(ctx context.Context, id uuid.UUID, kind string, payload []byte) error {
	return m.Called(ctx, id, kind, payload).Error(0)
}

func (m *mockExecutionRepository) ListRecent(ctx context.Context, limit int) ([]models.WorkflowExecution, error) {
	args := m.Called(ctx, limit)
	if v := args.Get(0); v != nil {
		return v.([]models.WorkflowExecution), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockEnqueuer struct {
	mock.Mock
}

func (m *mockEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	args := m.Called(ctx, task, opts)
	if v := args.Get(0); v != nil {
		return v.(*asynq.TaskInfo), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockSignalPublisher struct {
	mock.Mock
}

func (m *mockSignalPublisher) Publish(ctx context.Context, workflowID string, sig workflow.Signal) error {
	return m.Called(ctx, workflowID, sig).Error(0)
}

type mockListRunner struct {
	mock.Mock
}

func (m *mockListRunner) ListOrganizations(ctx context.Context, in workflow.ListInput) (*workflow.ListOutput[provider.Organization], error) {
	args := m.Called(ctx, in)
	if v := args.Get(0); v != nil {
		return v.(*workflow.ListOutput[provider.Organization]), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockListRunner) ListUsers(ctx context.Context, in workflow.ListInput) (*workflow.ListOutput[provider.User], error) {
	args := m.Called(ctx, in)
	if v := args.Get(0); v != nil {
		return v.(*workflow.ListOutput[provider.User]), args.Error(1)
	}
	return nil, args.Error(1)
}

type serviceMocks struct {
	orgs    *mockOrganizationRepository
	users   *mockUserRepository
	execs   *mockExecutionRepository
	client  *mockEnqueuer
	signals *mockSignalPublisher
	lists   *mockListRunner
}

func newServiceMocks() (*serviceMocks, OrchestratorService) {
	m := &serviceMocks{
		orgs:    &mockOrganizationRepository{},
		users:   &mockUserRepository{},
		execs:   &mockExecutionRepository{},
		client:  &mockEnqueuer{},
		signals: &mockSignalPublisher{},
		lists:   &mockListRunner{},
	}
	return m, NewOrchestratorService(m.orgs, m.users, m.execs, m.client, m.signals, m.lists)
}

func TestStartCreateOrganization(t *testing.T) {
	ctx := context.Background()

	t.Run("creates record, execution, and enqueues under the identity", func(t *testing.T) {
		m, svc := newServiceMocks()

		orgID := uuid.New()
		m.orgs.On("Create", mock.Anything, mock.MatchedBy(func(o *models.Organization) bool {
			return o.Identifier == "acme" && o.Status == models.StatusProvisioning
		})).Run(func(args mock.Arguments) {
			args.Get(1).(*models.Organization).ID = orgID
		}).Return(nil).Once()

		m.execs.On("Create", mock.Anything, mock.MatchedBy(func(e *models.WorkflowExecution) bool {
			return e.WorkflowID == "create-org-acme" &&
				e.Operation == models.OpCreate &&
				e.ResourceType == models.ResourceOrganization &&
				e.ResourceID == orgID &&
				e.Status == models.ExecutionRunning
		})).Return(nil).Once()

		m.client.On("EnqueueContext", mock.Anything, mock.MatchedBy(func(task *asynq.Task) bool {
			if task.Type() != workflow.TaskCreateOrganization {
				return false
			}
			var p tasks.LifecyclePayload
			return json.Unmarshal(task.Payload(), &p) == nil && p.ExecutionID != ""
		}), mock.Anything).Return(&asynq.TaskInfo{}, nil).Once()

		exec, err := svc.StartCreateOrganization(ctx, &CreateOrganizationInput{
			Name:       "Acme",
			Identifier: " Acme ",
			OwnerEmail: "owner@acme.test",
		})
		require.NoError(t, err)
		require.Equal(t, "create-org-acme", exec.WorkflowID)
		mock.AssertExpectationsForObjects(t, m.orgs, m.execs, m.client)
	})

	t.Run("in-flight identity maps to a conflict", func(t *testing.T) {
		m, svc := newServiceMocks()

		orgID := uuid.New()
		m.orgs.On("Create", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
			args.Get(1).(*models.Organization).ID = orgID
		}).Return(nil).Once()
		m.execs.On("Create", mock.Anything, mock.Anything).Return(nil).Once()
		m.client.On("EnqueueContext", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, asynq.ErrTaskIDConflict).Once()
		m.execs.On("MarkFailed", mock.Anything, mock.Anything, string(appErr.CodeInternal), "enqueue failed").Return(nil).Once()
		m.orgs.On("UpdateStatus", mock.Anything, orgID, models.StatusFailed).Return(nil).Once()

		_, err := svc.StartCreateOrganization(ctx, &CreateOrganizationInput{Name: "Acme", Identifier: "acme", OwnerEmail: "o@a.t"})
		require.True(t, appErr.IsCode(err, appErr.CodeConflict))
		mock.AssertExpectationsForObjects(t, m.orgs, m.execs, m.client)
	})

	t.Run("duplicate identifier surfaces the repository conflict", func(t *testing.T) {
		m, svc := newServiceMocks()

		m.orgs.On("Create", mock.Anything, mock.Anything).
			Return(appErr.New(appErr.CodeConflict, "record with this key already exists")).Once()

		_, err := svc.StartCreateOrganization(ctx, &CreateOrganizationInput{Name: "Acme", Identifier: "acme", OwnerEmail: "o@a.t"})
		require.True(t, appErr.IsCode(err, appErr.CodeConflict))
		m.client.AssertNotCalled(t, "EnqueueContext", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestStartDeleteUser(t *testing.T) {
	m, svc := newServiceMocks()

	userID := uuid.New()
	user := &models.User{ID: userID, Email: "jane@example.com", Status: models.StatusSuccess}
	m.users.On("GetByID", mock.Anything, userID, &models.User{}).Return(nil, user).Once()
	m.execs.On("Create", mock.Anything, mock.MatchedBy(func(e *models.WorkflowExecution) bool {
		return e.Operation == models.OpDelete && e.ResourceType == models.ResourceUser && e.ResourceID == userID
	})).Return(nil).Once()
	m.client.On("EnqueueContext", mock.Anything, mock.MatchedBy(func(task *asynq.Task) bool {
		return task.Type() == workflow.TaskDeleteUser
	}), mock.Anything).Return(&asynq.TaskInfo{}, nil).Once()

	exec, err := svc.StartDeleteUser(context.Background(), userID)
	require.NoError(t, err)
	// Deletes key on the local id, so the identity is stable across email
	// changes made before the delete.
	require.Equal(t, workflow.Identity(models.OpDelete, models.ResourceUser, userID.String()), exec.WorkflowID)
	mock.AssertExpectationsForObjects(t, m.users, m.execs, m.client)
}

func TestSignal(t *testing.T) {
	ctx := context.Background()
	execID := uuid.New()

	t.Run("publishes to the running execution's identity", func(t *testing.T) {
		m, svc := newServiceMocks()

		exec := &models.WorkflowExecution{ID: execID, WorkflowID: "create-org-acme", Status: models.ExecutionRunning}
		m.execs.On("GetByID", mock.Anything, execID, &models.WorkflowExecution{}).Return(nil, exec).Once()
		m.signals.On("Publish", mock.Anything, "create-org-acme", workflow.Signal{
			Kind:    workflow.SignalTerminate,
			Payload: nil,
		}).Return(nil).Once()

		require.NoError(t, svc.Signal(ctx, execID, workflow.SignalTerminate, nil))
		mock.AssertExpectationsForObjects(t, m.execs, m.signals)
	})

	t.Run("completed execution accepts signals while its window is open", func(t *testing.T) {
		m, svc := newServiceMocks()

		until := time.Now().Add(time.Minute)
		exec := &models.WorkflowExecution{
			ID:              execID,
			WorkflowID:      "create-org-acme",
			Status:          models.ExecutionCompleted,
			WindowOpenUntil: &until,
		}
		m.execs.On("GetByID", mock.Anything, execID, &models.WorkflowExecution{}).Return(nil, exec).Once()
		m.signals.On("Publish", mock.Anything, "create-org-acme", workflow.Signal{
			Kind:    workflow.SignalTerminate,
			Payload: nil,
		}).Return(nil).Once()

		require.NoError(t, svc.Signal(ctx, execID, workflow.SignalTerminate, nil))
		mock.AssertExpectationsForObjects(t, m.execs, m.signals)
	})

	t.Run("completed execution with an expired window rejects signals", func(t *testing.T) {
		m, svc := newServiceMocks()

		until := time.Now().Add(-time.Minute)
		exec := &models.WorkflowExecution{
			ID:              execID,
			WorkflowID:      "create-org-acme",
			Status:          models.ExecutionCompleted,
			WindowOpenUntil: &until,
		}
		m.execs.On("GetByID", mock.Anything, execID, &models.WorkflowExecution{}).Return(nil, exec).Once()

		err := svc.Signal(ctx, execID, workflow.SignalCancel, nil)
		require.True(t, appErr.IsCode(err, appErr.CodeConflict))
		m.signals.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("failed execution rejects signals", func(t *testing.T) {
		m, svc := newServiceMocks()

		exec := &models.WorkflowExecution{ID: execID, WorkflowID: "create-org-acme", Status: models.ExecutionFailed}
		m.execs.On("GetByID", mock.Anything, execID, &models.WorkflowExecution{}).Return(nil, exec).Once()

		err := svc.Signal(ctx, execID, workflow.SignalCancel, nil)
		require.True(t, appErr.IsCode(err, appErr.CodeConflict))
		m.signals.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("unknown kind is invalid", func(t *testing.T) {
		m, svc := newServiceMocks()
		err := svc.Signal(ctx, execID, "pause", nil)
		require.True(t, appErr.IsCode(err, appErr.CodeInvalid))
		m.execs.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestAwaitResult(t *testing.T) {
	m, svc := newServiceMocks()
	execID := uuid.New()

	exec := &models.WorkflowExecution{ID: execID, WorkflowID: "create-org-acme", Status: models.ExecutionCompleted}
	m.execs.On("GetByID", mock.Anything, execID, &models.WorkflowExecution{}).Return(nil, exec)

	got, err := svc.AwaitResult(context.Background(), execID, time.Second)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionCompleted, got.Status)
}
