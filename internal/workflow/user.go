package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/idp-studio/engine/internal/models"
	"github.com/idp-studio/engine/internal/notifier"
	"github.com/idp-studio/engine/internal/provider"
	appErr "github.com/idp-studio/engine/pkg/errors"
	"github.com/idp-studio/engine/pkg/logger"
)

// UserActivities is the slice of the activity layer the user workflows drive.
type UserActivities interface {
	CreateRemoteUser(ctx context.Context, p provider.CreateUserParams) (string, error)
	UpdateRemoteUser(ctx context.Context, providerID string, p provider.UpdateUserParams) error
	DeleteRemoteUser(ctx context.Context, providerID string) error
	ListRemoteUsers(ctx context.Context, p provider.ListParams) (*provider.ListResult[provider.User], error)

	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	SaveUserProviderID(ctx context.Context, id uuid.UUID, providerID string) error
	MarkUserStatus(ctx context.Context, id uuid.UUID, status string) error
	UpdateUserFields(ctx context.Context, id uuid.UUID, fields map[string]any) error
	DeleteUserRecord(ctx context.Context, id uuid.UUID) error

	SendLifecycleNotification(ctx context.Context, ev notifier.Event)
}

type CreateUserInput struct {
	RecordID   uuid.UUID `json:"record_id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	OwnerEmail string    `json:"owner_email"`
}

type UpdateUserInput struct {
	RecordID uuid.UUID `json:"record_id"`
	Email    *string   `json:"email,omitempty"`
	Name     *string   `json:"name,omitempty"`
}

type DeleteUserInput struct {
	RecordID uuid.UUID `json:"record_id"`
}

// UserWorkflows drives the four lifecycle operations for users.
type UserWorkflows struct {
	acts        UserActivities
	window      *SignalWindow
	settleDelay time.Duration
}

func NewUserWorkflows(acts UserActivities, signals SignalSource, settleDelay, window time.Duration) *UserWorkflows {
	return &UserWorkflows{acts: acts, window: NewSignalWindow(signals, window), settleDelay: settleDelay}
}

// Create mirrors the organization create flow: remote create, provider-id
// persist, settle delay, success status, advisory notify, signal window.
func (w *UserWorkflows) Create(ctx context.Context, run *Run, in CreateUserInput) error {
	log := logger.L().With(zap.String("workflow_id", run.Exec.WorkflowID), zap.String("record_id", in.RecordID.String()))
	log.Info("create user workflow started", zap.String("email", in.Email))

	providerID, err := StepResult(run, ctx, "create_remote", func(ctx context.Context) (string, error) {
		return w.acts.CreateRemoteUser(ctx, provider.CreateUserParams{
			EmailAddress: in.Email,
			Name:         in.Name,
		})
	})
	if err != nil {
		return w.settleCreateFailure(ctx, run, in.RecordID, err)
	}

	if err := run.Step(ctx, "persist_provider_id", func(ctx context.Context) error {
		return w.acts.SaveUserProviderID(ctx, in.RecordID, providerID)
	}); err != nil {
		return w.settleCreateFailure(ctx, run, in.RecordID, err)
	}

	if err := run.Step(ctx, "settle", func(ctx context.Context) error {
		return sleepCtx(ctx, w.settleDelay)
	}); err != nil {
		return w.settleCreateFailure(ctx, run, in.RecordID, err)
	}

	if err := run.Step(ctx, "mark_success", func(ctx context.Context) error {
		return w.acts.MarkUserStatus(ctx, in.RecordID, models.StatusSuccess)
	}); err != nil {
		return w.settleCreateFailure(ctx, run, in.RecordID, err)
	}

	if err := run.Complete(ctx, CreateOutput{RecordID: in.RecordID, ProviderID: providerID, Status: models.StatusSuccess}); err != nil {
		return err
	}

	_ = run.Step(ctx, "notify", func(ctx context.Context) error {
		w.acts.SendLifecycleNotification(ctx, notifier.Event{
			RecipientEmail: in.OwnerEmail,
			ResourceName:   in.Name,
			ResourceType:   models.ResourceUser,
			EventKind:      notifier.EventCreated,
		})
		return nil
	})

	w.window.Open(ctx, run)
	log.Info("create user workflow settled", zap.String("provider_id", providerID))
	return nil
}

// ResumeSignalWindow re-enters the post-success window of a completed create
// execution after a task redelivery, if the window is still open.
func (w *UserWorkflows) ResumeSignalWindow(ctx context.Context, run *Run) bool {
	return w.window.Resume(ctx, run)
}

func (w *UserWorkflows) settleCreateFailure(ctx context.Context, run *Run, recordID uuid.UUID, cause error) error {
	logger.L().Error("create user workflow failed",
		zap.String("workflow_id", run.Exec.WorkflowID),
		zap.String("code", string(appErr.CodeOf(cause))),
		zap.Error(cause),
	)
	if err := w.acts.MarkUserStatus(ctx, recordID, models.StatusFailed); err != nil {
		logger.L().Error("compensating status write failed", zap.String("workflow_id", run.Exec.WorkflowID), zap.Error(err))
	}
	run.Fail(ctx, cause)
	return cause
}

// Update patches only the changed fields remotely and locally.
func (w *UserWorkflows) Update(ctx context.Context, run *Run, in UpdateUserInput) error {
	log := logger.L().With(zap.String("workflow_id", run.Exec.WorkflowID), zap.String("record_id", in.RecordID.String()))
	log.Info("update user workflow started")

	u, err := StepResult(run, ctx, "load_record", func(ctx context.Context) (*models.User, error) {
		return w.acts.GetUser(ctx, in.RecordID)
	})
	if err != nil {
		return w.settleUpdateFailure(ctx, run, in.RecordID, err)
	}

	if err := run.Step(ctx, "mark_updating", func(ctx context.Context) error {
		return w.acts.MarkUserStatus(ctx, in.RecordID, models.StatusUpdating)
	}); err != nil {
		return w.settleUpdateFailure(ctx, run, in.RecordID, err)
	}

	if err := run.Step(ctx, "update_remote", func(ctx context.Context) error {
		if u.ProviderID == nil || *u.ProviderID == "" {
			return appErr.New(appErr.CodeRequestSetup, "user has no provider id")
		}
		return w.acts.UpdateRemoteUser(ctx, *u.ProviderID, provider.UpdateUserParams{
			EmailAddress: in.Email,
			Name:         in.Name,
		})
	}); err != nil {
		return w.settleUpdateFailure(ctx, run, in.RecordID, err)
	}

	if err := run.Step(ctx, "apply_local", func(ctx context.Context) error {
		fields := map[string]any{"status": models.StatusUpdated}
		if in.Email != nil {
			fields["email"] = *in.Email
		}
		if in.Name != nil {
			fields["name"] = *in.Name
		}
		return w.acts.UpdateUserFields(ctx, in.RecordID, fields)
	}); err != nil {
		return w.settleUpdateFailure(ctx, run, in.RecordID, err)
	}

	displayName := u.Name
	if in.Name != nil {
		displayName = *in.Name
	}
	if displayName == "" {
		displayName = "user"
	}
	_ = run.Step(ctx, "notify", func(ctx context.Context) error {
		w.acts.SendLifecycleNotification(ctx, notifier.Event{
			RecipientEmail: u.OwnerEmail,
			ResourceName:   displayName,
			ResourceType:   models.ResourceUser,
			EventKind:      notifier.EventUpdated,
		})
		return nil
	})

	log.Info("update user workflow settled")
	return run.Complete(ctx, CreateOutput{RecordID: in.RecordID, Status: models.StatusUpdated})
}

func (w *UserWorkflows) settleUpdateFailure(ctx context.Context, run *Run, recordID uuid.UUID, cause error) error {
	logger.L().Error("update user workflow failed",
		zap.String("workflow_id", run.Exec.WorkflowID),
		zap.Error(cause),
	)
	if err := w.acts.MarkUserStatus(ctx, recordID, models.StatusFailed); err != nil {
		logger.L().Error("compensating status write failed", zap.String("workflow_id", run.Exec.WorkflowID), zap.Error(err))
	}
	run.Fail(ctx, cause)
	return cause
}

// Delete removes the user remotely and locally. A user that never finished
// provisioning (no provider id, or still failed/provisioning) skips the
// provider call entirely — it is guaranteed to fail remotely. A provider 404
// counts as a completed remote delete. Unlike the organization policy,
// failures here re-raise after the compensating status write.
func (w *UserWorkflows) Delete(ctx context.Context, run *Run, in DeleteUserInput) error {
	log := logger.L().With(zap.String("workflow_id", run.Exec.WorkflowID), zap.String("record_id", in.RecordID.String()))
	log.Info("delete user workflow started")

	u, err := StepResult(run, ctx, "resolve_record", func(ctx context.Context) (*models.User, error) {
		return w.acts.GetUser(ctx, in.RecordID)
	})
	if err != nil {
		return w.settleDeleteFailure(ctx, run, in.RecordID, err)
	}
	displayName := u.Name
	if displayName == "" {
		displayName = "user"
	}

	if err := run.Step(ctx, "mark_deleting", func(ctx context.Context) error {
		return w.acts.MarkUserStatus(ctx, in.RecordID, models.StatusDeleting)
	}); err != nil {
		return w.settleDeleteFailure(ctx, run, in.RecordID, err)
	}

	deletedFrom := []string{}
	if u.Provisioned() {
		if err := run.Step(ctx, "delete_remote", func(ctx context.Context) error {
			return w.acts.DeleteRemoteUser(ctx, *u.ProviderID)
		}); err != nil {
			return w.settleDeleteFailure(ctx, run, in.RecordID, err)
		}
		deletedFrom = append(deletedFrom, "provider")
	} else {
		log.Info("user never provisioned, skipping provider delete")
	}

	if err := run.Step(ctx, "delete_record", func(ctx context.Context) error {
		return w.acts.DeleteUserRecord(ctx, in.RecordID)
	}); err != nil {
		return w.settleDeleteFailure(ctx, run, in.RecordID, err)
	}
	deletedFrom = append(deletedFrom, "store")

	_ = run.Step(ctx, "notify", func(ctx context.Context) error {
		w.acts.SendLifecycleNotification(ctx, notifier.Event{
			RecipientEmail: u.OwnerEmail,
			ResourceName:   displayName,
			ResourceType:   models.ResourceUser,
			EventKind:      notifier.EventDeleted,
		})
		return nil
	})

	log.Info("delete user workflow settled", zap.Strings("deleted_from", deletedFrom))
	return run.Complete(ctx, DeleteOutput{RecordID: in.RecordID, Deleted: true, DeletedFrom: deletedFrom})
}

func (w *UserWorkflows) settleDeleteFailure(ctx context.Context, run *Run, recordID uuid.UUID, cause error) error {
	logger.L().Error("delete user workflow failed",
		zap.String("workflow_id", run.Exec.WorkflowID),
		zap.Error(cause),
	)
	if err := w.acts.MarkUserStatus(ctx, recordID, models.StatusFailed); err != nil && !appErr.IsCode(err, appErr.CodeNotFound) {
		logger.L().Error("compensating status write failed", zap.String("workflow_id", run.Exec.WorkflowID), zap.Error(err))
	}
	run.Fail(ctx, cause)
	return cause
}

// List is a stateless pass-through against the provider.
func (w *UserWorkflows) List(ctx context.Context, in ListInput) (*ListOutput[provider.User], error) {
	perPage := in.PerPage
	if perPage <= 0 {
		perPage = 10
	}
	res, err := w.acts.ListRemoteUsers(ctx, provider.ListParams{Page: in.Page, PerPage: perPage, Query: in.Query})
	if err != nil {
		return nil, err
	}
	return &ListOutput[provider.User]{
		Items:   res.Items,
		Total:   res.Total,
		HasMore: HasMore(in.Page, perPage, res.Total),
	}, nil
}
