// Package workflow contains the lifecycle state machines for organizations
// and users. Each workflow is a sequence of checkpointed steps over the
// activity layer; the task queue provides durability, redelivery, and the
// one-active-execution-per-identity guarantee.
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

// OrganizationActivities is the slice of the activity layer the organization
// workflows drive.
type OrganizationActivities interface {
	CreateRemoteOrganization(ctx context.Context, p provider.CreateOrganizationParams) (string, error)
	UpdateRemoteOrganization(ctx context.Context, providerID string, p provider.UpdateOrganizationParams) error
	DeleteRemoteOrganization(ctx context.Context, providerID string) error
	ListRemoteOrganizations(ctx context.Context, p provider.ListParams) (*provider.ListResult[provider.Organization], error)

	GetOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error)
	SaveOrganizationProviderID(ctx context.Context, id uuid.UUID, providerID string) error
	MarkOrganizationStatus(ctx context.Context, id uuid.UUID, status string) error
	UpdateOrganizationFields(ctx context.Context, id uuid.UUID, fields map[string]any) error
	DeleteOrganizationRecord(ctx context.Context, id uuid.UUID) error

	SendLifecycleNotification(ctx context.Context, ev notifier.Event)
}

// CreateOrganizationInput is the payload of a create-organization workflow.
// The local record already exists (status provisioning) before the workflow
// starts.
type CreateOrganizationInput struct {
	RecordID       uuid.UUID `json:"record_id"`
	Name           string    `json:"name"`
	Identifier     string    `json:"identifier"`
	CredentialsRef string    `json:"credentials_ref,omitempty"`
	OwnerEmail     string    `json:"owner_email"`
}

// UpdateOrganizationInput carries only the changed fields; nil means "leave
// untouched" both remotely and locally.
type UpdateOrganizationInput struct {
	RecordID       uuid.UUID `json:"record_id"`
	Name           *string   `json:"name,omitempty"`
	Identifier     *string   `json:"identifier,omitempty"`
	CredentialsRef *string   `json:"credentials_ref,omitempty"`
}

type DeleteOrganizationInput struct {
	RecordID uuid.UUID `json:"record_id"`
}

// CreateOutput settles a successful create execution.
type CreateOutput struct {
	RecordID   uuid.UUID `json:"record_id"`
	ProviderID string    `json:"provider_id"`
	Status     string    `json:"status"`
}

// DeleteOutput settles a delete execution. Deleted is false only on the
// organization path's swallowed terminal failure. DeletedFrom lists the
// systems the resource was actually removed from.
type DeleteOutput struct {
	RecordID    uuid.UUID `json:"record_id"`
	Deleted     bool      `json:"deleted"`
	DeletedFrom []string  `json:"deleted_from,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// ListInput is the pagination request for the list pass-through.
type ListInput struct {
	Page    int
	PerPage int
	Query   string
}

// ListOutput carries one page plus the has-more computation
// ((page+1)*perPage < total).
type ListOutput[T any] struct {
	Items   []T  `json:"items"`
	Total   int  `json:"total"`
	HasMore bool `json:"has_more"`
}

// HasMore reports whether pages beyond `page` exist.
func HasMore(page, perPage, total int) bool {
	return (page+1)*perPage < total
}

// OrganizationWorkflows drives the four lifecycle operations for
// organizations.
type OrganizationWorkflows struct {
	acts        OrganizationActivities
	window      *SignalWindow
	settleDelay time.Duration
}

func NewOrganizationWorkflows(acts OrganizationActivities, signals SignalSource, settleDelay, window time.Duration) *OrganizationWorkflows {
	return &OrganizationWorkflows{acts: acts, window: NewSignalWindow(signals, window), settleDelay: settleDelay}
}

// Create provisions the remote organization, persists the provider id,
// settles the record as success, notifies the owner, then keeps the
// execution resumable for the signal window. Any step failure writes the
// compensating failed status before the error surfaces.
func (w *OrganizationWorkflows) Create(ctx context.Context, run *Run, in CreateOrganizationInput) error {
	log := logger.L().With(zap.String("workflow_id", run.Exec.WorkflowID), zap.String("record_id", in.RecordID.String()))
	log.Info("create organization workflow started", zap.String("identifier", in.Identifier))

	providerID, err := StepResult(run, ctx, "create_remote", func(ctx context.Context) (string, error) {
		return w.acts.CreateRemoteOrganization(ctx, provider.CreateOrganizationParams{
			Name: in.Name,
			Slug: in.Identifier,
		})
	})
	if err != nil {
		return w.settleCreateFailure(ctx, run, in.RecordID, err)
	}

	if err := run.Step(ctx, "persist_provider_id", func(ctx context.Context) error {
		return w.acts.SaveOrganizationProviderID(ctx, in.RecordID, providerID)
	}); err != nil {
		return w.settleCreateFailure(ctx, run, in.RecordID, err)
	}

	// Fixed settle delay: gives the provider time to propagate the new
	// organization before we report it usable.
	if err := run.Step(ctx, "settle", func(ctx context.Context) error {
		return sleepCtx(ctx, w.settleDelay)
	}); err != nil {
		return w.settleCreateFailure(ctx, run, in.RecordID, err)
	}

	if err := run.Step(ctx, "mark_success", func(ctx context.Context) error {
		return w.acts.MarkOrganizationStatus(ctx, in.RecordID, models.StatusSuccess)
	}); err != nil {
		return w.settleCreateFailure(ctx, run, in.RecordID, err)
	}

	// Settle the execution before the signal window so awaiting callers
	// return as soon as the resource is usable.
	if err := run.Complete(ctx, CreateOutput{RecordID: in.RecordID, ProviderID: providerID, Status: models.StatusSuccess}); err != nil {
		return err
	}

	// Notification is advisory: a failure here never flips the record away
	// from success and never fails the execution.
	if err := run.Step(ctx, "notify", func(ctx context.Context) error {
		w.acts.SendLifecycleNotification(ctx, notifier.Event{
			RecipientEmail: in.OwnerEmail,
			ResourceName:   in.Name,
			ResourceType:   models.ResourceOrganization,
			EventKind:      notifier.EventCreated,
		})
		return nil
	}); err != nil {
		log.Warn("notify checkpoint failed", zap.Error(err))
	}

	w.window.Open(ctx, run)
	log.Info("create organization workflow settled", zap.String("provider_id", providerID))
	return nil
}

// ResumeSignalWindow re-enters the post-success window of a completed create
// execution after a task redelivery, if the window is still open.
func (w *OrganizationWorkflows) ResumeSignalWindow(ctx context.Context, run *Run) bool {
	return w.window.Resume(ctx, run)
}

func (w *OrganizationWorkflows) settleCreateFailure(ctx context.Context, run *Run, recordID uuid.UUID, cause error) error {
	logger.L().Error("create organization workflow failed",
		zap.String("workflow_id", run.Exec.WorkflowID),
		zap.String("code", string(appErr.CodeOf(cause))),
		zap.Error(cause),
	)
	if err := w.acts.MarkOrganizationStatus(ctx, recordID, models.StatusFailed); err != nil {
		logger.L().Error("compensating status write failed", zap.String("workflow_id", run.Exec.WorkflowID), zap.Error(err))
	}
	run.Fail(ctx, cause)
	return cause
}

// Update marks the record updating, patches only the changed fields remotely,
// applies the same fields locally together with the updated status, and
// notifies the owner.
func (w *OrganizationWorkflows) Update(ctx context.Context, run *Run, in UpdateOrganizationInput) error {
	log := logger.L().With(zap.String("workflow_id", run.Exec.WorkflowID), zap.String("record_id", in.RecordID.String()))
	log.Info("update organization workflow started")

	org, err := StepResult(run, ctx, "load_record", func(ctx context.Context) (*models.Organization, error) {
		return w.acts.GetOrganization(ctx, in.RecordID)
	})
	if err != nil {
		return w.settleUpdateFailure(ctx, run, in.RecordID, err)
	}

	if err := run.Step(ctx, "mark_updating", func(ctx context.Context) error {
		return w.acts.MarkOrganizationStatus(ctx, in.RecordID, models.StatusUpdating)
	}); err != nil {
		return w.settleUpdateFailure(ctx, run, in.RecordID, err)
	}

	if err := run.Step(ctx, "update_remote", func(ctx context.Context) error {
		if org.ProviderID == nil || *org.ProviderID == "" {
			return appErr.New(appErr.CodeRequestSetup, "organization has no provider id")
		}
		return w.acts.UpdateRemoteOrganization(ctx, *org.ProviderID, provider.UpdateOrganizationParams{
			Name:           in.Name,
			Slug:           in.Identifier,
			CredentialsRef: in.CredentialsRef,
		})
	}); err != nil {
		return w.settleUpdateFailure(ctx, run, in.RecordID, err)
	}

	if err := run.Step(ctx, "apply_local", func(ctx context.Context) error {
		fields := map[string]any{"status": models.StatusUpdated}
		if in.Name != nil {
			fields["name"] = *in.Name
		}
		if in.Identifier != nil {
			fields["identifier"] = *in.Identifier
		}
		if in.CredentialsRef != nil {
			fields["credentials_ref"] = *in.CredentialsRef
		}
		return w.acts.UpdateOrganizationFields(ctx, in.RecordID, fields)
	}); err != nil {
		return w.settleUpdateFailure(ctx, run, in.RecordID, err)
	}

	displayName := org.Name
	if in.Name != nil {
		displayName = *in.Name
	}
	if displayName == "" {
		displayName = "organization"
	}
	_ = run.Step(ctx, "notify", func(ctx context.Context) error {
		w.acts.SendLifecycleNotification(ctx, notifier.Event{
			RecipientEmail: org.OwnerEmail,
			ResourceName:   displayName,
			ResourceType:   models.ResourceOrganization,
			EventKind:      notifier.EventUpdated,
		})
		return nil
	})

	log.Info("update organization workflow settled")
	return run.Complete(ctx, CreateOutput{RecordID: in.RecordID, Status: models.StatusUpdated})
}

func (w *OrganizationWorkflows) settleUpdateFailure(ctx context.Context, run *Run, recordID uuid.UUID, cause error) error {
	logger.L().Error("update organization workflow failed",
		zap.String("workflow_id", run.Exec.WorkflowID),
		zap.Error(cause),
	)
	if err := w.acts.MarkOrganizationStatus(ctx, recordID, models.StatusFailed); err != nil {
		logger.L().Error("compensating status write failed", zap.String("workflow_id", run.Exec.WorkflowID), zap.Error(err))
	}
	run.Fail(ctx, cause)
	return cause
}

// Delete removes the organization remotely and locally. The organization
// policy is best-effort: a terminal (non-retryable) failure at any step marks
// the record failed and settles the execution without re-raising — obviously
// bad deletes are not worth retrying. A provider 404 counts as a completed
// remote delete. Retryable failures that exhaust the activity budget still
// fail the execution.
func (w *OrganizationWorkflows) Delete(ctx context.Context, run *Run, in DeleteOrganizationInput) error {
	log := logger.L().With(zap.String("workflow_id", run.Exec.WorkflowID), zap.String("record_id", in.RecordID.String()))
	log.Info("delete organization workflow started")

	// Resolve the display name up front for the notification; absence is not
	// fatal here.
	org, err := StepResult(run, ctx, "resolve_name", func(ctx context.Context) (*models.Organization, error) {
		return w.acts.GetOrganization(ctx, in.RecordID)
	})
	if err != nil {
		return w.settleDeleteFailure(ctx, run, in.RecordID, err, log)
	}
	displayName := org.Name
	if displayName == "" {
		displayName = "organization"
	}

	if err := run.Step(ctx, "mark_deleting", func(ctx context.Context) error {
		return w.acts.MarkOrganizationStatus(ctx, in.RecordID, models.StatusDeleting)
	}); err != nil {
		return w.settleDeleteFailure(ctx, run, in.RecordID, err, log)
	}

	deletedFrom := []string{}
	if org.ProviderID != nil && *org.ProviderID != "" {
		if err := run.Step(ctx, "delete_remote", func(ctx context.Context) error {
			return w.acts.DeleteRemoteOrganization(ctx, *org.ProviderID)
		}); err != nil {
			return w.settleDeleteFailure(ctx, run, in.RecordID, err, log)
		}
		deletedFrom = append(deletedFrom, "provider")
	}

	if err := run.Step(ctx, "delete_record", func(ctx context.Context) error {
		return w.acts.DeleteOrganizationRecord(ctx, in.RecordID)
	}); err != nil {
		return w.settleDeleteFailure(ctx, run, in.RecordID, err, log)
	}
	deletedFrom = append(deletedFrom, "store")

	_ = run.Step(ctx, "notify", func(ctx context.Context) error {
		w.acts.SendLifecycleNotification(ctx, notifier.Event{
			RecipientEmail: org.OwnerEmail,
			ResourceName:   displayName,
			ResourceType:   models.ResourceOrganization,
			EventKind:      notifier.EventDeleted,
		})
		return nil
	})

	log.Info("delete organization workflow settled")
	return run.Complete(ctx, DeleteOutput{RecordID: in.RecordID, Deleted: true, DeletedFrom: deletedFrom})
}

func (w *OrganizationWorkflows) settleDeleteFailure(ctx context.Context, run *Run, recordID uuid.UUID, cause error, log *zap.Logger) error {
	if markErr := w.acts.MarkOrganizationStatus(ctx, recordID, models.StatusFailed); markErr != nil && !appErr.IsCode(markErr, appErr.CodeNotFound) {
		log.Error("compensating status write failed", zap.Error(markErr))
	}
	if !appErr.Retryable(cause) {
		// Swallowed by policy: the execution settles, the record stays failed.
		log.Warn("terminal delete failure swallowed",
			zap.String("code", string(appErr.CodeOf(cause))),
			zap.Error(cause),
		)
		return run.Complete(ctx, DeleteOutput{
			RecordID: recordID,
			Deleted:  false,
			Reason:   cause.Error(),
		})
	}
	log.Error("delete organization workflow failed", zap.Error(cause))
	run.Fail(ctx, cause)
	return cause
}

// List is a stateless pass-through against the provider; no durable
// execution and no store writes.
func (w *OrganizationWorkflows) List(ctx context.Context, in ListInput) (*ListOutput[provider.Organization], error) {
	perPage := in.PerPage
	if perPage <= 0 {
		perPage = 10
	}
	res, err := w.acts.ListRemoteOrganizations(ctx, provider.ListParams{Page: in.Page, PerPage: perPage, Query: in.Query})
	if err != nil {
		return nil, err
	}
	return &ListOutput[provider.Organization]{
		Items:   res.Items,
		Total:   res.Total,
		HasMore: HasMore(in.Page, perPage, res.Total),
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return appErr.Wrap(ctx.Err(), appErr.CodeDeadline, "settle delay interrupted")
	case <-t.C:
		return nil
	}
}
