package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/idp-studio/engine/internal/api/types"
	"github.com/idp-studio/engine/internal/models"
	"github.com/idp-studio/engine/internal/repository"
	"github.com/idp-studio/engine/internal/services"
	"github.com/idp-studio/engine/internal/workflow"
	appErr "github.com/idp-studio/engine/pkg/errors"
)

// OrganizationsHandler translates HTTP calls into workflow starts. Mutations
// return the execution record (202) unless the caller asks to wait for the
// settled result.
type OrganizationsHandler struct {
	svc          services.OrchestratorService
	repo         repository.OrganizationRepository
	awaitTimeout time.Duration
}

func NewOrganizationsHandler(svc services.OrchestratorService, repo repository.OrganizationRepository, awaitTimeout time.Duration) *OrganizationsHandler {
	return &OrganizationsHandler{svc: svc, repo: repo, awaitTimeout: awaitTimeout}
}

func (h *OrganizationsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req types.OrganizationCreateRequest
	if !decodeValid(w, r, &req) {
		return
	}

	exec, err := h.svc.StartCreateOrganization(r.Context(), &services.CreateOrganizationInput{
		Name:           req.Name,
		Identifier:     req.Identifier,
		CredentialsRef: req.CredentialsRef,
		OwnerEmail:     req.OwnerEmail,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	h.respondExecution(w, r, exec)
}

func (h *OrganizationsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondInvalid(w, "invalid organization id")
		return
	}
	var req types.OrganizationUpdateRequest
	if !decodeValid(w, r, &req) {
		return
	}
	if req.Name == nil && req.Identifier == nil && req.CredentialsRef == nil {
		respondInvalid(w, "no fields to update")
		return
	}

	exec, err := h.svc.StartUpdateOrganization(r.Context(), id, &services.UpdateOrganizationInput{
		Name:           req.Name,
		Identifier:     req.Identifier,
		CredentialsRef: req.CredentialsRef,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	h.respondExecution(w, r, exec)
}

func (h *OrganizationsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondInvalid(w, "invalid organization id")
		return
	}

	exec, err := h.svc.StartDeleteOrganization(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	h.respondExecution(w, r, exec)
}

// Get returns the local record, not provider state.
func (h *OrganizationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondInvalid(w, "invalid organization id")
		return
	}
	var org models.Organization
	if err := h.repo.GetByID(r.Context(), id, &org); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: org})
}

// List proxies the provider's directory with has-more pagination.
func (h *OrganizationsHandler) List(w http.ResponseWriter, r *http.Request) {
	in := workflow.ListInput{
		Page:    queryInt(r, "page", "0"),
		PerPage: queryInt(r, "per_page", "10"),
		Query:   r.URL.Query().Get("query"),
	}
	out, err := h.svc.ListOrganizations(r.Context(), in)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{
		Success: true,
		Data:    out.Items,
		Meta: &types.Meta{
			Page:     in.Page,
			PageSize: in.PerPage,
			Total:    int64(out.Total),
			HasMore:  out.HasMore,
		},
	})
}

func (h *OrganizationsHandler) respondExecution(w http.ResponseWriter, r *http.Request, exec *models.WorkflowExecution) {
	if !wantsWait(r) {
		writeJSON(w, http.StatusAccepted, types.APIResponse{Success: true, Data: exec})
		return
	}
	settled, err := h.svc.AwaitResult(r.Context(), exec.ID, h.awaitTimeout)
	if err != nil {
		respondError(w, err)
		return
	}
	status := http.StatusOK
	if settled.Status == models.ExecutionFailed {
		status = types.HTTPStatus(appErr.New(appErr.Code(settled.ErrorCode), settled.ErrorMessage))
	}
	writeJSON(w, status, types.APIResponse{Success: settled.Status != models.ExecutionFailed, Data: settled})
}
