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

type UsersHandler struct {
	svc          services.OrchestratorService
	repo         repository.UserRepository
	awaitTimeout time.Duration
}

func NewUsersHandler(svc services.OrchestratorService, repo repository.UserRepository, awaitTimeout time.Duration) *UsersHandler {
	return &UsersHandler{svc: svc, repo: repo, awaitTimeout: awaitTimeout}
}

func (h *UsersHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req types.UserCreateRequest
	if !decodeValid(w, r, &req) {
		return
	}

	exec, err := h.svc.StartCreateUser(r.Context(), &services.CreateUserInput{
		Email:      req.Email,
		Name:       req.Name,
		OwnerEmail: req.OwnerEmail,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	h.respondExecution(w, r, exec)
}

func (h *UsersHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondInvalid(w, "invalid user id")
		return
	}
	var req types.UserUpdateRequest
	if !decodeValid(w, r, &req) {
		return
	}
	if req.Email == nil && req.Name == nil {
		respondInvalid(w, "no fields to update")
		return
	}

	exec, err := h.svc.StartUpdateUser(r.Context(), id, &services.UpdateUserInput{
		Email: req.Email,
		Name:  req.Name,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	h.respondExecution(w, r, exec)
}

func (h *UsersHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondInvalid(w, "invalid user id")
		return
	}

	exec, err := h.svc.StartDeleteUser(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	h.respondExecution(w, r, exec)
}

func (h *UsersHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondInvalid(w, "invalid user id")
		return
	}
	var user models.User
	if err := h.repo.GetByID(r.Context(), id, &user); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: user})
}

func (h *UsersHandler) List(w http.ResponseWriter, r *http.Request) {
	in := workflow.ListInput{
		Page:    queryInt(r, "page", "0"),
		PerPage: queryInt(r, "per_page", "10"),
		Query:   r.URL.Query().Get("query"),
	}
	out, err := h.svc.ListUsers(r.Context(), in)
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

func (h *UsersHandler) respondExecution(w http.ResponseWriter, r *http.Request, exec *models.WorkflowExecution) {
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
