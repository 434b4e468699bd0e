package rest

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	serverError "github.com/ByeonDoHyeon06/vibehost/internal/error"
	serverJSON "github.com/ByeonDoHyeon06/vibehost/internal/json"
	"github.com/ByeonDoHyeon06/vibehost/internal/store"
)

// handleRegisterUser godoc
// @Summary      Register user
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request  body      RegisterUserRequest  true  "User"
// @Success      201      {object}  store.User
// @Failure      400      {object}  error.ErrorResponse
// @Failure      403      {object}  error.ErrorResponse
// @Security     AdminKey
// @Router       /users [post]
func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var req RegisterUserRequest
	if !s.decode(w, r, &req) {
		return
	}
	u, err := s.orchestrator.RegisterUser(r.Context(), req.Email, req.PhoneNumber, req.ExternalAuthID)
	if err != nil {
		s.respondOrchestratorError(w, "register user", err)
		return
	}
	s.telemetry.Identify(u.ID, map[string]any{"created_at": u.CreatedAt})
	_ = serverJSON.RespondJSON(w, http.StatusCreated, u)
}

// handleListPlans godoc
// @Summary      List plans
// @Tags         Admin
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Security     AdminKey
// @Router       /admin/plans [get]
func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.store.ListPlans(r.Context())
	if err != nil {
		serverError.RespondError(w, http.StatusInternalServerError, fmt.Errorf("list plans: %w", err))
		return
	}
	_ = serverJSON.RespondJSON(w, http.StatusOK, map[string]any{
		"plans": plans,
		"count": len(plans),
	})
}

// handleUpsertPlan godoc
// @Summary      Create or replace plan
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request  body      UpsertPlanRequest  true  "Plan"
// @Success      200      {object}  store.PlanSpec
// @Failure      400      {object}  error.ErrorResponse
// @Failure      404      {object}  error.ErrorResponse
// @Security     AdminKey
// @Router       /admin/plans [post]
func (s *Server) handleUpsertPlan(w http.ResponseWriter, r *http.Request) {
	var req UpsertPlanRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.HostID != "" {
		if _, err := s.store.GetHost(r.Context(), req.HostID); err != nil {
			s.respondStoreError(w, "host", req.HostID, err)
			return
		}
	}
	p := req.plan()
	if err := s.store.UpsertPlan(r.Context(), p); err != nil {
		s.respondStoreError(w, "plan", p.Name, err)
		return
	}
	s.logger.Info("plan saved", "plan", p.Name)
	_ = serverJSON.RespondJSON(w, http.StatusOK, p)
}

// handleDeletePlan godoc
// @Summary      Delete plan
// @Tags         Admin
// @Param        name  path  string  true  "Plan name"
// @Success      204
// @Failure      404  {object}  error.ErrorResponse
// @Security     AdminKey
// @Router       /admin/plans/{name} [delete]
func (s *Server) handleDeletePlan(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.store.DeletePlan(r.Context(), name); err != nil {
		s.respondStoreError(w, "plan", name, err)
		return
	}
	s.logger.Info("plan deleted", "plan", name)
	w.WriteHeader(http.StatusNoContent)
}

// handleListUpgrades godoc
// @Summary      List upgrades
// @Tags         Admin
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Security     AdminKey
// @Router       /admin/upgrades [get]
func (s *Server) handleListUpgrades(w http.ResponseWriter, r *http.Request) {
	upgrades, err := s.store.ListUpgrades(r.Context())
	if err != nil {
		serverError.RespondError(w, http.StatusInternalServerError, fmt.Errorf("list upgrades: %w", err))
		return
	}
	_ = serverJSON.RespondJSON(w, http.StatusOK, map[string]any{
		"upgrades": upgrades,
		"count":    len(upgrades),
	})
}

// handleUpsertUpgrade godoc
// @Summary      Create or replace upgrade
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request  body      UpsertUpgradeRequest  true  "Upgrade"
// @Success      200      {object}  store.UpgradeSpec
// @Failure      400      {object}  error.ErrorResponse
// @Security     AdminKey
// @Router       /admin/upgrades [post]
func (s *Server) handleUpsertUpgrade(w http.ResponseWriter, r *http.Request) {
	var req UpsertUpgradeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.AddVCPU == 0 && req.AddMemoryMB == 0 && req.AddDiskGB == 0 {
		serverError.RespondErrorKind(w, http.StatusBadRequest, "validation_failed",
			"an upgrade must add at least one resource", nil)
		return
	}
	u := req.upgrade()
	if err := s.store.UpsertUpgrade(r.Context(), u); err != nil {
		s.respondStoreError(w, "upgrade", u.Name, err)
		return
	}
	s.logger.Info("upgrade saved", "upgrade", u.Name)
	_ = serverJSON.RespondJSON(w, http.StatusOK, u)
}

// handleListHosts godoc
// @Summary      List hypervisor hosts
// @Description  Credentials are never returned
// @Tags         Admin
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Security     AdminKey
// @Router       /admin/hosts [get]
func (s *Server) handleListHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.store.ListHosts(r.Context())
	if err != nil {
		serverError.RespondError(w, http.StatusInternalServerError, fmt.Errorf("list hosts: %w", err))
		return
	}
	_ = serverJSON.RespondJSON(w, http.StatusOK, map[string]any{
		"hosts": hosts,
		"count": len(hosts),
	})
}

// handleUpsertHost godoc
// @Summary      Register hypervisor host
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request  body      UpsertHostRequest  true  "Host"
// @Success      200      {object}  store.HostConfig
// @Failure      400      {object}  error.ErrorResponse
// @Security     AdminKey
// @Router       /admin/hosts [post]
func (s *Server) handleUpsertHost(w http.ResponseWriter, r *http.Request) {
	var req UpsertHostRequest
	if !s.decode(w, r, &req) {
		return
	}
	h := req.host(s.cfg.Hypervisor.VerifySSL)
	if err := s.store.UpsertHost(r.Context(), h); err != nil {
		s.respondStoreError(w, "host", h.ID, err)
		return
	}
	s.logger.Info("host saved", "host_id", h.ID, "location", h.Location)
	_ = serverJSON.RespondJSON(w, http.StatusOK, h)
}

// handleAdminListServers godoc
// @Summary      List servers
// @Description  List persisted servers without refreshing them
// @Tags         Admin
// @Produce      json
// @Param        status    query     string  false  "Status filter"
// @Param        owner     query     string  false  "Owner user ID"
// @Param        location  query     string  false  "Location"
// @Success      200       {object}  map[string]interface{}
// @Failure      400       {object}  error.ErrorResponse
// @Security     AdminKey
// @Router       /admin/servers [get]
func (s *Server) handleAdminListServers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ServerFilter{
		OwnerID:  strings.TrimSpace(q.Get("owner")),
		Location: strings.TrimSpace(q.Get("location")),
	}
	if raw := q.Get("status"); raw != "" {
		st, ok := store.ParseStatus(raw)
		if !ok {
			serverError.RespondErrorKind(w, http.StatusBadRequest, "validation_failed",
				fmt.Sprintf("unknown status %q", raw), nil)
			return
		}
		f.Status = st
	}
	servers, err := s.orchestrator.ListServers(r.Context(), f)
	if err != nil {
		s.respondOrchestratorError(w, "list servers", err)
		return
	}
	_ = serverJSON.RespondJSON(w, http.StatusOK, map[string]any{
		"servers": servers,
		"count":   len(servers),
	})
}

func (s *Server) respondStoreError(w http.ResponseWriter, what, key string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		serverError.RespondErrorKind(w, http.StatusNotFound, "not_found", fmt.Sprintf("%s %q not found", what, key), err)
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrAlreadyExists):
		serverError.RespondErrorKind(w, http.StatusConflict, "conflict", fmt.Sprintf("%s %q conflicts with existing data", what, key), err)
	case errors.Is(err, store.ErrInvalid):
		serverError.RespondErrorKind(w, http.StatusBadRequest, "validation_failed", fmt.Sprintf("%s %q is invalid", what, key), err)
	default:
		s.logger.Error("store write failed", "what", what, "key", key, "error", err)
		serverError.RespondError(w, http.StatusInternalServerError, err)
	}
}
