package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	serverError "github.com/ByeonDoHyeon06/vibehost/internal/error"
	serverJSON "github.com/ByeonDoHyeon06/vibehost/internal/json"
	"github.com/ByeonDoHyeon06/vibehost/internal/orchestrator"
)

// handleListMyServers godoc
// @Summary      List my servers
// @Description  List the caller's servers, each refreshed from the hypervisor
// @Tags         Servers
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  error.ErrorResponse
// @Failure      500  {object}  error.ErrorResponse
// @Security     BearerAuth
// @Router       /me/servers [get]
func (s *Server) handleListMyServers(w http.ResponseWriter, r *http.Request) {
	userID, _ := actor(r)
	if userID == "" {
		serverError.RespondErrorKind(w, http.StatusBadRequest, "validation_failed",
			"admin key requests must name a user with X-Impersonate-User", nil)
		return
	}
	servers, err := s.orchestrator.ListForOwner(r.Context(), userID)
	if err != nil {
		s.respondOrchestratorError(w, "list servers", err)
		return
	}
	_ = serverJSON.RespondJSON(w, http.StatusOK, map[string]any{
		"servers": servers,
		"count":   len(servers),
	})
}

// handleProvisionServer godoc
// @Summary      Provision server
// @Description  Create a server from a catalog plan. The response carries the root password once.
// @Tags         Servers
// @Accept       json
// @Produce      json
// @Param        request  body      ProvisionServerRequest  true  "Plan and location"
// @Success      201      {object}  ProvisionServerResponse
// @Failure      400      {object}  error.ErrorResponse
// @Failure      404      {object}  error.ErrorResponse
// @Failure      502      {object}  error.ErrorResponse
// @Failure      504      {object}  error.ErrorResponse
// @Security     BearerAuth
// @Router       /servers [post]
func (s *Server) handleProvisionServer(w http.ResponseWriter, r *http.Request) {
	var req ProvisionServerRequest
	if !s.decode(w, r, &req) {
		return
	}
	userID, _ := actor(r)
	if userID == "" {
		serverError.RespondErrorKind(w, http.StatusBadRequest, "validation_failed",
			"admin key requests must name a user with X-Impersonate-User", nil)
		return
	}

	res, err := s.orchestrator.Provision(r.Context(), orchestrator.ProvisionRequest{
		UserID:       userID,
		Plan:         req.Plan,
		Location:     req.Location,
		ExpireInDays: req.ExpireInDays,
	})
	if err != nil {
		s.track(r, "server_provision_failed", map[string]any{"plan": req.Plan, "kind": orchestrator.KindOf(err).String()})
		s.respondOrchestratorError(w, "provision", err)
		return
	}

	skipped := make([]string, 0, len(res.Skipped))
	for _, o := range res.Skipped {
		skipped = append(skipped, o.Step)
	}
	s.track(r, "server_provisioned", map[string]any{
		"server_id": res.Server.ID,
		"plan":      res.Server.Plan,
		"location":  res.Server.Location,
		"status":    string(res.Server.Status),
	})

	_ = serverJSON.RespondJSON(w, http.StatusCreated, ProvisionServerResponse{
		Server:   res.Server,
		Password: res.Password,
		Skipped:  skipped,
	})
}

// handleGetServer godoc
// @Summary      Get server
// @Description  Get a server, refreshed from the hypervisor
// @Tags         Servers
// @Produce      json
// @Param        serverID  path      string  true  "Server ID"
// @Success      200       {object}  store.Server
// @Failure      403       {object}  error.ErrorResponse
// @Failure      404       {object}  error.ErrorResponse
// @Security     BearerAuth
// @Router       /servers/{serverID} [get]
func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	userID, admin := actor(r)
	srv, err := s.orchestrator.GetServer(r.Context(), chi.URLParam(r, "serverID"), userID, admin)
	if err != nil {
		s.respondOrchestratorError(w, "get server", err)
		return
	}
	_ = serverJSON.RespondJSON(w, http.StatusOK, srv)
}

// handlePowerServer godoc
// @Summary      Power operation
// @Description  Start, stop, reboot, reset, shutdown, suspend or resume a server
// @Tags         Servers
// @Produce      json
// @Param        serverID  path      string  true  "Server ID"
// @Param        action    path      string  true  "Power action"
// @Success      200       {object}  store.Server
// @Failure      400       {object}  error.ErrorResponse
// @Failure      403       {object}  error.ErrorResponse
// @Failure      404       {object}  error.ErrorResponse
// @Failure      502       {object}  error.ErrorResponse
// @Security     BearerAuth
// @Router       /servers/{serverID}/power/{action} [post]
func (s *Server) handlePowerServer(w http.ResponseWriter, r *http.Request) {
	userID, admin := actor(r)
	serverID, action := chi.URLParam(r, "serverID"), chi.URLParam(r, "action")

	srv, err := s.orchestrator.Power(r.Context(), serverID, userID, action, admin)
	if err != nil {
		s.respondOrchestratorError(w, "power "+action, err)
		return
	}
	s.track(r, "server_power", map[string]any{"server_id": serverID, "action": action})
	_ = serverJSON.RespondJSON(w, http.StatusOK, srv)
}

// handleApplyUpgrade godoc
// @Summary      Apply upgrade
// @Description  Add an upgrade's resources to a stopped server
// @Tags         Servers
// @Accept       json
// @Produce      json
// @Param        serverID  path      string               true  "Server ID"
// @Param        request   body      ApplyUpgradeRequest  true  "Upgrade name"
// @Success      200       {object}  store.Server
// @Failure      400       {object}  error.ErrorResponse
// @Failure      403       {object}  error.ErrorResponse
// @Failure      404       {object}  error.ErrorResponse
// @Failure      502       {object}  error.ErrorResponse
// @Security     BearerAuth
// @Router       /servers/{serverID}/upgrades [post]
func (s *Server) handleApplyUpgrade(w http.ResponseWriter, r *http.Request) {
	var req ApplyUpgradeRequest
	if !s.decode(w, r, &req) {
		return
	}
	userID, admin := actor(r)
	serverID := chi.URLParam(r, "serverID")

	srv, err := s.orchestrator.ApplyUpgrade(r.Context(), serverID, userID, req.Upgrade, admin)
	if err != nil {
		s.respondOrchestratorError(w, "apply upgrade", err)
		return
	}
	s.track(r, "server_upgraded", map[string]any{"server_id": serverID, "upgrade": req.Upgrade})
	_ = serverJSON.RespondJSON(w, http.StatusOK, srv)
}

// handleExtendServer godoc
// @Summary      Extend expiry
// @Description  Push a server's expiry back by a number of days
// @Tags         Servers
// @Accept       json
// @Produce      json
// @Param        serverID  path      string               true  "Server ID"
// @Param        request   body      ExtendServerRequest  true  "Days to add"
// @Success      200       {object}  store.Server
// @Failure      400       {object}  error.ErrorResponse
// @Failure      403       {object}  error.ErrorResponse
// @Failure      404       {object}  error.ErrorResponse
// @Security     BearerAuth
// @Router       /servers/{serverID}/extend [post]
func (s *Server) handleExtendServer(w http.ResponseWriter, r *http.Request) {
	var req ExtendServerRequest
	if !s.decode(w, r, &req) {
		return
	}
	userID, admin := actor(r)
	serverID := chi.URLParam(r, "serverID")

	srv, err := s.orchestrator.ExtendServerExpiry(r.Context(), serverID, userID, req.Days, admin)
	if err != nil {
		s.respondOrchestratorError(w, "extend expiry", err)
		return
	}
	s.track(r, "server_extended", map[string]any{"server_id": serverID, "days": req.Days})
	_ = serverJSON.RespondJSON(w, http.StatusOK, srv)
}

// handleResetPassword godoc
// @Summary      Reset password
// @Description  Generate and install a new root password. It is returned once and never stored.
// @Tags         Servers
// @Produce      json
// @Param        serverID  path      string  true  "Server ID"
// @Success      200       {object}  ResetPasswordResponse
// @Failure      400       {object}  error.ErrorResponse
// @Failure      403       {object}  error.ErrorResponse
// @Failure      404       {object}  error.ErrorResponse
// @Failure      502       {object}  error.ErrorResponse
// @Security     BearerAuth
// @Router       /servers/{serverID}/password [post]
func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	userID, admin := actor(r)
	serverID := chi.URLParam(r, "serverID")

	srv, password, err := s.orchestrator.ResetServerPassword(r.Context(), serverID, userID, admin)
	if err != nil {
		s.respondOrchestratorError(w, "reset password", err)
		return
	}
	s.track(r, "server_password_reset", map[string]any{"server_id": serverID})
	_ = serverJSON.RespondJSON(w, http.StatusOK, ResetPasswordResponse{Server: srv, Password: password})
}
