package rest

import (
	"fmt"
	"net/http"
	"sort"

	serverError "github.com/ByeonDoHyeon06/vibehost/internal/error"
	serverJSON "github.com/ByeonDoHyeon06/vibehost/internal/json"
	"github.com/ByeonDoHyeon06/vibehost/internal/store"
)

// handleHealth godoc
// @Summary      Health check
// @Tags         Health
// @Produce      json
// @Success      200  {object}  map[string]string
// @Failure      503  {object}  error.ErrorResponse
// @Router       /health [get]
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		serverError.RespondError(w, http.StatusServiceUnavailable, fmt.Errorf("database ping: %w", err))
		return
	}
	_ = serverJSON.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// AllowedMetadata is what a client may ask for when provisioning.
type AllowedMetadata struct {
	Plans     []store.PlanSpec `json:"plans"`
	Locations []string         `json:"locations"`
}

// handleAllowedMetadata godoc
// @Summary      Provisioning options
// @Description  List plans and the locations that have at least one host
// @Tags         Servers
// @Produce      json
// @Success      200  {object}  AllowedMetadata
// @Failure      500  {object}  error.ErrorResponse
// @Router       /servers/metadata/allowed [get]
func (s *Server) handleAllowedMetadata(w http.ResponseWriter, r *http.Request) {
	plans, err := s.store.ListPlans(r.Context())
	if err != nil {
		serverError.RespondError(w, http.StatusInternalServerError, fmt.Errorf("list plans: %w", err))
		return
	}
	hosts, err := s.store.ListHosts(r.Context())
	if err != nil {
		serverError.RespondError(w, http.StatusInternalServerError, fmt.Errorf("list hosts: %w", err))
		return
	}
	seen := make(map[string]bool, len(hosts))
	locations := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h.Location != "" && !seen[h.Location] {
			seen[h.Location] = true
			locations = append(locations, h.Location)
		}
	}
	sort.Strings(locations)
	if plans == nil {
		plans = []store.PlanSpec{}
	}
	_ = serverJSON.RespondJSON(w, http.StatusOK, AllowedMetadata{Plans: plans, Locations: locations})
}
