package rest

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/ByeonDoHyeon06/vibehost/internal/auth"
	"github.com/ByeonDoHyeon06/vibehost/internal/config"
	"github.com/ByeonDoHyeon06/vibehost/internal/metrics"
	"github.com/ByeonDoHyeon06/vibehost/internal/orchestrator"
	"github.com/ByeonDoHyeon06/vibehost/internal/store"
	"github.com/ByeonDoHyeon06/vibehost/internal/telemetry"
)

type Server struct {
	Router       *chi.Mux
	store        store.Store
	cfg          *config.Config
	orchestrator *orchestrator.Orchestrator
	auth         *auth.Authenticator
	telemetry    telemetry.Service
	metrics      *metrics.Metrics
	validate     *validator.Validate
	logger       *slog.Logger
}

func NewServer(st store.Store, cfg *config.Config, orch *orchestrator.Orchestrator, authn *auth.Authenticator, tel telemetry.Service, m *metrics.Metrics) *Server {
	if tel == nil {
		tel = &telemetry.NoopService{}
	}
	if m == nil {
		m = metrics.New(metrics.Config{})
	}
	s := &Server{
		store:        st,
		cfg:          cfg,
		orchestrator: orch,
		auth:         authn,
		telemetry:    tel,
		metrics:      m,
		validate:     newValidator(),
		logger:       slog.Default().With("component", "rest"),
	}
	s.Router = s.routes()
	return s
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	trustedNets := parseCIDRs(s.cfg.API.TrustedProxies, s.logger)
	limit := rateLimitByIP(s.cfg.API.RateLimitRPS, s.cfg.API.RateLimitBurst, trustedNets)

	// Public routes
	r.Get("/v1/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.With(limit).Get("/v1/servers/metadata/allowed", s.handleAllowedMetadata)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(limit)
		r.Use(s.auth.RequireAuth)

		r.Get("/v1/me/servers", s.handleListMyServers)

		r.Route("/v1/servers", func(r chi.Router) {
			r.Post("/", s.handleProvisionServer)
			r.Route("/{serverID}", func(r chi.Router) {
				r.Get("/", s.handleGetServer)
				r.Post("/power/{action}", s.handlePowerServer)
				r.Post("/upgrades", s.handleApplyUpgrade)
				r.Post("/extend", s.handleExtendServer)
				r.Post("/password", s.handleResetPassword)
			})
		})

		// Admin
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAdmin)

			r.Post("/v1/users", s.handleRegisterUser)

			r.Route("/v1/admin", func(r chi.Router) {
				r.Get("/plans", s.handleListPlans)
				r.Post("/plans", s.handleUpsertPlan)
				r.Delete("/plans/{name}", s.handleDeletePlan)

				r.Get("/upgrades", s.handleListUpgrades)
				r.Post("/upgrades", s.handleUpsertUpgrade)

				r.Get("/hosts", s.handleListHosts)
				r.Post("/hosts", s.handleUpsertHost)

				r.Get("/servers", s.handleAdminListServers)
			})
		})
	})

	return r
}

// actor returns the calling user id and whether the caller is an admin.
func actor(r *http.Request) (string, bool) {
	p := auth.PrincipalFromContext(r.Context())
	if p == nil {
		return "", false
	}
	return p.UserID(), p.Admin
}

func (s *Server) track(r *http.Request, event string, props map[string]any) {
	if user := auth.UserFromContext(r.Context()); user != nil {
		s.telemetry.Track(user.ID, event, props)
	}
}
