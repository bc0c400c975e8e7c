package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/engine"
	"github.com/xela07ax/toolgate/internal/filter"
	"github.com/xela07ax/toolgate/internal/infra"
	"github.com/xela07ax/toolgate/internal/infra/auth"
	"github.com/xela07ax/toolgate/internal/registry"
)

type Server struct {
	router *chi.Mux
	logger *zap.Logger
	cfg    *infra.Config

	engine   *engine.Engine
	registry *registry.Registry
	filter   *filter.Filter

	// Проверка RS256-токенов админского периметра. nil — ключ не задан,
	// периметр работает без авторизации (только локальная разработка).
	validator auth.TokenValidator
}

func New(
	cfg *infra.Config,
	eng *engine.Engine,
	reg *registry.Registry,
	flt *filter.Filter,
	validator auth.TokenValidator,
	logger *zap.Logger,
) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.Named("api"),
		cfg:       cfg,
		engine:    eng,
		registry:  reg,
		filter:    flt,
		validator: validator,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(TracingMiddleware)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ (точка входа агентов) ---
	r.Group(func(r chi.Router) {
		r.Post("/v1/decide", s.handleDecide)
		r.Get("/v1/decide/{ticket}", s.handleAwait)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (операторы, RS256 токен) ---
	r.Group(func(r chi.Router) {
		if s.validator != nil {
			r.Use(auth.NewMiddleware(s.validator, s.logger))
		} else {
			s.logger.Warn("admin perimeter is UNPROTECTED: no auth public key configured")
		}

		// Dashboard & Stats
		r.Get("/api/v1/dashboard/stats", s.handleStats)

		// Human-in-the-loop (Approvals)
		r.Route("/v1/approvals", func(r chi.Router) {
			r.Get("/", s.handleApprovalList)
			r.Get("/stream", s.handleApprovalStream) // SSE
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleApprovalGet)
				r.Post("/decide", s.handleApprovalDecide)
			})
		})

		// Аудит (Observability)
		r.Get("/v1/audit", s.handleAuditTail)

		// Глобальный рубильник
		r.Route("/v1/killswitch", func(r chi.Router) {
			r.Get("/", s.handleKillSwitchState)
			r.Post("/activate", s.handleKillSwitchActivate)
			r.Post("/deactivate", s.handleKillSwitchDeactivate)
		})

		// Реестр манифестов и контент-фильтр
		r.Route("/v1/registry", func(r chi.Router) {
			r.Get("/", s.handleRegistryExport)
			r.Post("/reload", s.handleRegistryReload)
		})
		r.Route("/v1/filter", func(r chi.Router) {
			r.Get("/", s.handleFilterRules)
			r.Post("/reload", s.handleFilterReload)
		})
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
