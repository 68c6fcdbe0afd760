package api

import (
	"net/http"
	"time"

	"codebattle/internal/api/handler"
	appMiddleware "codebattle/internal/api/middleware"
	"codebattle/internal/app/service"
	"codebattle/internal/common/security"
	"codebattle/internal/limiter"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(
	authService *service.AuthService,
	problemService *service.ProblemService,
	battleService *service.BattleService,
	execService *service.ExecutionService,
	rateLimiter *limiter.RateLimiter,
) http.Handler {
	r := chi.NewRouter()

	// Base Middlewares
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))

	// Verifies the token when present and puts claims in context; the
	// Authenticator middleware enforces it per route group.
	r.Use(jwtauth.Verifier(security.TokenAuth))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Execution and submission endpoints are rate limited per user (per
	// remote address when anonymous), on top of a global ceiling.
	limited := rateLimiter.Middleware(func(r *http.Request) string {
		if userID, ok := appMiddleware.GetUserIDFromContext(r.Context()); ok {
			return userID
		}
		return r.RemoteAddr
	})

	r.Route("/api/v1", func(v1 chi.Router) {
		// Auth routes (public)
		authHandler := handler.NewAuthHandler(authService)
		v1.Group(func(publicAuth chi.Router) {
			authHandler.RegisterRoutes(publicAuth)
		})

		// Standalone execution (authenticated, rate limited)
		execHandler := handler.NewExecutionHandler(execService)
		v1.Group(func(exec chi.Router) {
			exec.Use(appMiddleware.Authenticator)
			exec.Use(limited)
			execHandler.RegisterRoutes(exec)
		})

		// Problem routes (reads public, authoring admin-only)
		problemHandler := handler.NewProblemHandler(problemService)
		v1.Route("/problems", func(pr chi.Router) {
			problemHandler.RegisterRoutes(pr)
			pr.Group(func(admin chi.Router) {
				admin.Use(appMiddleware.Authenticator)
				admin.Use(appMiddleware.AdminOnly)
				problemHandler.RegisterAdminRoutes(admin)
			})
		})

		// Battle routes (authenticated; submit/test also rate limited)
		battleHandler := handler.NewBattleHandler(battleService)
		v1.Route("/battles", func(br chi.Router) {
			br.Use(appMiddleware.Authenticator)
			br.Use(limited)
			battleHandler.RegisterRoutes(br)
		})

		// Leaderboard (public)
		battleHandler.RegisterLeaderboardRoutes(v1)
	})

	return r
}
