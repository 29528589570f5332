package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/botleague/internal/middleware"
)

// RouteOptions configures the middleware of the operator API.
type RouteOptions struct {
	// OperatorToken returns the secret guarding the mutating /api/v1 routes.
	// Nil, or an empty token, leaves them open.
	OperatorToken func() string
	// Idempotency replays responses to repeated POSTs. Nil disables it.
	Idempotency func(http.Handler) http.Handler
	// RateLimit throttles /api/v1. Nil disables it.
	RateLimit func(http.Handler) http.Handler
}

// MountRoutes registers all routes on the given chi router.
//
// /confirm, /results and /problem_ci_status keep the paths evaluators and the
// league site already call. Evaluators authenticate with the eval_key.
func MountRoutes(r chi.Router, h *Handlers, opts RouteOptions) {
	r.Get("/health", h.Health)

	r.Post("/confirm", h.Confirm)
	r.Post("/results", h.Results)
	r.Get("/problem_ci_status", h.ProblemCIStatus)

	r.Route("/api/v1", func(r chi.Router) {
		if opts.RateLimit != nil {
			r.Use(opts.RateLimit)
		}

		r.Get("/evaluations/{evalID}", h.GetEvaluation)
		r.Get("/ledgers", h.GetLedger)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireToken(opts.OperatorToken))
			if opts.Idempotency != nil {
				r.Use(opts.Idempotency)
			}
			r.Post("/evaluations", h.TriggerBotEvaluation)
			r.Post("/problem-checks", h.CheckProblemChange)
			r.Post("/problem-checks/{id}/reduce", h.RedriveProblemCheck)
		})
	})
}
