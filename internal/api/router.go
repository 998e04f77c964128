// Package api wires the HTTP read API and the detection trigger onto a chi router.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-patterns/internal/api/handlers"
	"github.com/dvloznov/finance-patterns/internal/api/middleware"
	"github.com/dvloznov/finance-patterns/internal/jobs"
)

// Deps are the services the router exposes.
type Deps struct {
	Recurring handlers.RecurringReader
	Transfers handlers.TransferReader
	Publisher jobs.Publisher
	Jobs      jobs.JobStore
	Log       zerolog.Logger
}

// NewRouter creates a chi router with all API routes mounted.
func NewRouter(d Deps) chi.Router {
	households := handlers.NewHouseholdsHandler(d.Recurring, d.Transfers, d.Publisher, d.Log)
	jobsHandler := handlers.NewJobsHandler(d.Jobs, d.Log)

	r := chi.NewRouter()
	r.Use(middleware.Recovery(d.Log))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(d.Log))
	r.Use(middleware.CORS)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/households/{householdID}", func(r chi.Router) {
			r.Get("/recurring/upcoming", households.Upcoming)
			r.Get("/recurring/price-changes", households.PriceChanges)
			r.Get("/recurring/missed", households.Missed)
			r.Get("/transfers/stats", households.TransferStats)
			r.Post("/detect", households.Detect)
		})

		r.Get("/jobs", jobsHandler.ListJobs)
		r.Get("/jobs/{jobID}", jobsHandler.GetJob)
	})

	return r
}
