package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chronotail/chronotail/logger"
	"github.com/chronotail/chronotail/reconciler"
)

// Handler returns an http.Handler that exposes the reconciled log
// buffer and its stream lifecycle.
func Handler(rec *reconciler.Reconciler) http.Handler {
	r := chi.NewRouter()
	r.Use(logger.Middleware)

	r.Route("/logs", func(r chi.Router) {
		r.Get("/", HandleLogs(rec))
		r.Post("/older", HandleLoadOlder(rec))
		r.Post("/clear", HandleClear(rec))
		r.Post("/search", HandleSearch(rec))
		r.Post("/restart", HandleRestart(rec))
	})

	r.Get("/status", HandleStatus(rec))
	r.Get("/healthz", HandleHealth())

	return r
}
