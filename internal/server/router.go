package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.MiddlewareLogger)
	r.Get("/healthz", s.HandlerHealth)
	r.Get("/scenarios", s.HandlerScenarios)

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.HandlerListTasks)
		r.Post("/", s.HandlerCreateTask)
		r.Get("/{id}", s.HandlerTaskStatus)
		r.Post("/{id}/pause", s.HandlerPauseTask)
		r.Post("/{id}/resume", s.HandlerResumeTask)
		r.Post("/{id}/cancel", s.HandlerCancelTask)
		r.Get("/{id}/result", s.HandlerTaskResult)
	})

	r.Get("/runs", s.HandlerListRuns)
	r.Get("/runs/{id}", s.HandlerGetRun)
	return r
}
