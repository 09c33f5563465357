package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers the control surface on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Use(RequestID)
	r.Use(Logger)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"service":"mend","version":"0.1.0"}`))
	})

	r.Get("/health", h.Health)
	r.Get("/tasks", h.ListTasks)
	r.Get("/stats", h.TaskStats)

	r.Route("/repair", func(r chi.Router) {
		r.Post("/run", h.RunRepair)
		r.Post("/approve", h.ApproveRepair)
		r.Post("/reject", h.RejectRepair)
		r.Get("/status", h.RepairStatus)
	})

	r.Route("/schedule", func(r chi.Router) {
		r.Get("/status", h.ScheduleStatus)
		r.Post("/run/{task}", h.RunScheduledTask)
	})
}
