package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/clinvoice/backend/internal/handler/voice"
	middlewarePkg "github.com/clinvoice/backend/internal/middleware"
	"github.com/clinvoice/backend/internal/service/metering"
	"github.com/clinvoice/backend/internal/service/session"
	"github.com/clinvoice/backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(registry *session.Registry, factory voice.Factory, meter *metering.Collector) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	voiceHandler := voice.New(registry, factory, meter)

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		voiceHandler.RegisterRoutes(api)
	})

	return r
}
