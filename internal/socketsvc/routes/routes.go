package routes

import (
	"github.com/go-chi/chi"

	"github.com/avvvet/ohgo-stamp-services/internal/socketsvc/handlers"
	"github.com/avvvet/ohgo-stamp-services/internal/socketsvc/ws"
)

// the socket authenticates in its init message, browsers cannot set headers on upgrade
func SetRoutes(r *chi.Mux, ws *ws.Ws, allowedOrigins ...string) {
	h := handlers.NewHandler(ws, allowedOrigins...)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", h.HealthHandler)
		r.Get("/ws", h.HandleWebSocket)
	})
}
