package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	custommiddleware "github.com/mmeshcher/loyalty-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса лояльности.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/scan/visit", h.ScanVisit)
		r.Post("/scan/event", h.ScanEvent)
		r.Post("/rewards/claim", h.ClaimReward)

		r.Post("/merchant/plan", h.ChangePlan)
		r.Post("/merchant/addons", h.PurchaseAddons)

		// Программный API: bearer-токен мерчанта, права и лимит частоты на токен.
		r.Group(func(r chi.Router) {
			r.Use(h.tokenAuth.Middleware)
			r.Use(httprate.Limit(60, time.Minute, httprate.WithKeyFuncs(custommiddleware.TokenKeyFunc)))

			r.With(custommiddleware.RequireScope(custommiddleware.ScopePointsWrite)).
				Post("/points", h.APIAwardPoints)
			r.With(custommiddleware.RequireScope(custommiddleware.ScopePointsWrite)).
				Post("/points/redeem", h.APIRedeemPoints)
			r.With(custommiddleware.RequireScope(custommiddleware.ScopePointsRead)).
				Get("/points", h.APIGetPoints)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
