package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/smmpanel-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware панели.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", h.Register)
		r.Post("/auth/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/auth/me", h.Me)
			r.Get("/services", h.ListServices)

			r.Post("/orders", h.CreateOrder)
			r.Get("/orders", h.GetOrders)
			r.Get("/orders/{orderID}", h.GetOrder)
			r.Post("/orders/{orderID}/retry", h.RetryOrder)

			r.Get("/user/balance", h.GetBalance)
			r.Post("/user/deposit", h.RequestDeposit)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)
			r.Use(h.authMiddleware.RequireAdmin)

			r.Get("/users", h.AdminListUsers)

			r.Get("/orders", h.AdminListOrders)
			r.Post("/orders/{orderID}/retry", h.AdminRetryOrder)
			r.Post("/orders/{orderID}/status", h.AdminOverrideStatus)

			r.Post("/reconcile", h.AdminReconcile)

			r.Get("/ghost-orders", h.AdminListGhosts)
			r.Post("/ghost-orders/{ghostID}/resolve", h.AdminResolveGhost)

			r.Get("/deposits", h.AdminListDeposits)
			r.Post("/deposits/{depositID}", h.AdminProcessDeposit)

			r.Post("/services", h.AdminCreateService)
			r.Get("/events", h.AdminListEvents)
			r.Get("/stats", h.AdminStats)
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
