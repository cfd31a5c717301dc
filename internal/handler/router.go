package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/dkurganov/partsmarket/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса partsmarket.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/otp/request", h.RequestOTP)
		r.Post("/user/otp/verify", h.VerifyOTP)

		r.Get("/products", h.GetProducts)

		r.Post("/payment/notification", h.PaymentNotification)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/orders", h.CreateOrder)
			r.Get("/orders", h.GetOrders)
			r.Get("/orders/{number}", h.GetOrder)
			r.Post("/orders/{number}/payment", h.InitiatePayment)

			r.Get("/user/statistics", h.GetStatistics)
			r.Get("/user/missions", h.GetMissions)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)
			r.Use(h.authMiddleware.AdminOnly)

			r.Get("/admin/missions", h.ListMissions)
			r.Post("/admin/missions", h.CreateMission)
			r.Get("/admin/missions/{id}", h.GetMission)
			r.Put("/admin/missions/{id}", h.UpdateMission)
			r.Delete("/admin/missions/{id}", h.DeleteMission)

			r.Patch("/admin/orders/{number}/status", h.SetOrderStatus)
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
