package handlers

import (
	"github.com/go-chi/chi"
	"github.com/go-chi/jwtauth"
)

func (h *Handler) SetRoutes(r *chi.Mux) {
	r.Route("/v1", func(r chi.Router) {

		// public routes here
		r.Get("/health", h.HealthHandler)
		r.Post("/login", h.LoginHandler)

		// Secure routes
		r.Group(func(r chi.Router) {
			r.Use(jwtauth.Verifier(h.tokenAuth))
			r.Use(jwtauth.Authenticator)

			r.Get("/me", h.MeHandler)

			r.Route("/members/{id}", func(r chi.Router) {
				r.With(h.selfOrAdmin).Get("/", h.GetMemberHandler)
				r.With(h.adminOnly).Delete("/", h.DeleteMemberHandler)

				r.With(h.selfOrAdmin).Get("/stamps", h.GetStampsHandler)
				r.With(h.selfOnly).Post("/stamps/scan", h.ScanStampHandler)
				r.With(h.adminOnly).Post("/stamps", h.StaffStampHandler)

				r.With(h.selfOrAdmin).Get("/coupons", h.GetCouponsHandler)
				r.With(h.selfOnly).Post("/coupons/request", h.RequestCouponHandler)
				r.With(h.selfOnly).Delete("/coupons/{couponID}", h.DeleteCouponHandler)
				r.With(h.adminOnly).Get("/coupons/advisory", h.CouponAdvisoryHandler)
				r.With(h.adminOnly).Post("/coupons/redeem", h.RedeemCouponHandler)

				r.With(h.selfOnly).Put("/push-token", h.RegisterPushTokenHandler)
				r.With(h.selfOnly).Delete("/push-token", h.RemovePushTokenHandler)
			})
		})
	})
}
