package handlers

import (
	"net/http"

	"github.com/go-chi/chi"
)

func (h *Handler) GetCouponsHandler(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "id")
	coupons, err := h.redemption.ListCoupons(r.Context(), memberID)
	if err != nil {
		h.CreateErrorResponse(w, err)
		return
	}
	unused, err := h.redemption.CouponCount(r.Context(), memberID)
	if err != nil {
		h.CreateErrorResponse(w, err)
		return
	}

	h.CreateResponse(w, Response{
		Message: "coupons",
		Code:    http.StatusOK,
		Data: map[string]interface{}{
			"unused_count": unused,
			"coupons":      coupons,
		},
	})
}

// CouponAdvisoryHandler answers for ?date=YYYY-MM-DD, or today when absent.
func (h *Handler) CouponAdvisoryHandler(w http.ResponseWriter, r *http.Request) {
	adv, err := h.redemption.Advisory(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("date"))
	if err != nil {
		h.CreateErrorResponse(w, err)
		return
	}
	h.CreateResponse(w, Response{
		Message: "coupon advisory",
		Code:    http.StatusOK,
		Data:    adv,
	})
}

func (h *Handler) RedeemCouponHandler(w http.ResponseWriter, r *http.Request) {
	c, err := h.redemption.RedeemOne(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.CreateErrorResponse(w, err)
		return
	}
	h.CreateResponse(w, Response{
		Message: "coupon used",
		Code:    http.StatusOK,
		Data:    c,
	})
}

func (h *Handler) RequestCouponHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.redemption.RequestUse(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.CreateErrorResponse(w, err)
		return
	}
	h.CreateResponse(w, Response{
		Message: "the captain has been asked to use your coupon",
		Code:    http.StatusAccepted,
	})
}

func (h *Handler) DeleteCouponHandler(w http.ResponseWriter, r *http.Request) {
	err := h.redemption.DeleteUsed(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "couponID"))
	if err != nil {
		h.CreateErrorResponse(w, err)
		return
	}
	h.CreateResponse(w, Response{
		Message: "coupon deleted",
		Code:    http.StatusOK,
	})
}
