package handlers

import (
	"net/http"

	"github.com/go-chi/chi"
	log "github.com/sirupsen/logrus"

	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/models"
)

func (h *Handler) GetStampsHandler(w http.ResponseWriter, r *http.Request) {
	stamps, err := h.ledger.GetStamps(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.CreateErrorResponse(w, err)
		return
	}

	dates := make([]string, 0, len(stamps))
	for _, s := range stamps {
		dates = append(dates, s.Date)
	}

	h.CreateResponse(w, Response{
		Message: "stamps",
		Code:    http.StatusOK,
		Data: map[string]interface{}{
			"count":  len(stamps),
			"dates":  dates,
			"stamps": stamps,
		},
	})
}

type scanRequest struct {
	Payload string `json:"payload"`
}

func (h *Handler) ScanStampHandler(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decodeBody(r, &req); err != nil {
		h.CreateErrorResponse(w, err)
		return
	}

	memberID := chi.URLParam(r, "id")
	log.WithFields(log.Fields{
		"member":   memberID,
		"scan_key": r.Header.Get("Idempotency-Key"),
	}).Info("scan submitted")

	res, err := h.ledger.ScanStamp(r.Context(), memberID, req.Payload)
	if err != nil {
		h.CreateErrorResponse(w, err)
		return
	}
	h.writeAccrual(w, res)
}

func (h *Handler) StaffStampHandler(w http.ResponseWriter, r *http.Request) {
	res, err := h.ledger.AddStamp(r.Context(), chi.URLParam(r, "id"), models.MethodStaff)
	if err != nil {
		h.CreateErrorResponse(w, err)
		return
	}
	h.writeAccrual(w, res)
}

func (h *Handler) writeAccrual(w http.ResponseWriter, res *models.AccrualResult) {
	msg := "stamp added"
	if res.CouponIssued != nil {
		msg = "stamp added, coupon issued"
	}
	h.CreateResponse(w, Response{
		Message: msg,
		Code:    http.StatusCreated,
		Data:    res,
	})
}
