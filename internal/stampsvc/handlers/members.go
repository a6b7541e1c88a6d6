package handlers

import (
	"net/http"

	"github.com/go-chi/chi"
)

func (h *Handler) MeHandler(w http.ResponseWriter, r *http.Request) {
	id, err := callerID(r.Context())
	if err != nil {
		h.CreateErrorResponse(w, err)
		return
	}
	h.writeSummary(w, r, id)
}

func (h *Handler) GetMemberHandler(w http.ResponseWriter, r *http.Request) {
	h.writeSummary(w, r, chi.URLParam(r, "id"))
}

func (h *Handler) writeSummary(w http.ResponseWriter, r *http.Request, memberID string) {
	summary, err := h.members.Summary(r.Context(), memberID)
	if err != nil {
		h.CreateErrorResponse(w, err)
		return
	}
	h.CreateResponse(w, Response{
		Message: "member",
		Code:    http.StatusOK,
		Data:    summary,
	})
}

func (h *Handler) DeleteMemberHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.members.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.CreateErrorResponse(w, err)
		return
	}
	h.CreateResponse(w, Response{
		Message: "member deleted",
		Code:    http.StatusOK,
	})
}

type pushTokenRequest struct {
	Token string `json:"token"`
}

func (h *Handler) RegisterPushTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req pushTokenRequest
	if err := decodeBody(r, &req); err != nil {
		h.CreateErrorResponse(w, err)
		return
	}
	if err := h.members.RegisterPushToken(r.Context(), chi.URLParam(r, "id"), req.Token); err != nil {
		h.CreateErrorResponse(w, err)
		return
	}
	h.CreateResponse(w, Response{
		Message: "notifications on",
		Code:    http.StatusOK,
	})
}

func (h *Handler) RemovePushTokenHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.members.RemovePushToken(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.CreateErrorResponse(w, err)
		return
	}
	h.CreateResponse(w, Response{
		Message: "notifications off",
		Code:    http.StatusOK,
	})
}
