package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/jwtauth"

	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/models"
	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/service"
)

const (
	claimMemberID = "member_id"
	claimRole     = "role"
)

func (h *Handler) InitAuth(secret string, ttl time.Duration) {
	h.tokenAuth = jwtauth.New("HS256", []byte(secret), nil)
	h.tokenTTL = ttl
}

// IssueToken signs a session token for m.
func (h *Handler) IssueToken(m *models.Member) (string, error) {
	_, tokenString, err := h.tokenAuth.Encode(map[string]interface{}{
		claimMemberID: m.ID,
		claimRole:     m.Role,
		"iat":         time.Now().Unix(),
		"exp":         time.Now().Add(h.tokenTTL).Unix(),
	})
	return tokenString, err
}

type loginRequest struct {
	Name      string `json:"name"`
	BirthDate string `json:"birth_date"`
}

func (h *Handler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		h.CreateErrorResponse(w, err)
		return
	}

	m, err := h.identity.Resolve(r.Context(), req.Name, req.BirthDate)
	if err != nil {
		h.CreateErrorResponse(w, err)
		return
	}

	token, err := h.IssueToken(m)
	if err != nil {
		h.CreateErrorResponse(w, fmt.Errorf("sign token: %w", err))
		return
	}

	h.CreateResponse(w, Response{
		Message: "logged in",
		Code:    http.StatusOK,
		Data: map[string]interface{}{
			"token":  token,
			"member": m,
		},
	})
}

// callerID returns the member id from the verified token.
func callerID(ctx context.Context) (string, error) {
	_, claims, err := jwtauth.FromContext(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", service.ErrForbidden, err)
	}
	id, _ := claims[claimMemberID].(string)
	if id == "" {
		return "", fmt.Errorf("%w: token carries no member", service.ErrForbidden)
	}
	return id, nil
}

// caller loads the member behind the token. Roles are read from the store so a
// demoted admin loses access before the token expires.
func (h *Handler) caller(r *http.Request) (*models.Member, error) {
	id, err := callerID(r.Context())
	if err != nil {
		return nil, err
	}
	m, err := h.members.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (h *Handler) selfOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := callerID(r.Context())
		if err != nil {
			h.CreateErrorResponse(w, err)
			return
		}
		if id != chi.URLParam(r, "id") {
			h.CreateErrorResponse(w, fmt.Errorf("%w: members can only act on their own account", service.ErrForbidden))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m, err := h.caller(r)
		if err != nil {
			h.CreateErrorResponse(w, err)
			return
		}
		if !m.IsAdmin() {
			h.CreateErrorResponse(w, fmt.Errorf("%w: captain only", service.ErrForbidden))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) selfOrAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := callerID(r.Context())
		if err != nil {
			h.CreateErrorResponse(w, err)
			return
		}
		if id == chi.URLParam(r, "id") {
			next.ServeHTTP(w, r)
			return
		}
		h.adminOnly(next).ServeHTTP(w, r)
	})
}
