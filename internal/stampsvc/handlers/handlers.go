package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/jwtauth"
	log "github.com/sirupsen/logrus"

	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/service"
)

type Handler struct {
	tokenAuth *jwtauth.JWTAuth
	tokenTTL  time.Duration

	identity   *service.IdentityService
	ledger     *service.StampLedger
	redemption *service.RedemptionService
	members    *service.MemberService
}

func NewHandler(identity *service.IdentityService, ledger *service.StampLedger,
	redemption *service.RedemptionService, members *service.MemberService) *Handler {
	return &Handler{
		identity:   identity,
		ledger:     ledger,
		redemption: redemption,
		members:    members,
	}
}

type Response struct {
	Message string      `json:"message"`
	Code    int         `json:"code"`
	Data    interface{} `json:"data"`
	Error   string      `json:"error"`
}

func (h *Handler) CreateResponse(w http.ResponseWriter, rsp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rsp.Code)

	json.NewEncoder(w).Encode(rsp)
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	h.CreateResponse(w, Response{
		Message: "stamp service is running",
		Code:    http.StatusOK,
	})
}

// CreateErrorResponse maps engine errors onto HTTP status codes.
func (h *Handler) CreateErrorResponse(w http.ResponseWriter, err error) {
	rsp := Response{Error: err.Error()}

	var rl *service.RateLimitedError
	switch {
	case errors.As(err, &rl):
		wait := math.Ceil(time.Until(rl.NextEligibleAt).Seconds())
		if wait < 1 {
			wait = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(int64(wait), 10))
		rsp.Code = http.StatusTooManyRequests
		rsp.Message = "stamp rate limited"
		rsp.Data = map[string]interface{}{"next_eligible_at": rl.NextEligibleAt}
	case errors.Is(err, service.ErrInvalidInput):
		rsp.Code = http.StatusBadRequest
		rsp.Message = "invalid input"
	case errors.Is(err, service.ErrForbidden):
		rsp.Code = http.StatusForbidden
		rsp.Message = "forbidden"
	case errors.Is(err, service.ErrNotFound):
		rsp.Code = http.StatusNotFound
		rsp.Message = "not found"
	case errors.Is(err, service.ErrNoCouponAvailable):
		rsp.Code = http.StatusConflict
		rsp.Message = "no coupon available"
	case errors.Is(err, service.ErrStoreUnavailable):
		log.Errorf("store unavailable: %v", err)
		rsp.Code = http.StatusServiceUnavailable
		rsp.Message = "store unavailable, try again"
	default:
		log.Errorf("unexpected error: %v", err)
		rsp.Code = http.StatusInternalServerError
		rsp.Message = "internal error"
	}

	h.CreateResponse(w, rsp)
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body", service.ErrInvalidInput)
	}
	return nil
}
