package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/models"
	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/store"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNoCouponAvailable = errors.New("no coupon available")
	ErrNotFound          = errors.New("not found")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrForbidden         = errors.New("forbidden")
)

// RateLimitedError is returned when a stamp is requested before the member's
// accrual interval has elapsed. NextEligibleAt is in the business time zone.
type RateLimitedError struct {
	Method         models.StampMethod
	NextEligibleAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("stamp already added recently; next %s stamp is available after %s, ask the captain for an extra stamp",
		e.Method, e.NextEligibleAt.Format("15:04"))
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// storeError classifies an error coming back from the store.
func storeError(op string, err error) error {
	var rl *RateLimitedError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &rl):
		return err
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrNoCouponAvailable), errors.Is(err, ErrStoreUnavailable):
		return err
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, store.ErrNoCoupon):
		return fmt.Errorf("%s: %w", op, ErrNoCouponAvailable)
	case errors.Is(err, store.ErrCouponUnused):
		return fmt.Errorf("%s: %w: coupon has not been used yet", op, ErrInvalidInput)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
