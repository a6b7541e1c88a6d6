package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/models"
	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/store"
)

type couponIssuer struct {
	policy Policy
}

// issue creates one unused coupon inside the accrual transaction.
func (i couponIssuer) issue(ctx context.Context, tx store.Tx, memberID string, now time.Time) (*models.Coupon, error) {
	c := models.Coupon{
		ID:         uuid.NewString(),
		MemberID:   memberID,
		IssuedDate: i.policy.Day(now),
		IssuedAt:   now,
	}
	if err := tx.InsertCoupon(ctx, c); err != nil {
		return nil, err
	}
	return &c, nil
}

// RedemptionService covers everything that happens to a coupon after issuance.
type RedemptionService struct {
	store  store.Store
	policy Policy
	notify *Dispatcher
}

func NewRedemptionService(st store.Store, policy Policy, d *Dispatcher) *RedemptionService {
	return &RedemptionService{store: st, policy: policy, notify: d}
}

// Advisory reports what staff should know before redeeming on the business day
// today (YYYY-MM-DD); an empty today means the current day. It reads only.
func (s *RedemptionService) Advisory(ctx context.Context, memberID, today string) (*models.RedemptionAdvisory, error) {
	if today == "" {
		today = s.policy.Day(s.policy.now())
	} else if _, err := time.Parse(dayLayout, today); err != nil {
		return nil, invalidInput("day must be YYYY-MM-DD, got %q", today)
	}

	if _, err := s.store.GetMember(ctx, memberID); err != nil {
		return nil, storeError("coupon advisory", err)
	}
	coupons, err := s.store.ListCoupons(ctx, memberID)
	if err != nil {
		return nil, storeError("coupon advisory", err)
	}

	adv := &models.RedemptionAdvisory{}
	allToday := true
	for _, c := range coupons {
		if c.Used {
			if c.UsedDate == today {
				adv.UsedToday = true
			}
			continue
		}
		adv.UnusedCount++
		if c.IssuedDate != today {
			allToday = false
		}
	}
	adv.OnlyTodayIssued = adv.UnusedCount > 0 && allToday
	return adv, nil
}

// RedeemOne marks the earliest issued unused coupon as used.
func (s *RedemptionService) RedeemOne(ctx context.Context, memberID string) (*models.Coupon, error) {
	now := s.policy.now().UTC()
	wctx, cancel := detach(ctx)
	defer cancel()
	c, err := s.store.RedeemOldestCoupon(wctx, memberID, now, s.policy.Day(now))
	if err != nil {
		return nil, storeError("redeem coupon", err)
	}

	log.WithFields(log.Fields{"member": memberID, "coupon": c.ID}).Info("coupon redeemed")
	s.notify.Dispatch(models.Notification{
		RecipientID: memberID,
		Event:       models.EventCouponUsed,
		Title:       "Coupon used",
		Body:        "One coupon was redeemed. Enjoy the trip!",
		Data:        map[string]string{"screen": "coupons", "member_id": memberID, "coupon_id": c.ID},
	})
	return c, nil
}

func (s *RedemptionService) CouponCount(ctx context.Context, memberID string) (int, error) {
	n, err := s.store.CountUnusedCoupons(ctx, memberID)
	if err != nil {
		return 0, storeError("count coupons", err)
	}
	return n, nil
}

// ListCoupons returns issued and used coupons, earliest issuance first.
func (s *RedemptionService) ListCoupons(ctx context.Context, memberID string) ([]models.Coupon, error) {
	coupons, err := s.store.ListCoupons(ctx, memberID)
	if err != nil {
		return nil, storeError("list coupons", err)
	}
	return coupons, nil
}

// RequestUse asks the captains to redeem one of the member's coupons.
func (s *RedemptionService) RequestUse(ctx context.Context, memberID string) error {
	m, err := s.store.GetMember(ctx, memberID)
	if err != nil {
		return storeError("request coupon", err)
	}
	n, err := s.store.CountUnusedCoupons(ctx, memberID)
	if err != nil {
		return storeError("request coupon", err)
	}
	if n == 0 {
		return fmt.Errorf("request coupon: %w", ErrNoCouponAvailable)
	}

	admins, err := s.store.ListAdmins(ctx)
	if err != nil {
		return storeError("request coupon", err)
	}
	if len(admins) == 0 {
		return fmt.Errorf("request coupon: no captain registered: %w", ErrNotFound)
	}

	ns := make([]models.Notification, 0, len(admins))
	for _, a := range admins {
		ns = append(ns, models.Notification{
			RecipientID: a.ID,
			Event:       models.EventCouponRequested,
			Title:       "Coupon use request",
			Body:        fmt.Sprintf("%s would like to use a coupon.", m.Name),
			Data:        map[string]string{"screen": "member-detail", "member_id": memberID},
		})
	}
	s.notify.Dispatch(ns...)
	return nil
}

// DeleteUsed lets a member tidy up a coupon that has already been redeemed.
func (s *RedemptionService) DeleteUsed(ctx context.Context, memberID, couponID string) error {
	if strings.TrimSpace(couponID) == "" {
		return invalidInput("coupon id is required")
	}
	wctx, cancel := detach(ctx)
	defer cancel()
	if err := s.store.DeleteUsedCoupon(wctx, memberID, couponID); err != nil {
		return storeError("delete coupon", err)
	}
	return nil
}
