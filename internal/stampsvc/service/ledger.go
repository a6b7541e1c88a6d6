package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/models"
	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/store"
)

// StampLedger records stamps and converts every full card into a coupon.
type StampLedger struct {
	store  store.Store
	policy Policy
	issuer couponIssuer
	notify *Dispatcher
}

func NewStampLedger(st store.Store, policy Policy, d *Dispatcher) (*StampLedger, error) {
	if err := policy.validate(); err != nil {
		return nil, err
	}
	return &StampLedger{
		store:  st,
		policy: policy,
		issuer: couponIssuer{policy: policy},
		notify: d,
	}, nil
}

// AddStamp grants one stamp when the member's interval for method has elapsed.
// Reaching the threshold issues a coupon and empties the card in the same
// transaction.
func (l *StampLedger) AddStamp(ctx context.Context, memberID string, method models.StampMethod) (*models.AccrualResult, error) {
	interval, err := l.policy.interval(method)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(memberID) == "" {
		return nil, invalidInput("member id is required")
	}

	now := l.policy.now().UTC()
	var result *models.AccrualResult

	wctx, cancel := detach(ctx)
	defer cancel()
	err = l.store.WithMemberTx(wctx, memberID, func(ctx context.Context, tx store.Tx) error {
		// the store may run this more than once
		result = nil

		ok, last, err := tx.ClaimAccrual(ctx, memberID, now, interval)
		if err != nil {
			return err
		}
		if !ok {
			return &RateLimitedError{
				Method:         method,
				NextEligibleAt: last.Add(interval).In(l.policy.location()),
			}
		}

		stamp := models.Stamp{
			ID:        uuid.NewString(),
			MemberID:  memberID,
			Date:      l.policy.Day(now),
			Method:    method,
			CreatedAt: now,
		}
		if err := tx.InsertStamp(ctx, stamp); err != nil {
			return err
		}

		count, err := tx.CountStamps(ctx, memberID)
		if err != nil {
			return err
		}
		res := &models.AccrualResult{Stamp: stamp, StampCount: count}

		if count >= l.policy.Threshold {
			coupon, err := l.issuer.issue(ctx, tx, memberID, now)
			if err != nil {
				return err
			}
			if _, err := tx.ClearStamps(ctx, memberID); err != nil {
				return err
			}
			res.CouponIssued = coupon
			res.StampCount = 0
		}

		result = res
		return nil
	})
	if err != nil {
		return nil, storeError("add stamp", err)
	}

	log.WithFields(log.Fields{
		"member": memberID,
		"method": method,
		"count":  result.StampCount,
		"coupon": result.CouponIssued != nil,
	}).Info("stamp added")

	l.announce(memberID, result)
	return result, nil
}

// ScanStamp accrues a stamp for a member who scanned the boat's QR code.
func (l *StampLedger) ScanStamp(ctx context.Context, memberID, payload string) (*models.AccrualResult, error) {
	if strings.TrimSpace(payload) != l.policy.QRPayload {
		return nil, invalidInput("unrecognized QR code")
	}
	return l.AddStamp(ctx, memberID, models.MethodScan)
}

// GetStamps returns the member's current stamps ordered by date.
func (l *StampLedger) GetStamps(ctx context.Context, memberID string) ([]models.Stamp, error) {
	stamps, err := l.store.ListStamps(ctx, memberID)
	if err != nil {
		return nil, storeError("get stamps", err)
	}
	sort.SliceStable(stamps, func(i, j int) bool { return stamps[i].Date < stamps[j].Date })
	return stamps, nil
}

func (l *StampLedger) announce(memberID string, res *models.AccrualResult) {
	data := map[string]string{"screen": "stamp", "member_id": memberID}

	if res.CouponIssued != nil {
		l.notify.Dispatch(models.Notification{
			RecipientID: memberID,
			Event:       models.EventCouponIssued,
			Title:       "Coupon issued 🎁",
			Body:        fmt.Sprintf("You collected %d stamps. A new coupon is waiting for you.", l.policy.Threshold),
			Data:        map[string]string{"screen": "coupons", "member_id": memberID, "coupon_id": res.CouponIssued.ID},
		})
	} else {
		l.notify.Dispatch(models.Notification{
			RecipientID: memberID,
			Event:       models.EventStampAdded,
			Title:       "Stamp added",
			Body:        fmt.Sprintf("You now have %d of %d stamps.", res.StampCount, l.policy.Threshold),
			Data:        data,
		})
	}

	if res.Stamp.Method != models.MethodScan {
		return
	}
	// captains get told about every self-service scan
	l.notify.Go(func(ctx context.Context) ([]models.Notification, error) {
		m, err := l.store.GetMember(ctx, memberID)
		if err != nil {
			return nil, err
		}
		admins, err := l.store.ListAdmins(ctx)
		if err != nil {
			return nil, err
		}
		ns := make([]models.Notification, 0, len(admins))
		for _, a := range admins {
			ns = append(ns, models.Notification{
				RecipientID: a.ID,
				Event:       models.EventStampAdded,
				Title:       "QR stamp scanned",
				Body:        fmt.Sprintf("%s scanned the boarding QR code.", m.Name),
				Data:        map[string]string{"screen": "member-detail", "member_id": memberID},
			})
		}
		return ns, nil
	})
}
