package service

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/models"
	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/store"
)

type MemberService struct {
	store store.Store
}

func NewMemberService(st store.Store) *MemberService {
	return &MemberService{store: st}
}

func (s *MemberService) Get(ctx context.Context, memberID string) (*models.Member, error) {
	m, err := s.store.GetMember(ctx, memberID)
	if err != nil {
		return nil, storeError("get member", err)
	}
	return m, nil
}

// Summary returns the member with the stamp and unused coupon counts.
func (s *MemberService) Summary(ctx context.Context, memberID string) (*models.MemberSummary, error) {
	m, err := s.Get(ctx, memberID)
	if err != nil {
		return nil, err
	}
	stamps, err := s.store.ListStamps(ctx, memberID)
	if err != nil {
		return nil, storeError("member summary", err)
	}
	coupons, err := s.store.CountUnusedCoupons(ctx, memberID)
	if err != nil {
		return nil, storeError("member summary", err)
	}
	return &models.MemberSummary{Member: *m, StampCount: len(stamps), CouponCount: coupons}, nil
}

// Delete removes the member with all stamps and coupons. A partial failure leaves
// the member in place so the call can be repeated.
func (s *MemberService) Delete(ctx context.Context, memberID string) error {
	wctx, cancel := detach(ctx)
	defer cancel()
	if err := s.store.DeleteMember(wctx, memberID); err != nil {
		return storeError("delete member", err)
	}
	log.WithField("member", memberID).Info("member deleted")
	return nil
}

func (s *MemberService) RegisterPushToken(ctx context.Context, memberID, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return invalidInput("push token is required")
	}
	wctx, cancel := detach(ctx)
	defer cancel()
	if err := s.store.SetPushToken(wctx, memberID, token); err != nil {
		return storeError("register push token", err)
	}
	return nil
}

// RemovePushToken turns notifications off, e.g. on logout.
func (s *MemberService) RemovePushToken(ctx context.Context, memberID string) error {
	wctx, cancel := detach(ctx)
	defer cancel()
	if err := s.store.SetPushToken(wctx, memberID, ""); err != nil {
		return storeError("remove push token", err)
	}
	return nil
}
