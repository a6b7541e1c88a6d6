package store

import (
	"context"
	"errors"
	"time"

	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/models"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrNoCoupon     = errors.New("no unused coupon")
	ErrCouponUnused = errors.New("coupon has not been used")
)

// Store is the shared document store behind the stamp services. Each member owns a
// document plus stamps and coupons keyed by member_id.
type Store interface {
	// FindOrCreateMember returns the member with candidate's (name, birth date) or
	// inserts candidate. The bool reports whether a record was created.
	FindOrCreateMember(ctx context.Context, candidate models.Member) (*models.Member, bool, error)
	GetMember(ctx context.Context, memberID string) (*models.Member, error)
	ListAdmins(ctx context.Context) ([]models.Member, error)
	// SetPushToken stores the member's push endpoint. An empty token removes it.
	SetPushToken(ctx context.Context, memberID, token string) error

	ListStamps(ctx context.Context, memberID string) ([]models.Stamp, error)
	ListCoupons(ctx context.Context, memberID string) ([]models.Coupon, error)
	CountUnusedCoupons(ctx context.Context, memberID string) (int, error)

	// RedeemOldestCoupon flips used=false->true on the earliest issued unused coupon
	// in a single conditional write.
	RedeemOldestCoupon(ctx context.Context, memberID string, usedAt time.Time, usedDate string) (*models.Coupon, error)
	DeleteUsedCoupon(ctx context.Context, memberID, couponID string) error

	// DeleteMember removes stamps, coupons and the member. A concurrent accrual either
	// lands before the delete or fails with ErrNotFound, so no child outlives its
	// member. A failed call can be retried.
	DeleteMember(ctx context.Context, memberID string) error

	// WithMemberTx runs fn in one transaction scoped to memberID's documents. fn may be
	// invoked more than once when the backend retries a conflicting transaction.
	WithMemberTx(ctx context.Context, memberID string, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the write side of the stamp ledger.
type Tx interface {
	// ClaimAccrual sets last_stamp_at=now only when the previous accrual is at least
	// minInterval old. When the claim is refused it returns false and the blocking
	// last accrual time.
	ClaimAccrual(ctx context.Context, memberID string, now time.Time, minInterval time.Duration) (bool, time.Time, error)
	InsertStamp(ctx context.Context, stamp models.Stamp) error
	CountStamps(ctx context.Context, memberID string) (int, error)
	InsertCoupon(ctx context.Context, coupon models.Coupon) error
	ClearStamps(ctx context.Context, memberID string) (int, error)
}

func accrualAllowed(last *time.Time, now time.Time, minInterval time.Duration) bool {
	return last == nil || !now.Before(last.Add(minInterval))
}
