package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/models"
)

func newMember(role string) models.Member {
	return models.Member{
		ID:        uuid.NewString(),
		Name:      "member-" + uuid.NewString()[:8],
		BirthDate: "19810204",
		Role:      role,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func mustCreate(t *testing.T, s Store, m models.Member) *models.Member {
	t.Helper()
	got, created, err := s.FindOrCreateMember(context.Background(), m)
	require.NoError(t, err)
	require.True(t, created)
	return got
}

// tryAccrue runs one stamp accrual the way the ledger does and reports whether it
// was granted. Safe to call from several goroutines.
func tryAccrue(s Store, memberID string, now time.Time, interval time.Duration, issueAt int) (bool, error) {
	var granted bool
	err := s.WithMemberTx(context.Background(), memberID, func(ctx context.Context, tx Tx) error {
		granted = false
		ok, _, err := tx.ClaimAccrual(ctx, memberID, now, interval)
		if err != nil || !ok {
			return err
		}
		if err := tx.InsertStamp(ctx, models.Stamp{
			ID: uuid.NewString(), MemberID: memberID, Date: now.Format("2006-01-02"),
			Method: models.MethodStaff, CreatedAt: now,
		}); err != nil {
			return err
		}
		n, err := tx.CountStamps(ctx, memberID)
		if err != nil {
			return err
		}
		if n >= issueAt {
			if err := tx.InsertCoupon(ctx, models.Coupon{
				ID: uuid.NewString(), MemberID: memberID, IssuedDate: now.Format("2006-01-02"), IssuedAt: now,
			}); err != nil {
				return err
			}
			if _, err := tx.ClearStamps(ctx, memberID); err != nil {
				return err
			}
		}
		granted = true
		return nil
	})
	return granted, err
}

func accrue(t *testing.T, s Store, memberID string, now time.Time, interval time.Duration, issueAt int) bool {
	t.Helper()
	granted, err := tryAccrue(s, memberID, now, interval, issueAt)
	require.NoError(t, err)
	return granted
}

// parallel runs fn n times at once and waits for all of them.
func parallel(n int, fn func(i int)) {
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			fn(i)
		}(i)
	}
	close(start)
	wg.Wait()
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("FindOrCreateMember", func(t *testing.T) {
		s := newStore(t)
		m := newMember(models.RoleMember)
		first := mustCreate(t, s, m)
		assert.Equal(t, m.ID, first.ID)

		dup := m
		dup.ID = uuid.NewString()
		again, created, err := s.FindOrCreateMember(ctx, dup)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, m.ID, again.ID)

		got, err := s.GetMember(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, m.Name, got.Name)
		assert.Nil(t, got.LastStampAt)

		_, err = s.GetMember(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ListAdmins", func(t *testing.T) {
		s := newStore(t)
		a := mustCreate(t, s, newMember(models.RoleAdmin))
		m := mustCreate(t, s, newMember(models.RoleMember))

		admins, err := s.ListAdmins(ctx)
		require.NoError(t, err)
		ids := map[string]bool{}
		for _, x := range admins {
			ids[x.ID] = true
		}
		assert.True(t, ids[a.ID])
		assert.False(t, ids[m.ID])
	})

	t.Run("SetPushToken", func(t *testing.T) {
		s := newStore(t)
		m := mustCreate(t, s, newMember(models.RoleMember))

		require.NoError(t, s.SetPushToken(ctx, m.ID, "ExponentPushToken[x]"))
		got, err := s.GetMember(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, "ExponentPushToken[x]", got.PushToken)

		require.NoError(t, s.SetPushToken(ctx, m.ID, ""))
		got, err = s.GetMember(ctx, m.ID)
		require.NoError(t, err)
		assert.Empty(t, got.PushToken)

		assert.ErrorIs(t, s.SetPushToken(ctx, uuid.NewString(), "t"), ErrNotFound)
	})

	t.Run("AccrualClaimAndReset", func(t *testing.T) {
		s := newStore(t)
		m := mustCreate(t, s, newMember(models.RoleMember))
		now := time.Now().UTC().Truncate(time.Millisecond)

		for i := 0; i < 3; i++ {
			require.True(t, accrue(t, s, m.ID, now.Add(time.Duration(i)*time.Minute), time.Second, 3))
		}
		stamps, err := s.ListStamps(ctx, m.ID)
		require.NoError(t, err)
		assert.Empty(t, stamps)
		n, err := s.CountUnusedCoupons(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		last := now.Add(2 * time.Minute)
		require.False(t, accrue(t, s, m.ID, last.Add(time.Minute), time.Hour, 3))

		err = s.WithMemberTx(ctx, m.ID, func(ctx context.Context, tx Tx) error {
			ok, blocking, err := tx.ClaimAccrual(ctx, m.ID, last.Add(time.Minute), time.Hour)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.WithinDuration(t, last, blocking, time.Millisecond)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("TxRollback", func(t *testing.T) {
		s := newStore(t)
		m := mustCreate(t, s, newMember(models.RoleMember))
		now := time.Now().UTC().Truncate(time.Millisecond)
		boom := errors.New("boom")

		err := s.WithMemberTx(ctx, m.ID, func(ctx context.Context, tx Tx) error {
			ok, _, err := tx.ClaimAccrual(ctx, m.ID, now, time.Hour)
			require.NoError(t, err)
			require.True(t, ok)
			require.NoError(t, tx.InsertStamp(ctx, models.Stamp{
				ID: uuid.NewString(), MemberID: m.ID, Date: "2025-01-01", Method: models.MethodScan, CreatedAt: now,
			}))
			return boom
		})
		require.ErrorIs(t, err, boom)

		got, err := s.GetMember(ctx, m.ID)
		require.NoError(t, err)
		assert.Nil(t, got.LastStampAt)
		stamps, err := s.ListStamps(ctx, m.ID)
		require.NoError(t, err)
		assert.Empty(t, stamps)
	})

	t.Run("TxUnknownMember", func(t *testing.T) {
		s := newStore(t)
		id := uuid.NewString()
		err := s.WithMemberTx(ctx, id, func(ctx context.Context, tx Tx) error {
			_, _, err := tx.ClaimAccrual(ctx, id, time.Now(), time.Second)
			return err
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("RedeemOldestCoupon", func(t *testing.T) {
		s := newStore(t)
		m := mustCreate(t, s, newMember(models.RoleMember))
		now := time.Now().UTC().Truncate(time.Millisecond)

		require.True(t, accrue(t, s, m.ID, now, time.Second, 1))
		require.True(t, accrue(t, s, m.ID, now.Add(time.Hour), time.Second, 1))
		coupons, err := s.ListCoupons(ctx, m.ID)
		require.NoError(t, err)
		require.Len(t, coupons, 2)

		used, err := s.RedeemOldestCoupon(ctx, m.ID, now.Add(2*time.Hour), "2025-01-01")
		require.NoError(t, err)
		assert.Equal(t, coupons[0].ID, used.ID)
		assert.True(t, used.Used)
		assert.Equal(t, "2025-01-01", used.UsedDate)
		require.NotNil(t, used.UsedAt)

		_, err = s.RedeemOldestCoupon(ctx, m.ID, now, "2025-01-01")
		require.NoError(t, err)
		_, err = s.RedeemOldestCoupon(ctx, m.ID, now, "2025-01-01")
		assert.ErrorIs(t, err, ErrNoCoupon)
		_, err = s.RedeemOldestCoupon(ctx, uuid.NewString(), now, "2025-01-01")
		assert.ErrorIs(t, err, ErrNotFound)

		assert.ErrorIs(t, s.DeleteUsedCoupon(ctx, m.ID, uuid.NewString()), ErrNotFound)
		require.NoError(t, s.DeleteUsedCoupon(ctx, m.ID, used.ID))
		n, err := s.CountUnusedCoupons(ctx, m.ID)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("DeleteUsedCouponKeepsUnused", func(t *testing.T) {
		s := newStore(t)
		m := mustCreate(t, s, newMember(models.RoleMember))
		require.True(t, accrue(t, s, m.ID, time.Now().UTC(), time.Second, 1))
		coupons, err := s.ListCoupons(ctx, m.ID)
		require.NoError(t, err)
		require.Len(t, coupons, 1)

		assert.ErrorIs(t, s.DeleteUsedCoupon(ctx, m.ID, coupons[0].ID), ErrCouponUnused)
	})

	t.Run("ConcurrentClaimGrantsOne", func(t *testing.T) {
		s := newStore(t)
		m := mustCreate(t, s, newMember(models.RoleMember))
		now := time.Now().UTC().Truncate(time.Millisecond)

		const n = 8
		granted := make([]bool, n)
		errs := make([]error, n)
		parallel(n, func(i int) {
			granted[i], errs[i] = tryAccrue(s, m.ID, now.Add(time.Duration(i)*time.Millisecond), 6*time.Hour, 10)
		})

		wins := 0
		for i := range granted {
			require.NoError(t, errs[i])
			if granted[i] {
				wins++
			}
		}
		assert.Equal(t, 1, wins)

		stamps, err := s.ListStamps(ctx, m.ID)
		require.NoError(t, err)
		assert.Len(t, stamps, 1)
	})

	t.Run("ConcurrentThresholdIssuesOneCoupon", func(t *testing.T) {
		s := newStore(t)
		m := mustCreate(t, s, newMember(models.RoleMember))
		now := time.Now().UTC().Truncate(time.Millisecond)
		require.True(t, accrue(t, s, m.ID, now, 0, 3))
		require.True(t, accrue(t, s, m.ID, now, 0, 3))

		const n = 4
		granted := make([]bool, n)
		errs := make([]error, n)
		parallel(n, func(i int) {
			granted[i], errs[i] = tryAccrue(s, m.ID, now, 0, 3)
		})
		for i := range errs {
			require.NoError(t, errs[i])
			require.True(t, granted[i])
		}

		// 2 + 4 accruals at a threshold of 3: two full cards, nothing left over
		coupons, err := s.ListCoupons(ctx, m.ID)
		require.NoError(t, err)
		assert.Len(t, coupons, 2)
		stamps, err := s.ListStamps(ctx, m.ID)
		require.NoError(t, err)
		assert.Empty(t, stamps)
	})

	t.Run("ConcurrentRedeemConsumesOnce", func(t *testing.T) {
		s := newStore(t)
		m := mustCreate(t, s, newMember(models.RoleMember))
		now := time.Now().UTC().Truncate(time.Millisecond)
		require.True(t, accrue(t, s, m.ID, now, time.Second, 1))

		const n = 8
		redeemed := make([]*models.Coupon, n)
		errs := make([]error, n)
		parallel(n, func(i int) {
			redeemed[i], errs[i] = s.RedeemOldestCoupon(context.Background(), m.ID, now, "2025-01-01")
		})

		wins := 0
		for i := range errs {
			if errs[i] == nil {
				require.NotNil(t, redeemed[i])
				wins++
				continue
			}
			assert.ErrorIs(t, errs[i], ErrNoCoupon)
		}
		assert.Equal(t, 1, wins)

		unused, err := s.CountUnusedCoupons(ctx, m.ID)
		require.NoError(t, err)
		assert.Zero(t, unused)
	})

	t.Run("ConcurrentFindOrCreateSameIdentity", func(t *testing.T) {
		s := newStore(t)
		base := newMember(models.RoleMember)

		const n = 8
		ids := make([]string, n)
		created := make([]bool, n)
		errs := make([]error, n)
		parallel(n, func(i int) {
			c := base
			c.ID = uuid.NewString()
			var m *models.Member
			m, created[i], errs[i] = s.FindOrCreateMember(context.Background(), c)
			if m != nil {
				ids[i] = m.ID
			}
		})

		creations := 0
		for i := range ids {
			require.NoError(t, errs[i])
			assert.Equal(t, ids[0], ids[i])
			if created[i] {
				creations++
			}
		}
		assert.Equal(t, 1, creations)
	})

	t.Run("DeleteRacingAccrualLeavesNoOrphans", func(t *testing.T) {
		s := newStore(t)
		m := mustCreate(t, s, newMember(models.RoleMember))
		now := time.Now().UTC().Truncate(time.Millisecond)
		require.True(t, accrue(t, s, m.ID, now, 0, 2))

		const n = 6
		errs := make([]error, n)
		parallel(n, func(i int) {
			if i == 0 {
				errs[i] = s.DeleteMember(context.Background(), m.ID)
				return
			}
			_, errs[i] = tryAccrue(s, m.ID, now, 0, 2)
		})

		require.NoError(t, errs[0])
		for _, err := range errs[1:] {
			if err != nil {
				assert.ErrorIs(t, err, ErrNotFound)
			}
		}

		_, err := s.GetMember(ctx, m.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		stamps, err := s.ListStamps(ctx, m.ID)
		require.NoError(t, err)
		assert.Empty(t, stamps)
		coupons, err := s.ListCoupons(ctx, m.ID)
		require.NoError(t, err)
		assert.Empty(t, coupons)
	})

	t.Run("DeleteMember", func(t *testing.T) {
		s := newStore(t)
		m := mustCreate(t, s, newMember(models.RoleMember))
		now := time.Now().UTC().Truncate(time.Millisecond)
		for i := 0; i < 5; i++ {
			require.True(t, accrue(t, s, m.ID, now.Add(time.Duration(i)*time.Minute), time.Second, 4))
		}

		require.NoError(t, s.DeleteMember(ctx, m.ID))
		_, err := s.GetMember(ctx, m.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		stamps, err := s.ListStamps(ctx, m.ID)
		require.NoError(t, err)
		assert.Empty(t, stamps)
		coupons, err := s.ListCoupons(ctx, m.ID)
		require.NoError(t, err)
		assert.Empty(t, coupons)

		assert.ErrorIs(t, s.DeleteMember(ctx, m.ID), ErrNotFound)
	})
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStoreFaultKeepsMember(t *testing.T) {
	s := NewMemoryStore()
	m := newMember(models.RoleMember)
	s.Seed(m)
	require.True(t, accrue(t, s, m.ID, time.Now(), time.Second, 10))

	s.InjectFault("DeleteMember.member", errors.New("unreachable"))
	require.Error(t, s.DeleteMember(context.Background(), m.ID))

	// children are gone, the member survives for a retry
	stamps, err := s.ListStamps(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Empty(t, stamps)
	_, err = s.GetMember(context.Background(), m.ID)
	require.NoError(t, err)

	s.InjectFault("DeleteMember.member", nil)
	require.NoError(t, s.DeleteMember(context.Background(), m.ID))
}

func TestMemoryStoreTxScope(t *testing.T) {
	s := NewMemoryStore()
	a, b := newMember(models.RoleMember), newMember(models.RoleMember)
	s.Seed(a)
	s.Seed(b)

	err := s.WithMemberTx(context.Background(), a.ID, func(ctx context.Context, tx Tx) error {
		_, err := tx.CountStamps(ctx, b.ID)
		return err
	})
	assert.Error(t, err)
}

func TestAccrualAllowed(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	last := now.Add(-6 * time.Hour)

	assert.True(t, accrualAllowed(nil, now, 6*time.Hour))
	assert.True(t, accrualAllowed(&last, now, 6*time.Hour))
	assert.False(t, accrualAllowed(&last, now.Add(-time.Nanosecond), 6*time.Hour))
}

func TestMemoryStoreRejectsCancelledWrites(t *testing.T) {
	s := NewMemoryStore()
	m := newMember(models.RoleMember)
	s.Seed(m)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.RedeemOldestCoupon(ctx, m.ID, time.Now(), "2025-01-01")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, s.SetPushToken(ctx, m.ID, "t"), context.Canceled)
	assert.ErrorIs(t, s.DeleteMember(ctx, m.ID), context.Canceled)

	_, err = s.GetMember(context.Background(), m.ID)
	assert.NoError(t, err)
}
